package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/tabpay/internal/models"
)

// Config is loaded once at startup and passed by value afterwards.
type Config struct {
	DBSource string `yaml:"db_source"`
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`

	Redis     RedisConfig     `yaml:"redis"`
	Mpesa     MpesaConfig     `yaml:"mpesa"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MpesaConfig struct {
	Environment            models.Environment `yaml:"environment"`
	EncryptionKey          string             `yaml:"encryption_key"`
	PreviousEncryptionKeys []string           `yaml:"previous_encryption_keys"`
	Timeout                time.Duration      `yaml:"timeout"`
	RetryAttempts          int                `yaml:"retry_attempts"`
	RetryBackoff           time.Duration      `yaml:"retry_backoff"`
	CallbackBaseURL        string             `yaml:"callback_base_url"`
	SandboxBaseURL         string             `yaml:"sandbox_base_url"`
	ProductionBaseURL      string             `yaml:"production_base_url"`
}

type RateLimitConfig struct {
	PerMinute     int           `yaml:"per_minute"`
	Window        time.Duration `yaml:"window"`
	MaxFailures   int           `yaml:"max_failures"`
	FailureWindow time.Duration `yaml:"failure_window"`
}

type JobsConfig struct {
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ReconcileAfter     time.Duration `yaml:"reconcile_after"`
}

type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
}

// CallbackPath is where the provider delivers STK results.
const CallbackPath = "/api/v1/mpesa/callback"

func defaults() Config {
	return Config{
		Port: "8080",
		Env:  "development",
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Mpesa: MpesaConfig{
			Environment:       models.Sandbox,
			Timeout:           30 * time.Second,
			RetryAttempts:     3,
			RetryBackoff:      500 * time.Millisecond,
			SandboxBaseURL:    "https://sandbox.safaricom.co.ke",
			ProductionBaseURL: "https://api.safaricom.co.ke",
		},
		RateLimit: RateLimitConfig{
			PerMinute:     5,
			Window:        time.Minute,
			MaxFailures:   5,
			FailureWindow: 15 * time.Minute,
		},
		Jobs: JobsConfig{
			TransactionTimeout: 5 * time.Minute,
			SweepInterval:      30 * time.Second,
			ReconcileAfter:     2 * time.Minute,
		},
	}
}

// Load reads an optional .env file, an optional YAML file and then the
// environment, in increasing precedence, and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := overrideFromEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overrideFromEnv(cfg *Config) error {
	setString(&cfg.DBSource, "DB_SOURCE")
	setString(&cfg.Port, "SERVER_PORT")
	setString(&cfg.Env, "APP_ENV")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	if v := os.Getenv("MPESA_ENVIRONMENT"); v != "" {
		cfg.Mpesa.Environment = models.Environment(strings.ToLower(v))
	}
	setString(&cfg.Mpesa.EncryptionKey, "MPESA_ENCRYPTION_KEY")
	if v := os.Getenv("MPESA_PREVIOUS_ENCRYPTION_KEYS"); v != "" {
		cfg.Mpesa.PreviousEncryptionKeys = strings.Split(v, ",")
	}
	setString(&cfg.Mpesa.CallbackBaseURL, "CALLBACK_BASE_URL")
	setString(&cfg.Mpesa.SandboxBaseURL, "MPESA_SANDBOX_BASE_URL")
	setString(&cfg.Mpesa.ProductionBaseURL, "MPESA_PRODUCTION_BASE_URL")

	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	setString(&cfg.Tracing.JaegerEndpoint, "JAEGER_ENDPOINT")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Redis.DB, "REDIS_DB"},
		{&cfg.Mpesa.RetryAttempts, "MPESA_RETRY_ATTEMPTS"},
		{&cfg.RateLimit.PerMinute, "RATE_LIMIT_PER_MINUTE"},
		{&cfg.RateLimit.MaxFailures, "RATE_LIMIT_MAX_FAILURES"},
	}
	for _, e := range ints {
		if err := setInt(e.dst, e.key); err != nil {
			return err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.Mpesa.Timeout, "MPESA_TIMEOUT"},
		{&cfg.Mpesa.RetryBackoff, "MPESA_RETRY_BACKOFF"},
		{&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW"},
		{&cfg.RateLimit.FailureWindow, "RATE_LIMIT_FAILURE_WINDOW"},
		{&cfg.Jobs.TransactionTimeout, "TRANSACTION_TIMEOUT"},
		{&cfg.Jobs.SweepInterval, "SWEEP_INTERVAL"},
		{&cfg.Jobs.ReconcileAfter, "RECONCILE_AFTER"},
	}
	for _, e := range durations {
		if err := setDuration(e.dst, e.key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = i
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate checks the values the service cannot start without.
func (c Config) Validate() error {
	if c.DBSource == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if c.Mpesa.EncryptionKey == "" {
		return fmt.Errorf("MPESA_ENCRYPTION_KEY environment variable is required")
	}
	if !c.Mpesa.Environment.Valid() {
		return fmt.Errorf("MPESA_ENVIRONMENT must be sandbox or production, got %q", c.Mpesa.Environment)
	}
	if c.Mpesa.Timeout <= 0 {
		return fmt.Errorf("MPESA_TIMEOUT must be positive")
	}
	if c.Mpesa.RetryAttempts < 0 {
		return fmt.Errorf("MPESA_RETRY_ATTEMPTS must not be negative")
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Jobs.TransactionTimeout <= 0 {
		return fmt.Errorf("TRANSACTION_TIMEOUT must be positive")
	}
	if c.Mpesa.Environment == models.Production && !strings.HasPrefix(c.Mpesa.CallbackBaseURL, "https://") {
		return fmt.Errorf("CALLBACK_BASE_URL must be https in production")
	}
	return nil
}

// IsProduction reports whether the process runs with production logging.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// DefaultCallbackURL is used when a tenant has no callback URL stored.
func (c Config) DefaultCallbackURL() string {
	if c.Mpesa.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.Mpesa.CallbackBaseURL, "/") + CallbackPath
}
