// Package tenantconfig assembles the per-request configuration a payment
// needs from the tenant, its decrypted credentials and process defaults.
package tenantconfig

import (
	"context"
	"time"

	"github.com/punchamoorthee/tabpay/internal/config"
	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
)

// Defaults are the operational values used when neither the tenant nor
// the caller supplies one.
type Defaults struct {
	SandboxBaseURL     string
	ProductionBaseURL  string
	CallbackURL        string
	Timeout            time.Duration
	RetryAttempts      int
	RetryBackoff       time.Duration
	RateLimitPerMinute int
}

func DefaultsFromConfig(cfg config.Config) Defaults {
	return Defaults{
		SandboxBaseURL:     cfg.Mpesa.SandboxBaseURL,
		ProductionBaseURL:  cfg.Mpesa.ProductionBaseURL,
		CallbackURL:        cfg.DefaultCallbackURL(),
		Timeout:            cfg.Mpesa.Timeout,
		RetryAttempts:      cfg.Mpesa.RetryAttempts,
		RetryBackoff:       cfg.Mpesa.RetryBackoff,
		RateLimitPerMinute: cfg.RateLimit.PerMinute,
	}
}

// Overrides replace defaults for one call. Zero values are ignored;
// RetryAttempts is a pointer because zero retries is meaningful.
type Overrides struct {
	BaseURL            string
	CallbackURL        string
	Timeout            time.Duration
	RetryAttempts      *int
	RetryBackoff       time.Duration
	RateLimitPerMinute int
}

type Factory struct {
	defaults Defaults
}

func NewFactory(d Defaults) *Factory {
	return &Factory{defaults: d}
}

// CreateTenantConfig validates creds against the environment rules and
// combines them with defaults and overrides.
func (f *Factory) CreateTenantConfig(info models.TenantInfo, creds models.Credentials, o Overrides) (models.TenantConfig, error) {
	env := creds.Environment
	if !env.Valid() {
		return models.TenantConfig{}, domain.ErrInvalidEnvironment.Withf("unknown environment %q", env)
	}
	if !creds.IsActive {
		return models.TenantConfig{}, domain.ErrCredentialsInactive.Withf("credentials for %s (%s) are inactive", info.TenantID, env)
	}
	if creds.ConsumerKey == "" || creds.ConsumerSecret == "" || creds.Passkey == "" {
		return models.TenantConfig{}, domain.ErrCredentialsInvalid.Withf("credentials for %s (%s) are incomplete", info.TenantID, env)
	}
	if err := ValidateShortCode(creds.BusinessShortCode); err != nil {
		return models.TenantConfig{}, err
	}

	baseURL := f.defaults.SandboxBaseURL
	if env == models.Production {
		baseURL = f.defaults.ProductionBaseURL
	}
	if o.BaseURL != "" {
		baseURL = o.BaseURL
	}
	if err := ValidateEndpoint(baseURL, env); err != nil {
		return models.TenantConfig{}, err
	}

	callback := firstNonEmpty(o.CallbackURL, creds.CallbackURL, f.defaults.CallbackURL)
	if callback == "" {
		return models.TenantConfig{}, domain.ErrInvalidCallbackURL.Withf("no callback URL configured for %s", info.TenantID)
	}
	if err := ValidateCallbackURL(callback, env); err != nil {
		return models.TenantConfig{}, err
	}

	cfg := models.TenantConfig{
		TenantID:           info.TenantID,
		TenantName:         info.TenantName,
		Environment:        env,
		Credentials:        creds,
		BaseURL:            baseURL,
		CallbackURL:        callback,
		Timeout:            f.defaults.Timeout,
		RetryAttempts:      f.defaults.RetryAttempts,
		RetryBackoff:       f.defaults.RetryBackoff,
		RateLimitPerMinute: f.defaults.RateLimitPerMinute,
	}
	if o.Timeout > 0 {
		cfg.Timeout = o.Timeout
	}
	if o.RetryAttempts != nil {
		cfg.RetryAttempts = *o.RetryAttempts
	}
	if o.RetryBackoff > 0 {
		cfg.RetryBackoff = o.RetryBackoff
	}
	if o.RateLimitPerMinute > 0 {
		cfg.RateLimitPerMinute = o.RateLimitPerMinute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type TenantResolver interface {
	ResolveCustomerTabToTenant(ctx context.Context, barID, customerIdentifier string) (models.TenantInfo, error)
}

type CredentialSource interface {
	GetTenantCredentials(ctx context.Context, tenantID string, env models.Environment) (models.Credentials, error)
}

type ConfigBuilder interface {
	CreateTenantConfig(info models.TenantInfo, creds models.Credentials, o Overrides) (models.TenantConfig, error)
}

// CreateServiceConfigFromCustomerContext resolves the tenant, loads its
// credentials for env and builds the config. The first failing step's
// error is returned as is.
func CreateServiceConfigFromCustomerContext(
	ctx context.Context,
	env models.Environment,
	barID, customerIdentifier string,
	resolver TenantResolver,
	credentials CredentialSource,
	factory ConfigBuilder,
	o Overrides,
) (models.ServiceConfig, error) {
	info, err := resolver.ResolveCustomerTabToTenant(ctx, barID, customerIdentifier)
	if err != nil {
		return models.ServiceConfig{}, err
	}
	creds, err := credentials.GetTenantCredentials(ctx, info.TenantID, env)
	if err != nil {
		return models.ServiceConfig{}, err
	}
	cfg, err := factory.CreateTenantConfig(info, creds, o)
	if err != nil {
		return models.ServiceConfig{}, err
	}
	return models.ServiceConfig{TenantConfig: cfg, Tenant: info}, nil
}
