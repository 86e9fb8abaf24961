package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/app"
	"github.com/punchamoorthee/tabpay/internal/config"
	"github.com/punchamoorthee/tabpay/internal/credentials"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/store"
	"github.com/punchamoorthee/tabpay/internal/vault"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "payctl",
		Short:        "Operator tool for the tab payment service",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TABPAY_CONFIG"), "optional YAML config file")

	rootCmd.AddCommand(setCredentialsCmd())
	rootCmd.AddCommand(rotateKeysCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// withCredentials opens only what credential maintenance needs; Redis is
// not required.
func withCredentials(ctx context.Context, fn func(*credentials.Service) error) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	v, err := vault.FromConfig(cfg.Mpesa.EncryptionKey, cfg.Mpesa.PreviousEncryptionKeys)
	if err != nil {
		return err
	}
	db, err := store.NewStore(cfg.DBSource)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	return fn(credentials.NewService(db, v, logger))
}

func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func setCredentialsCmd() *cobra.Command {
	var c models.Credentials
	var env string
	var inactive bool

	cmd := &cobra.Command{
		Use:   "set-credentials [tenant-id]",
		Short: "Encrypt and store a tenant's Daraja credentials",
		Long: `Stores the consumer key, consumer secret and passkey for one tenant and
environment, replacing any previous set. Secrets may be passed with flags
or through MPESA_CONSUMER_KEY, MPESA_CONSUMER_SECRET and MPESA_PASSKEY.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.TenantID = args[0]
			c.Environment = models.Environment(env)
			c.IsActive = !inactive
			if c.ConsumerKey == "" {
				c.ConsumerKey = os.Getenv("MPESA_CONSUMER_KEY")
			}
			if c.ConsumerSecret == "" {
				c.ConsumerSecret = os.Getenv("MPESA_CONSUMER_SECRET")
			}
			if c.Passkey == "" {
				c.Passkey = os.Getenv("MPESA_PASSKEY")
			}
			return withCredentials(cmd.Context(), func(s *credentials.Service) error {
				if err := s.SaveTenantCredentials(cmd.Context(), c); err != nil {
					return err
				}
				fmt.Printf("Stored %s credentials for %s (shortcode %s)\n", c.Environment, c.TenantID, c.BusinessShortCode)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&env, "environment", "e", string(models.Sandbox), "sandbox or production")
	cmd.Flags().StringVarP(&c.BusinessShortCode, "shortcode", "s", "", "paybill shortcode")
	cmd.Flags().StringVar(&c.ConsumerKey, "consumer-key", "", "Daraja consumer key")
	cmd.Flags().StringVar(&c.ConsumerSecret, "consumer-secret", "", "Daraja consumer secret")
	cmd.Flags().StringVar(&c.Passkey, "passkey", "", "Lipa na M-Pesa passkey")
	cmd.Flags().StringVar(&c.CallbackURL, "callback-url", "", "tenant callback URL, defaults to the service URL")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "store the set disabled")
	cmd.MarkFlagRequired("shortcode")

	return cmd
}

func rotateKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-encrypt stored credentials under the primary key",
		Long: `Run after moving the old MPESA_ENCRYPTION_KEY into
MPESA_PREVIOUS_ENCRYPTION_KEYS and setting a new primary key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCredentials(cmd.Context(), func(s *credentials.Service) error {
				n, err := s.RotateKeys(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Re-encrypted %d credential sets\n", n)
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Time out sent transactions past the deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Transactions.SweepTimeouts(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Timed out %d transactions\n", n)
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Query the provider for sent transactions with no callback",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Reconciler.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Settled %d transactions\n", n)
				return nil
			})
		},
	}
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay-callbacks",
		Short: "Apply queued callbacks whose transaction was not yet visible",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Callbacks.ReplayPending(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Printf("Replayed %d callbacks\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "maximum events to replay")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show transaction counts and success rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("environment")
			return withApp(cmd.Context(), func(a *app.App) error {
				stats, err := a.Transactions.GetTransactionStats(cmd.Context(), models.Environment(env))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	}
	cmd.Flags().StringP("environment", "e", "", "sandbox or production, empty for both")
	return cmd
}
