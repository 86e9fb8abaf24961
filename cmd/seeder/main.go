package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/app"
	"github.com/punchamoorthee/tabpay/internal/config"
	"github.com/punchamoorthee/tabpay/internal/credentials"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/store"
	"github.com/punchamoorthee/tabpay/internal/vault"
)

const (
	// Daraja's public sandbox paybill and passkey.
	sandboxShortCode = "174379"
	sandboxPasskey   = "bfb279f9aa9bdbcf158e97dd71a467cd2e0c893059b10f78e6b72ada1ed2c919"

	initialBalance = 2500 // KES
)

func main() {
	bars := flag.Int("bars", 3, "number of bars to create")
	tabsPerBar := flag.Int("tabs", 200, "open tabs per bar")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("TABPAY_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	consumerKey := os.Getenv("MPESA_CONSUMER_KEY")
	consumerSecret := os.Getenv("MPESA_CONSUMER_SECRET")
	if consumerKey == "" || consumerSecret == "" {
		logger.Fatal("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required")
	}

	ctx := context.Background()
	db, err := store.NewStore(cfg.DBSource)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	v, err := vault.FromConfig(cfg.Mpesa.EncryptionKey, cfg.Mpesa.PreviousEncryptionKeys)
	if err != nil {
		logger.Fatal("credential vault", zap.Error(err))
	}
	creds := credentials.NewService(db, v, logger)

	logger.Info("--- Seeding Database ---")

	var count int
	if err := db.Db.QueryRow(ctx, "SELECT COUNT(*) FROM bars").Scan(&count); err != nil {
		logger.Fatal("count bars", zap.Error(err))
	}
	if count >= *bars {
		logger.Info("database already seeded, skipping", zap.Int("bars", count))
		return
	}

	for i := 1; i <= *bars; i++ {
		bar := models.Bar{ID: fmt.Sprintf("bar-%03d", i), Name: fmt.Sprintf("Bar %d", i), IsActive: true}
		if err := db.InsertBar(ctx, bar); err != nil {
			logger.Fatal("insert bar", zap.String("bar_id", bar.ID), zap.Error(err))
		}

		err := creds.SaveTenantCredentials(ctx, models.Credentials{
			TenantID:          bar.ID,
			Environment:       models.Sandbox,
			BusinessShortCode: sandboxShortCode,
			ConsumerKey:       consumerKey,
			ConsumerSecret:    consumerSecret,
			Passkey:           sandboxPasskey,
			CallbackURL:       cfg.DefaultCallbackURL(),
			IsActive:          true,
		})
		if err != nil {
			logger.Fatal("save credentials", zap.String("bar_id", bar.ID), zap.Error(err))
		}

		tabs := make([]models.Tab, *tabsPerBar)
		for n := range tabs {
			tabs[n] = models.Tab{
				ID:                 uuid.NewString(),
				BarID:              bar.ID,
				TabNumber:          n + 1,
				CustomerIdentifier: fmt.Sprintf("cust-%03d-%04d", i, n+1),
				Status:             "open",
				Balance:            initialBalance,
			}
		}
		copied, err := db.CopyTabs(ctx, tabs)
		if err != nil {
			logger.Fatal("bulk insert tabs failed", zap.String("bar_id", bar.ID), zap.Error(err))
		}
		logger.Info("seeded bar", zap.String("bar_id", bar.ID), zap.Int64("tabs", copied))
	}
}
