// Package credentials reads, writes and re-keys the per-tenant Daraja
// credentials kept encrypted in the store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/store"
	"github.com/punchamoorthee/tabpay/internal/tenantconfig"
	"github.com/punchamoorthee/tabpay/internal/vault"
)

type Store interface {
	GetCredentialRecord(ctx context.Context, tenantID string, env models.Environment) (*models.CredentialRecord, error)
	UpsertCredentialRecord(ctx context.Context, r models.CredentialRecord) error
	MarkCredentialValidated(ctx context.Context, tenantID string, env models.Environment, at time.Time) error
	RewriteCredentials(ctx context.Context, rewrite func(*models.CredentialRecord) (bool, error)) (int, error)
}

type Service struct {
	store  Store
	vault  *vault.Vault
	logger *zap.Logger
	now    func() time.Time
}

func NewService(s Store, v *vault.Vault, logger *zap.Logger) *Service {
	return &Service{store: s, vault: v, logger: logger, now: time.Now}
}

// GetTenantCredentials returns the decrypted credential set for a tenant
// and environment. Each secret is decrypted on its own; if any one fails
// nothing is returned.
func (s *Service) GetTenantCredentials(ctx context.Context, tenantID string, env models.Environment) (models.Credentials, error) {
	if !env.Valid() {
		return models.Credentials{}, domain.ErrInvalidEnvironment.Withf("unknown environment %q", env)
	}

	rec, err := s.store.GetCredentialRecord(ctx, tenantID, env)
	if errors.Is(err, store.ErrNotFound) {
		return models.Credentials{}, domain.ErrCredentialsNotFound.Withf("no %s credentials for tenant %s", env, tenantID)
	}
	if err != nil {
		return models.Credentials{}, domain.ErrInternal.With("credential lookup failed", err)
	}
	if !rec.IsActive {
		return models.Credentials{}, domain.ErrCredentialsInactive.Withf("%s credentials for tenant %s are inactive", env, tenantID)
	}

	key, err := s.open(rec, "consumer key", rec.ConsumerKeyEncrypted)
	if err != nil {
		return models.Credentials{}, err
	}
	secret, err := s.open(rec, "consumer secret", rec.ConsumerSecretEnc)
	if err != nil {
		return models.Credentials{}, err
	}
	passkey, err := s.open(rec, "passkey", rec.PasskeyEncrypted)
	if err != nil {
		return models.Credentials{}, err
	}

	return models.Credentials{
		TenantID:          rec.TenantID,
		Environment:       rec.Environment,
		BusinessShortCode: rec.BusinessShortCode,
		ConsumerKey:       key,
		ConsumerSecret:    secret,
		Passkey:           passkey,
		CallbackURL:       rec.CallbackURL,
		IsActive:          rec.IsActive,
		LastValidated:     rec.LastValidated,
	}, nil
}

func (s *Service) open(rec *models.CredentialRecord, field, blob string) (string, error) {
	pt, err := s.vault.Decrypt(blob)
	if err != nil {
		s.logger.Error("credential decryption failed",
			zap.String("tenant_id", rec.TenantID),
			zap.String("environment", string(rec.Environment)),
			zap.String("field", field),
			zap.Error(err))
		return "", domain.ErrDecryption.With(fmt.Sprintf("decrypt %s for tenant %s", field, rec.TenantID), err)
	}
	if strings.TrimSpace(pt) == "" {
		return "", domain.ErrCredentialsInvalid.Withf("%s for tenant %s is empty", field, rec.TenantID)
	}
	return pt, nil
}

// SaveTenantCredentials validates and encrypts a credential set and
// replaces whatever the tenant had for that environment.
func (s *Service) SaveTenantCredentials(ctx context.Context, c models.Credentials) error {
	if c.TenantID == "" {
		return domain.ErrInvalidRequest.Withf("tenant ID is required")
	}
	if !c.Environment.Valid() {
		return domain.ErrInvalidEnvironment.Withf("unknown environment %q", c.Environment)
	}
	if err := tenantconfig.ValidateShortCode(c.BusinessShortCode); err != nil {
		return err
	}
	if c.CallbackURL != "" {
		if err := tenantconfig.ValidateCallbackURL(c.CallbackURL, c.Environment); err != nil {
			return err
		}
	}
	if c.ConsumerKey == "" || c.ConsumerSecret == "" || c.Passkey == "" {
		return domain.ErrCredentialsInvalid.Withf("consumer key, consumer secret and passkey are required")
	}

	rec := models.CredentialRecord{
		TenantID:          c.TenantID,
		Environment:       c.Environment,
		BusinessShortCode: c.BusinessShortCode,
		CallbackURL:       c.CallbackURL,
		IsActive:          c.IsActive,
		EncryptedAt:       s.now(),
	}
	var err error
	if rec.ConsumerKeyEncrypted, err = s.vault.Encrypt(c.ConsumerKey); err != nil {
		return err
	}
	if rec.ConsumerSecretEnc, err = s.vault.Encrypt(c.ConsumerSecret); err != nil {
		return err
	}
	if rec.PasskeyEncrypted, err = s.vault.Encrypt(c.Passkey); err != nil {
		return err
	}
	if err := s.store.UpsertCredentialRecord(ctx, rec); err != nil {
		return domain.ErrInternal.With("store credentials", err)
	}

	s.logger.Info("tenant credentials saved",
		zap.String("tenant_id", c.TenantID),
		zap.String("environment", string(c.Environment)),
		zap.String("shortcode", c.BusinessShortCode))
	return nil
}

// MarkValidated records a successful token exchange with the credentials.
func (s *Service) MarkValidated(ctx context.Context, tenantID string, env models.Environment) error {
	err := s.store.MarkCredentialValidated(ctx, tenantID, env, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrCredentialsNotFound.Withf("no %s credentials for tenant %s", env, tenantID)
	}
	return err
}

// RotateKeys re-encrypts every blob that is not already sealed under the
// primary key. It returns the number of rows rewritten.
func (s *Service) RotateKeys(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.store.RewriteCredentials(ctx, func(r *models.CredentialRecord) (bool, error) {
		if !s.vault.NeedsRotation(r.ConsumerKeyEncrypted) &&
			!s.vault.NeedsRotation(r.ConsumerSecretEnc) &&
			!s.vault.NeedsRotation(r.PasskeyEncrypted) {
			return false, nil
		}
		for _, blob := range []*string{&r.ConsumerKeyEncrypted, &r.ConsumerSecretEnc, &r.PasskeyEncrypted} {
			out, err := s.vault.Reencrypt(*blob)
			if err != nil {
				return false, err
			}
			*blob = out
		}
		r.EncryptedAt = now
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("credential key rotation complete", zap.Int("rows", n))
	return n, nil
}
