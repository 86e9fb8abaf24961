package credentials

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/store"
	"github.com/punchamoorthee/tabpay/internal/vault"
)

type memStore struct {
	rows map[string]*models.CredentialRecord
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*models.CredentialRecord)}
}

func rowKey(tenant string, env models.Environment) string { return tenant + "/" + string(env) }

func (m *memStore) GetCredentialRecord(ctx context.Context, tenantID string, env models.Environment) (*models.CredentialRecord, error) {
	r, ok := m.rows[rowKey(tenantID, env)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) UpsertCredentialRecord(ctx context.Context, r models.CredentialRecord) error {
	m.rows[rowKey(r.TenantID, r.Environment)] = &r
	return nil
}

func (m *memStore) MarkCredentialValidated(ctx context.Context, tenantID string, env models.Environment, at time.Time) error {
	r, ok := m.rows[rowKey(tenantID, env)]
	if !ok {
		return store.ErrNotFound
	}
	r.LastValidated = &at
	return nil
}

func (m *memStore) RewriteCredentials(ctx context.Context, rewrite func(*models.CredentialRecord) (bool, error)) (int, error) {
	staged := make(map[string]*models.CredentialRecord)
	for k, r := range m.rows {
		cp := *r
		ok, err := rewrite(&cp)
		if err != nil {
			return 0, err
		}
		if ok {
			staged[k] = &cp
		}
	}
	for k, r := range staged {
		m.rows[k] = r
	}
	return len(staged), nil
}

func key(b byte) []byte { return bytes.Repeat([]byte{b}, vault.KeySize) }

func newService(t *testing.T, s Store, v *vault.Vault) *Service {
	t.Helper()
	return NewService(s, v, zaptest.NewLogger(t))
}

func mustVault(t *testing.T, primary []byte, previous ...[]byte) *vault.Vault {
	t.Helper()
	v, err := vault.New(primary, previous...)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func sampleCredentials() models.Credentials {
	return models.Credentials{
		TenantID:          "bar-a",
		Environment:       models.Sandbox,
		BusinessShortCode: "174379",
		ConsumerKey:       "ck-123",
		ConsumerSecret:    "cs-456",
		Passkey:           "pk-789",
		CallbackURL:       "https://pay.example.com/api/v1/mpesa/callback",
		IsActive:          true,
	}
}

func TestSaveThenGetRoundTrip(t *testing.T) {
	ms := newMemStore()
	svc := newService(t, ms, mustVault(t, key(1)))
	ctx := context.Background()

	if err := svc.SaveTenantCredentials(ctx, sampleCredentials()); err != nil {
		t.Fatal(err)
	}
	row := ms.rows[rowKey("bar-a", models.Sandbox)]
	if row.ConsumerKeyEncrypted == "ck-123" || row.PasskeyEncrypted == "pk-789" {
		t.Fatal("secrets stored in plaintext")
	}
	if row.ConsumerKeyEncrypted == row.ConsumerSecretEnc {
		t.Error("fields should be encrypted independently")
	}

	got, err := svc.GetTenantCredentials(ctx, "bar-a", models.Sandbox)
	if err != nil {
		t.Fatal(err)
	}
	if got.ConsumerKey != "ck-123" || got.ConsumerSecret != "cs-456" || got.Passkey != "pk-789" {
		t.Errorf("decrypted = %+v", got)
	}
}

func TestGetTenantCredentialsErrors(t *testing.T) {
	ctx := context.Background()
	v := mustVault(t, key(1))

	t.Run("not found", func(t *testing.T) {
		svc := newService(t, newMemStore(), v)
		_, err := svc.GetTenantCredentials(ctx, "nobody", models.Sandbox)
		if !errors.Is(err, domain.ErrCredentialsNotFound) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("other environment is separate", func(t *testing.T) {
		ms := newMemStore()
		svc := newService(t, ms, v)
		if err := svc.SaveTenantCredentials(ctx, sampleCredentials()); err != nil {
			t.Fatal(err)
		}
		_, err := svc.GetTenantCredentials(ctx, "bar-a", models.Production)
		if !errors.Is(err, domain.ErrCredentialsNotFound) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("inactive", func(t *testing.T) {
		ms := newMemStore()
		svc := newService(t, ms, v)
		c := sampleCredentials()
		c.IsActive = false
		if err := svc.SaveTenantCredentials(ctx, c); err != nil {
			t.Fatal(err)
		}
		_, err := svc.GetTenantCredentials(ctx, "bar-a", models.Sandbox)
		if !errors.Is(err, domain.ErrCredentialsInactive) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("one tampered field fails the whole call", func(t *testing.T) {
		ms := newMemStore()
		svc := newService(t, ms, v)
		if err := svc.SaveTenantCredentials(ctx, sampleCredentials()); err != nil {
			t.Fatal(err)
		}
		other := mustVault(t, key(2))
		bad, _ := other.Encrypt("pk-789")
		ms.rows[rowKey("bar-a", models.Sandbox)].PasskeyEncrypted = bad

		got, err := svc.GetTenantCredentials(ctx, "bar-a", models.Sandbox)
		if !errors.Is(err, domain.ErrDecryption) {
			t.Fatalf("err = %v", err)
		}
		if got.ConsumerKey != "" {
			t.Error("partial credentials returned")
		}
	})

	t.Run("empty secret is invalid", func(t *testing.T) {
		ms := newMemStore()
		svc := newService(t, ms, v)
		if err := svc.SaveTenantCredentials(ctx, sampleCredentials()); err != nil {
			t.Fatal(err)
		}
		empty, _ := v.Encrypt("")
		ms.rows[rowKey("bar-a", models.Sandbox)].ConsumerSecretEnc = empty
		_, err := svc.GetTenantCredentials(ctx, "bar-a", models.Sandbox)
		if !errors.Is(err, domain.ErrCredentialsInvalid) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestSaveValidation(t *testing.T) {
	svc := newService(t, newMemStore(), mustVault(t, key(1)))
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*models.Credentials)
		want   error
	}{
		{"till number", func(c *models.Credentials) { c.BusinessShortCode = "512345" }, domain.ErrTillNumber},
		{"bad shortcode", func(c *models.Credentials) { c.BusinessShortCode = "12ab5" }, domain.ErrInvalidShortCode},
		{"http callback in production", func(c *models.Credentials) {
			c.Environment = models.Production
			c.CallbackURL = "http://pay.example.com/cb"
		}, domain.ErrInvalidCallbackURL},
		{"missing passkey", func(c *models.Credentials) { c.Passkey = "" }, domain.ErrCredentialsInvalid},
		{"bad environment", func(c *models.Credentials) { c.Environment = "staging" }, domain.ErrInvalidEnvironment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := sampleCredentials()
			tt.mutate(&c)
			if err := svc.SaveTenantCredentials(ctx, c); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRotateKeys(t *testing.T) {
	ms := newMemStore()
	ctx := context.Background()

	old := newService(t, ms, mustVault(t, key(1)))
	if err := old.SaveTenantCredentials(ctx, sampleCredentials()); err != nil {
		t.Fatal(err)
	}

	rotated := newService(t, ms, mustVault(t, key(2), key(1)))
	n, err := rotated.RotateKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rotated %d rows, want 1", n)
	}

	// only the new key is needed afterwards
	fresh := newService(t, ms, mustVault(t, key(2)))
	got, err := fresh.GetTenantCredentials(ctx, "bar-a", models.Sandbox)
	if err != nil {
		t.Fatal(err)
	}
	if got.Passkey != "pk-789" {
		t.Errorf("passkey = %q", got.Passkey)
	}

	if n, _ := rotated.RotateKeys(ctx); n != 0 {
		t.Errorf("second rotation rewrote %d rows", n)
	}
}

func TestMarkValidated(t *testing.T) {
	ms := newMemStore()
	svc := newService(t, ms, mustVault(t, key(1)))
	ctx := context.Background()

	if err := svc.MarkValidated(ctx, "bar-a", models.Sandbox); !errors.Is(err, domain.ErrCredentialsNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := svc.SaveTenantCredentials(ctx, sampleCredentials()); err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkValidated(ctx, "bar-a", models.Sandbox); err != nil {
		t.Fatal(err)
	}
	if ms.rows[rowKey("bar-a", models.Sandbox)].LastValidated == nil {
		t.Error("last validated not set")
	}
}
