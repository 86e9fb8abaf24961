package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/tabpay/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist. Services
// translate it into the domain error for their context.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write collides with a unique constraint.
var ErrConflict = errors.New("store: conflict")

// execer is satisfied by both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetBar retrieves a tenant by ID.
func (s *Store) GetBar(ctx context.Context, id string) (*models.Bar, error) {
	var b models.Bar
	err := s.Db.QueryRow(ctx, "SELECT id, name, is_active FROM bars WHERE id = $1", id).
		Scan(&b.ID, &b.Name, &b.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// InsertBar creates or renames a tenant.
func (s *Store) InsertBar(ctx context.Context, b models.Bar) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO bars (id, name, is_active) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_active = EXCLUDED.is_active`,
		b.ID, b.Name, b.IsActive)
	return err
}

// FindOpenTab returns the payable tab a customer holds at a bar. Open and
// overdue tabs are payable; when a customer somehow holds several the most
// recent wins.
func (s *Store) FindOpenTab(ctx context.Context, barID, customerIdentifier string) (*models.Tab, error) {
	var t models.Tab
	err := s.Db.QueryRow(ctx,
		`SELECT id, bar_id, tab_number, customer_identifier, status, balance, updated_at
		 FROM tabs
		 WHERE bar_id = $1 AND customer_identifier = $2 AND status IN ('open', 'overdue')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		barID, customerIdentifier,
	).Scan(&t.ID, &t.BarID, &t.TabNumber, &t.CustomerIdentifier, &t.Status, &t.Balance, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CopyTabs bulk loads tabs with the COPY protocol.
func (s *Store) CopyTabs(ctx context.Context, tabs []models.Tab) (int64, error) {
	rows := make([][]any, len(tabs))
	now := time.Now()
	for i, t := range tabs {
		rows[i] = []any{t.ID, t.BarID, t.TabNumber, t.CustomerIdentifier, t.Status, t.Balance, now, now}
	}
	return s.Db.CopyFrom(ctx,
		pgx.Identifier{"tabs"},
		[]string{"id", "bar_id", "tab_number", "customer_identifier", "status", "balance", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
}

const credentialColumns = `tenant_id, environment, business_shortcode, consumer_key_encrypted,
	consumer_secret_encrypted, passkey_encrypted, callback_url, is_active, encrypted_at, last_validated`

func scanCredential(row pgx.Row) (*models.CredentialRecord, error) {
	var r models.CredentialRecord
	err := row.Scan(&r.TenantID, &r.Environment, &r.BusinessShortCode, &r.ConsumerKeyEncrypted,
		&r.ConsumerSecretEnc, &r.PasskeyEncrypted, &r.CallbackURL, &r.IsActive, &r.EncryptedAt, &r.LastValidated)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// GetCredentialRecord retrieves the encrypted credential row for a tenant
// and environment.
func (s *Store) GetCredentialRecord(ctx context.Context, tenantID string, env models.Environment) (*models.CredentialRecord, error) {
	return scanCredential(s.Db.QueryRow(ctx,
		"SELECT "+credentialColumns+" FROM mpesa_credentials WHERE tenant_id = $1 AND environment = $2",
		tenantID, env))
}

// UpsertCredentialRecord stores the single credential set for
// (tenant, environment), replacing any previous one.
func (s *Store) UpsertCredentialRecord(ctx context.Context, r models.CredentialRecord) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO mpesa_credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)
		 ON CONFLICT (tenant_id, environment) DO UPDATE SET
			business_shortcode = EXCLUDED.business_shortcode,
			consumer_key_encrypted = EXCLUDED.consumer_key_encrypted,
			consumer_secret_encrypted = EXCLUDED.consumer_secret_encrypted,
			passkey_encrypted = EXCLUDED.passkey_encrypted,
			callback_url = EXCLUDED.callback_url,
			is_active = EXCLUDED.is_active,
			encrypted_at = EXCLUDED.encrypted_at,
			last_validated = NULL`,
		r.TenantID, r.Environment, r.BusinessShortCode, r.ConsumerKeyEncrypted,
		r.ConsumerSecretEnc, r.PasskeyEncrypted, r.CallbackURL, r.IsActive, r.EncryptedAt)
	if err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}
	return nil
}

// MarkCredentialValidated stamps the last successful token exchange.
func (s *Store) MarkCredentialValidated(ctx context.Context, tenantID string, env models.Environment, at time.Time) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE mpesa_credentials SET last_validated = $3 WHERE tenant_id = $1 AND environment = $2",
		tenantID, env, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RewriteCredentials locks every credential row and lets rewrite replace
// its blobs. Rows for which rewrite reports no change are left alone. The
// whole pass commits or rolls back as one.
func (s *Store) RewriteCredentials(ctx context.Context, rewrite func(*models.CredentialRecord) (bool, error)) (int, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, "SELECT "+credentialColumns+" FROM mpesa_credentials ORDER BY tenant_id, environment FOR UPDATE")
	if err != nil {
		return 0, fmt.Errorf("lock credentials: %w", err)
	}
	var records []*models.CredentialRecord
	for rows.Next() {
		r, err := scanCredential(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	changed := 0
	for _, r := range records {
		ok, err := rewrite(r)
		if err != nil {
			return 0, fmt.Errorf("rewrite %s/%s: %w", r.TenantID, r.Environment, err)
		}
		if !ok {
			continue
		}
		_, err = tx.Exec(ctx,
			`UPDATE mpesa_credentials SET consumer_key_encrypted = $3, consumer_secret_encrypted = $4,
				passkey_encrypted = $5, encrypted_at = $6
			 WHERE tenant_id = $1 AND environment = $2`,
			r.TenantID, r.Environment, r.ConsumerKeyEncrypted, r.ConsumerSecretEnc, r.PasskeyEncrypted, r.EncryptedAt)
		if err != nil {
			return 0, fmt.Errorf("update %s/%s: %w", r.TenantID, r.Environment, err)
		}
		changed++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return changed, nil
}

// RecordAttempt appends a rate-limit audit row.
func (s *Store) RecordAttempt(ctx context.Context, rec models.RateLimitRecord) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO rate_limit_attempts (customer_id, phone_number, ip_address, amount, outcome, reason, created_at)
		 VALUES ($1, $2, NULLIF($3::text, ''), $4, $5, NULLIF($6::text, ''), $7)`,
		rec.CustomerID, rec.PhoneNumber, rec.IPAddress, rec.Amount, rec.Outcome, rec.Reason, rec.CreatedAt)
	return err
}
