package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/tabpay/internal/models"
)

const transactionColumns = `id, tenant_id, tab_id, customer_id, phone_number, amount, currency, environment,
	status, account_reference, COALESCE(checkout_request_id, ''), COALESCE(merchant_request_id, ''),
	COALESCE(mpesa_receipt_number, ''), result_code, COALESCE(failure_reason, ''), attempts,
	created_at, updated_at, sent_at, completed_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.TenantID, &t.TabID, &t.CustomerID, &t.PhoneNumber, &t.Amount, &t.Currency,
		&t.Environment, &t.Status, &t.AccountReference, &t.CheckoutRequestID, &t.MerchantRequestID,
		&t.MpesaReceiptNumber, &t.ResultCode, &t.FailureReason, &t.Attempts,
		&t.CreatedAt, &t.UpdatedAt, &t.SentAt, &t.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertTransaction persists a new transaction record.
func (s *Store) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO transactions (id, tenant_id, tab_id, customer_id, phone_number, amount, currency,
			environment, status, account_reference, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.TenantID, t.TabID, t.CustomerID, t.PhoneNumber, t.Amount, t.Currency,
		t.Environment, t.Status, t.AccountReference, t.Attempts, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return scanTransaction(s.Db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
}

func writeTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	_, err := tx.Exec(ctx,
		`UPDATE transactions SET status = $2, checkout_request_id = NULLIF($3::text, ''),
			merchant_request_id = NULLIF($4::text, ''), mpesa_receipt_number = NULLIF($5::text, ''),
			result_code = $6, failure_reason = NULLIF($7::text, ''), attempts = $8, updated_at = $9,
			sent_at = $10, completed_at = $11
		 WHERE id = $1`,
		t.ID, t.Status, t.CheckoutRequestID, t.MerchantRequestID, t.MpesaReceiptNumber,
		t.ResultCode, t.FailureReason, t.Attempts, t.UpdatedAt, t.SentAt, t.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update transaction: %w", err)
	}
	return nil
}

// UpdateTransaction locks the row, hands the current state to mutate and
// writes back whatever mutate leaves behind. An error from mutate aborts
// the update and is returned unchanged.
func (s *Store) UpdateTransaction(ctx context.Context, id string, mutate func(*models.Transaction) error) (*models.Transaction, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTransaction(tx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, err
	}
	if err := mutate(t); err != nil {
		return nil, err
	}
	if err := writeTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return t, nil
}

// ListTransactions returns the newest transactions, optionally only those
// in one status.
func (s *Store) ListTransactions(ctx context.Context, status models.TransactionStatus, limit int) ([]*models.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE ($1::text = '' OR status = $1::text)
		 ORDER BY created_at DESC
		 LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ListSentBefore returns sent transactions whose push went out before
// cutoff, oldest first.
func (s *Store) ListSentBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status = 'sent' AND COALESCE(sent_at, created_at) < $1
		 ORDER BY COALESCE(sent_at, created_at)
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ListPendingBefore returns pending transactions that entered pending
// before cutoff, oldest first.
func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status = 'pending' AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// TransactionStats aggregates by status. An empty env covers both
// environments.
func (s *Store) TransactionStats(ctx context.Context, env models.Environment) (*models.TransactionStats, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT status, count(*), COALESCE(sum(amount), 0)
		 FROM transactions
		 WHERE ($1::text = '' OR environment = $1::text)
		 GROUP BY status`,
		string(env))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.TransactionStats{Environment: env, ByStatus: make(map[models.TransactionStatus]int64)}
	for rows.Next() {
		var status models.TransactionStatus
		var count, amount int64
		if err := rows.Scan(&status, &count, &amount); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
		if status == models.StatusSuccess {
			stats.SuccessAmount = amount
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[models.StatusSuccess]) / float64(stats.Total)
	}
	return stats, nil
}
