package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/store"
)

const (
	DefaultTransactionTimeout = 5 * time.Minute
	DefaultListLimit          = 50
	MaxListLimit              = 500
	sweepBatch                = 200
	currencyKES               = "KES"
)

var (
	timedOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabpay_transactions_timed_out_total",
		Help: "Sent transactions marked timeout without a provider result",
	})
	stalePendingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabpay_transactions_stale_pending_total",
		Help: "Pending transactions failed because their push was never recorded",
	})
)

// TransactionStore is the persistence the transaction lifecycle needs.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, mutate func(*models.Transaction) error) (*models.Transaction, error)
	ListTransactions(ctx context.Context, status models.TransactionStatus, limit int) ([]*models.Transaction, error)
	ListSentBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
	TransactionStats(ctx context.Context, env models.Environment) (*models.TransactionStats, error)
}

// NewTransaction is the input to CreateTransaction.
type NewTransaction struct {
	TenantID         string
	TabID            string
	CustomerID       string
	PhoneNumber      string
	Amount           int64
	Environment      models.Environment
	AccountReference string
}

// TransactionService owns the lifecycle of payment attempts. Every status
// change goes through the state machine in models under a row lock.
type TransactionService struct {
	store   TransactionStore
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewTransactionService(s TransactionStore, timeout time.Duration, logger *zap.Logger) *TransactionService {
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	return &TransactionService{store: s, timeout: timeout, logger: logger, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (s *TransactionService) WithClock(now func() time.Time) *TransactionService {
	s.now = now
	return s
}

// CreateTransaction records a new attempt in status pending.
func (s *TransactionService) CreateTransaction(ctx context.Context, in NewTransaction) (*models.Transaction, error) {
	if in.TenantID == "" || in.TabID == "" || in.CustomerID == "" || in.PhoneNumber == "" {
		return nil, domain.ErrInvalidRequest.Withf("tenant, tab, customer and phone are required")
	}
	if in.Amount < 1 {
		return nil, domain.ErrInvalidAmount.Withf("amount must be at least 1, got %d", in.Amount)
	}
	if !in.Environment.Valid() {
		return nil, domain.ErrInvalidEnvironment.Withf("environment %q", in.Environment)
	}

	now := s.now().UTC()
	t := &models.Transaction{
		ID:               uuid.NewString(),
		TenantID:         in.TenantID,
		TabID:            in.TabID,
		CustomerID:       in.CustomerID,
		PhoneNumber:      in.PhoneNumber,
		Amount:           in.Amount,
		Currency:         currencyKES,
		Environment:      in.Environment,
		Status:           models.StatusPending,
		AccountReference: in.AccountReference,
		Attempts:         1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return t, nil
}

// UpdateTransactionStatus moves a transaction to status and applies patch.
// An illegal edge fails with ErrInvalidTransition and writes nothing.
func (s *TransactionService) UpdateTransactionStatus(ctx context.Context, id string, status models.TransactionStatus, patch models.StatusPatch) (*models.Transaction, error) {
	if _, ok := models.ParseStatus(string(status)); !ok {
		return nil, domain.ErrInvalidRequest.Withf("unknown status %q", status)
	}
	t, err := s.store.UpdateTransaction(ctx, id, func(t *models.Transaction) error {
		if err := t.TransitionTo(status, s.now().UTC()); err != nil {
			return err
		}
		patch.Apply(t)
		return nil
	})
	if err != nil {
		return nil, s.translate(id, err)
	}
	s.logger.Info("transaction status updated",
		zap.String("transaction_id", t.ID),
		zap.String("status", string(t.Status)))
	return t, nil
}

// GetTransaction returns one transaction. A sent transaction past the
// timeout is marked timeout before it is returned.
func (s *TransactionService) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, s.translate(id, err)
	}
	return s.expireOnRead(ctx, t)
}

// GetRecentTransactions returns the newest transactions first.
func (s *TransactionService) GetRecentTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	return s.list(ctx, "", limit)
}

// GetTransactionsByStatus returns the newest transactions in status.
func (s *TransactionService) GetTransactionsByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]*models.Transaction, error) {
	if _, ok := models.ParseStatus(string(status)); !ok {
		return nil, domain.ErrInvalidRequest.Withf("unknown status %q", status)
	}
	return s.list(ctx, status, limit)
}

func (s *TransactionService) list(ctx context.Context, status models.TransactionStatus, limit int) ([]*models.Transaction, error) {
	txs, err := s.store.ListTransactions(ctx, status, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := txs[:0]
	for _, t := range txs {
		t, err := s.expireOnRead(ctx, t)
		if err != nil {
			return nil, err
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTransactionStats aggregates all transactions, or those of env when
// env is set.
func (s *TransactionService) GetTransactionStats(ctx context.Context, env models.Environment) (*models.TransactionStats, error) {
	if env != "" && !env.Valid() {
		return nil, domain.ErrInvalidEnvironment.Withf("environment %q", env)
	}
	stats, err := s.store.TransactionStats(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("transaction stats: %w", err)
	}
	return stats, nil
}

// SweepTimeouts marks every expired sent transaction as timeout and
// returns how many it changed.
func (s *TransactionService) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	swept := 0
	for {
		batch, err := s.store.ListSentBefore(ctx, cutoff, sweepBatch)
		if err != nil {
			return swept, fmt.Errorf("list expired transactions: %w", err)
		}
		changed := 0
		for _, t := range batch {
			ok, err := s.markTimeout(ctx, t.ID)
			if err != nil {
				return swept, err
			}
			if ok {
				changed++
			}
		}
		swept += changed
		if len(batch) < sweepBatch || changed == 0 {
			break
		}
	}
	if swept > 0 {
		s.logger.Info("timeout sweep finished", zap.Int("timed_out", swept))
	}
	return swept, nil
}

// FailStalePending fails transactions left pending longer than the
// timeout. A push either records sent or failed within its request, so a
// row still pending after that means the provider may have accepted a
// push whose checkout ID was never stored. Its callback cannot be matched;
// failing the row lets the customer retry.
func (s *TransactionService) FailStalePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	batch, err := s.store.ListPendingBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale pending transactions: %w", err)
	}
	failed := 0
	for _, t := range batch {
		changed := false
		_, err := s.store.UpdateTransaction(ctx, t.ID, func(t *models.Transaction) error {
			now := s.now().UTC()
			if t.Status != models.StatusPending || !t.UpdatedAt.Before(now.Add(-s.timeout)) {
				return nil
			}
			if err := t.TransitionTo(models.StatusFailed, now); err != nil {
				return err
			}
			t.FailureReason = "push outcome was never recorded; any provider prompt is unmatched"
			changed = true
			return nil
		})
		if err != nil {
			return failed, s.translate(t.ID, err)
		}
		if changed {
			failed++
			stalePendingTotal.Inc()
			s.logger.Error("stale pending transaction failed",
				zap.String("transaction_id", t.ID),
				zap.String("tenant_id", t.TenantID),
				zap.Int("attempt", t.Attempts))
		}
	}
	return failed, nil
}

func (s *TransactionService) expired(t *models.Transaction, now time.Time) bool {
	if t.Status != models.StatusSent {
		return false
	}
	since := t.CreatedAt
	if t.SentAt != nil {
		since = *t.SentAt
	}
	return now.Sub(since) > s.timeout
}

func (s *TransactionService) expireOnRead(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	if !s.expired(t, s.now()) {
		return t, nil
	}
	if _, err := s.markTimeout(ctx, t.ID); err != nil {
		return nil, err
	}
	fresh, err := s.store.GetTransaction(ctx, t.ID)
	if err != nil {
		return nil, s.translate(t.ID, err)
	}
	return fresh, nil
}

// markTimeout re-checks expiry under the row lock so a callback that
// landed in the meantime wins.
func (s *TransactionService) markTimeout(ctx context.Context, id string) (bool, error) {
	changed := false
	_, err := s.store.UpdateTransaction(ctx, id, func(t *models.Transaction) error {
		now := s.now().UTC()
		if !s.expired(t, now) {
			return nil
		}
		if err := t.TransitionTo(models.StatusTimeout, now); err != nil {
			return err
		}
		t.FailureReason = fmt.Sprintf("no result from provider within %s", s.timeout)
		changed = true
		return nil
	})
	if err != nil {
		return false, s.translate(id, err)
	}
	if changed {
		timedOutTotal.Inc()
		s.logger.Warn("transaction timed out", zap.String("transaction_id", id))
	}
	return changed, nil
}

func (s *TransactionService) translate(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrTransactionNotFound.Withf("transaction %s", id)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.ErrInternal.With("transaction "+id, err)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
