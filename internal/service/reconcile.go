package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/mpesa"
	"github.com/punchamoorthee/tabpay/internal/tenantconfig"
)

const (
	DefaultReconcileAfter = 2 * time.Minute
	reconcileBatch        = 100
)

// StatusQuerier asks the provider what became of a push.
type StatusQuerier interface {
	QuerySTKPushStatus(ctx context.Context, cfg models.TenantConfig, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

// SentLister finds pushes that are still waiting for a result.
type SentLister interface {
	ListSentBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
}

// Reconciler settles sent transactions whose callback never came by
// asking the status query endpoint. Answers go through the same path as
// callbacks, so a late callback and a query answer cannot both debit.
type Reconciler struct {
	transactions SentLister
	credentials  tenantconfig.CredentialSource
	configs      tenantconfig.ConfigBuilder
	querier      StatusQuerier
	callbacks    *CallbackHandler
	after        time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewReconciler(transactions SentLister, credentials tenantconfig.CredentialSource, configs tenantconfig.ConfigBuilder,
	querier StatusQuerier, callbacks *CallbackHandler, after time.Duration, logger *zap.Logger,
) *Reconciler {
	if after <= 0 {
		after = DefaultReconcileAfter
	}
	return &Reconciler{
		transactions: transactions,
		credentials:  credentials,
		configs:      configs,
		querier:      querier,
		callbacks:    callbacks,
		after:        after,
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// queryStatus maps a status query ResultCode. Unlike callbacks, the query
// reports a cancelled prompt explicitly.
func queryStatus(code int) models.TransactionStatus {
	switch code {
	case ResultCodeSuccess:
		return models.StatusSuccess
	case ResultCodeCancelledByUser:
		return models.StatusCancelled
	default:
		return models.StatusFailed
	}
}

// Reconcile queries every sent transaction older than the reconcile delay
// and applies each definite answer. It returns how many it settled.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	txs, err := r.transactions.ListSentBefore(ctx, r.now().Add(-r.after), reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("list unsettled transactions: %w", err)
	}

	configs := make(map[string]models.TenantConfig)
	settled := 0
	for _, t := range txs {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		cfg, err := r.tenantConfig(ctx, configs, t)
		if err != nil {
			r.logger.Warn("reconcile: no usable config",
				zap.String("transaction_id", t.ID),
				zap.String("tenant_id", t.TenantID),
				zap.Error(err))
			continue
		}

		resp, err := r.querier.QuerySTKPushStatus(ctx, cfg, t.CheckoutRequestID)
		if err != nil {
			fields := []zap.Field{
				zap.String("transaction_id", t.ID),
				zap.String("checkout_request_id", t.CheckoutRequestID),
				zap.String("code", domain.CodeOf(err)),
				zap.Error(err),
			}
			if n, ok := mpesa.ParseAccountReference(t.AccountReference); ok {
				fields = append(fields, zap.Int("tab_number", n))
			}
			// Network failures clear up on the next pass; anything else
			// needs someone to look at the tenant.
			if domain.Retryable(err) {
				r.logger.Warn("reconcile: status query failed", fields...)
			} else {
				r.logger.Error("reconcile: status query failed", fields...)
			}
			continue
		}
		if resp.Pending {
			continue
		}

		payload, _ := json.Marshal(resp)
		ev := &models.CallbackEvent{
			ID:                uuid.NewString(),
			CheckoutRequestID: t.CheckoutRequestID,
			MerchantRequestID: t.MerchantRequestID,
			ResultCode:        resp.Code(),
			Payload:           payload,
			ReceivedAt:        r.now().UTC(),
		}
		out := r.callbacks.settle(ctx, ev, providerResult{
			Status:     queryStatus(resp.Code()),
			ResultCode: resp.Code(),
			ResultDesc: resp.ResultDesc,
		})
		if out.Err != nil {
			r.logger.Error("reconcile: applying query result failed",
				zap.String("transaction_id", t.ID),
				zap.Error(out.Err))
			continue
		}
		if !out.Duplicate {
			settled++
		}
	}
	if settled > 0 {
		r.logger.Info("reconciled transactions", zap.Int("settled", settled))
	}
	return settled, nil
}

func (r *Reconciler) tenantConfig(ctx context.Context, cache map[string]models.TenantConfig, t *models.Transaction) (models.TenantConfig, error) {
	key := t.TenantID + "/" + string(t.Environment)
	if cfg, ok := cache[key]; ok {
		return cfg, nil
	}
	creds, err := r.credentials.GetTenantCredentials(ctx, t.TenantID, t.Environment)
	if err != nil {
		return models.TenantConfig{}, err
	}
	cfg, err := r.configs.CreateTenantConfig(models.TenantInfo{TenantID: t.TenantID}, creds, tenantconfig.Overrides{})
	if err != nil {
		return models.TenantConfig{}, err
	}
	cache[key] = cfg
	return cfg, nil
}
