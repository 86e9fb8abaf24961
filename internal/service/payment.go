package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/mpesa"
	"github.com/punchamoorthee/tabpay/internal/ratelimit"
	"github.com/punchamoorthee/tabpay/internal/tenantconfig"
)

const (
	sentWriteAttempts = 3
	sentWriteBackoff  = 50 * time.Millisecond
)

// RateLimiter admits payment attempts and keeps their audit trail.
type RateLimiter interface {
	CheckCustomerRateLimit(ctx context.Context, customerID, phoneNumber string, amount int64, ipAddress string) (ratelimit.Result, error)
	RecordFailedAttempt(ctx context.Context, customerID, phoneNumber string, amount int64, ipAddress, reason string) error
	RecordSuccessfulPayment(ctx context.Context, customerID, phoneNumber string, amount int64, ipAddress string) error
}

// Pusher submits STK pushes.
type Pusher interface {
	SendSTKPush(ctx context.Context, cfg models.TenantConfig, req mpesa.PushRequest) (*mpesa.PushResponse, error)
}

// PaymentRequest is a customer's request to pay their tab.
type PaymentRequest struct {
	BarID       string `json:"bar_id"`
	CustomerID  string `json:"customer_id"`
	PhoneNumber string `json:"phone_number"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	IPAddress   string `json:"-"`
}

// PaymentResult is an accepted push.
type PaymentResult struct {
	Transaction     *models.Transaction `json:"transaction"`
	CustomerMessage string              `json:"customer_message"`
}

// PaymentService runs a payment from admission to a sent push.
type PaymentService struct {
	env          models.Environment
	limiter      RateLimiter
	resolver     tenantconfig.TenantResolver
	credentials  tenantconfig.CredentialSource
	configs      tenantconfig.ConfigBuilder
	pusher       Pusher
	transactions *TransactionService
	logger       *zap.Logger
}

type PaymentDeps struct {
	Limiter      RateLimiter
	Resolver     tenantconfig.TenantResolver
	Credentials  tenantconfig.CredentialSource
	Configs      tenantconfig.ConfigBuilder
	Pusher       Pusher
	Transactions *TransactionService
}

func NewPaymentService(env models.Environment, d PaymentDeps, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		env:          env,
		limiter:      d.Limiter,
		resolver:     d.Resolver,
		credentials:  d.Credentials,
		configs:      d.Configs,
		pusher:       d.Pusher,
		transactions: d.Transactions,
		logger:       logger,
	}
}

// InitiatePayment admits the request, builds the tenant's config, records
// a pending transaction and pushes the prompt. On success the transaction
// is sent; a rejected push leaves it failed.
func (s *PaymentService) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if req.BarID == "" || req.CustomerID == "" {
		return nil, domain.ErrInvalidRequest.Withf("bar_id and customer_id are required")
	}
	phone, err := mpesa.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	if err := s.admit(ctx, req.CustomerID, phone, req.Amount, req.IPAddress); err != nil {
		return nil, err
	}

	cfg, err := tenantconfig.CreateServiceConfigFromCustomerContext(ctx, s.env, req.BarID, req.CustomerID,
		s.resolver, s.credentials, s.configs, tenantconfig.Overrides{})
	if err != nil {
		s.logger.Warn("payment config failed",
			zap.String("bar_id", req.BarID),
			zap.String("customer_id", req.CustomerID),
			zap.String("code", domain.CodeOf(err)),
			zap.Error(err))
		return nil, err
	}

	t, err := s.transactions.CreateTransaction(ctx, NewTransaction{
		TenantID:         cfg.TenantID,
		TabID:            cfg.Tenant.TabID,
		CustomerID:       req.CustomerID,
		PhoneNumber:      phone,
		Amount:           req.Amount,
		Environment:      cfg.Environment,
		AccountReference: mpesa.EncodeAccountReference(cfg.Tenant.TabNumber),
	})
	if err != nil {
		return nil, err
	}

	desc := req.Description
	if desc == "" {
		desc = mpesa.Description(cfg.Tenant.TabNumber)
	}
	return s.push(ctx, cfg.TenantConfig, t, desc, req.IPAddress)
}

// RetryPayment sends a new push for a failed, cancelled or timed out
// transaction. It is only ever started by the customer.
func (s *PaymentService) RetryPayment(ctx context.Context, id, ipAddress string) (*PaymentResult, error) {
	t, err := s.transactions.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.CanRetry() {
		return nil, domain.ErrInvalidTransition.Withf("transaction %s is %s and cannot be retried", t.ID, t.Status)
	}

	if err := s.admit(ctx, t.CustomerID, t.PhoneNumber, t.Amount, ipAddress); err != nil {
		return nil, err
	}

	cfg, err := tenantconfig.CreateServiceConfigFromCustomerContext(ctx, t.Environment, t.TenantID, t.CustomerID,
		s.resolver, s.credentials, s.configs, tenantconfig.Overrides{})
	if err != nil {
		return nil, err
	}
	if cfg.Tenant.TabID != t.TabID {
		return nil, domain.ErrTabNotFound.Withf("tab %s is no longer open", t.TabID)
	}

	t, err = s.transactions.UpdateTransactionStatus(ctx, t.ID, models.StatusPending, models.StatusPatch{})
	if err != nil {
		return nil, err
	}
	s.logger.Info("retrying payment", zap.String("transaction_id", t.ID), zap.Int("attempt", t.Attempts))
	return s.push(ctx, cfg.TenantConfig, t, mpesa.Description(cfg.Tenant.TabNumber), ipAddress)
}

func (s *PaymentService) admit(ctx context.Context, customerID, phone string, amount int64, ip string) error {
	res, err := s.limiter.CheckCustomerRateLimit(ctx, customerID, phone, amount, ip)
	if err != nil {
		return err
	}
	if !res.Allowed {
		s.logger.Info("payment rate limited",
			zap.String("customer_id", customerID),
			zap.String("phone", mpesa.MaskPhone(phone)),
			zap.String("dimension", res.Dimension),
			zap.Duration("retry_after", res.RetryAfter))
		return res.Err()
	}
	return nil
}

func (s *PaymentService) push(ctx context.Context, cfg models.TenantConfig, t *models.Transaction, desc, ip string) (*PaymentResult, error) {
	resp, pushErr := s.pusher.SendSTKPush(ctx, cfg, mpesa.PushRequest{
		Phone:            t.PhoneNumber,
		Amount:           t.Amount,
		AccountReference: t.AccountReference,
		TransactionDesc:  desc,
	})
	if pushErr != nil {
		s.logger.Warn("stk push failed",
			zap.String("transaction_id", t.ID),
			zap.String("tenant_id", t.TenantID),
			zap.String("code", domain.CodeOf(pushErr)),
			zap.Error(pushErr))
		if _, err := s.transactions.UpdateTransactionStatus(ctx, t.ID, models.StatusFailed,
			models.StatusPatch{FailureReason: pushErr.Error()}); err != nil {
			s.logger.Error("failed to mark transaction failed", zap.String("transaction_id", t.ID), zap.Error(err))
		}
		if err := s.limiter.RecordFailedAttempt(ctx, t.CustomerID, t.PhoneNumber, t.Amount, ip, domain.CodeOf(pushErr)); err != nil {
			s.logger.Error("failed to record failed attempt", zap.String("transaction_id", t.ID), zap.Error(err))
		}
		return nil, pushErr
	}

	sent, err := s.recordSent(ctx, t.ID, resp)
	if err != nil {
		// The prompt is already on the phone but nothing can match its
		// callback to this transaction. FailStalePending fails it later.
		s.logger.Error("failed to record sent push",
			zap.String("transaction_id", t.ID),
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err))
		return nil, err
	}
	if err := s.limiter.RecordSuccessfulPayment(ctx, t.CustomerID, t.PhoneNumber, t.Amount, ip); err != nil {
		s.logger.Error("failed to record payment attempt", zap.String("transaction_id", t.ID), zap.Error(err))
	}
	return &PaymentResult{Transaction: sent, CustomerMessage: resp.CustomerMessage}, nil
}

// recordSent stores the checkout ID of an accepted push. The write is
// retried outside the caller's cancellation since the provider has already
// acted on the push.
func (s *PaymentService) recordSent(ctx context.Context, id string, resp *mpesa.PushResponse) (*models.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	patch := models.StatusPatch{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
	}
	var err error
	for attempt := 1; attempt <= sentWriteAttempts; attempt++ {
		var sent *models.Transaction
		sent, err = s.transactions.UpdateTransactionStatus(ctx, id, models.StatusSent, patch)
		if err == nil || !errors.Is(err, domain.ErrInternal) {
			return sent, err
		}
		s.logger.Warn("sent write failed, retrying",
			zap.String("transaction_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(sentWriteBackoff * time.Duration(attempt))
	}
	return nil, err
}
