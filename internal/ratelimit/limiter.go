// Package ratelimit admits or denies payment initiations per customer,
// phone number and client IP using sliding windows held in a shared store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
)

var deniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tabpay_ratelimit_denied_total",
	Help: "Payment attempts denied by the rate limiter, by dimension",
}, []string{"dimension"})

// Dimensions a request is counted under.
const (
	DimensionCustomer = "customer"
	DimensionPhone    = "phone"
	DimensionIP       = "ip"
	DimensionFailures = "failures"
)

// M-Pesa STK push accepts whole shillings in this range.
const (
	MinAmount int64 = 1
	MaxAmount int64 = 150000
)

type Policy struct {
	PerMinute     int
	Window        time.Duration
	MaxFailures   int
	FailureWindow time.Duration
}

// AuditLog persists every attempt for later review.
type AuditLog interface {
	RecordAttempt(ctx context.Context, rec models.RateLimitRecord) error
}

// Result is the admission decision for one attempt.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Reason            string        `json:"reason,omitempty"`
	Dimension         string        `json:"dimension,omitempty"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
	RemainingAttempts int           `json:"remaining_attempts"`
}

// Err converts a denial into a typed rate-limit error.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	e := domain.ErrRateLimited.With(r.Reason, nil)
	e.RetryAfter = r.RetryAfter
	return e
}

type Limiter struct {
	store  CounterStore
	audit  AuditLog
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

func New(store CounterStore, audit AuditLog, policy Policy, logger *zap.Logger) *Limiter {
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	if policy.FailureWindow <= 0 {
		policy.FailureWindow = 15 * time.Minute
	}
	return &Limiter{store: store, audit: audit, policy: policy, logger: logger, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func customerKey(id string) string { return "customer:" + id }
func phoneKey(p string) string     { return "phone:" + p }
func ipKey(ip string) string       { return "ip:" + ip }
func failureKey(p string) string   { return "failures:" + p }

// CheckCustomerRateLimit counts this attempt against every dimension and
// admits it only if none is over quota. Counting and checking are a single
// atomic store operation.
func (l *Limiter) CheckCustomerRateLimit(ctx context.Context, customerID, phoneNumber string, amount int64, ipAddress string) (Result, error) {
	if amount < MinAmount || amount > MaxAmount {
		return Result{}, domain.ErrInvalidAmount.Withf("amount %d outside %d..%d", amount, MinAmount, MaxAmount)
	}
	now := l.now()

	if l.policy.MaxFailures > 0 {
		n, oldest, err := l.store.Window(ctx, failureKey(phoneNumber), now, l.policy.FailureWindow)
		if err != nil {
			return Result{}, fmt.Errorf("read failure window: %w", err)
		}
		if n >= l.policy.MaxFailures {
			res := Result{
				Reason:     fmt.Sprintf("too many failed payments for this phone (%d in %s)", n, l.policy.FailureWindow),
				Dimension:  DimensionFailures,
				RetryAfter: oldest.Add(l.policy.FailureWindow).Sub(now),
			}
			l.deny(ctx, customerID, phoneNumber, ipAddress, amount, res, now)
			return res, nil
		}
	}

	dims := []string{DimensionCustomer, DimensionPhone}
	keys := []string{customerKey(customerID), phoneKey(phoneNumber)}
	if ipAddress != "" {
		dims = append(dims, DimensionIP)
		keys = append(keys, ipKey(ipAddress))
	}

	d, err := l.store.Acquire(ctx, keys, uuid.NewString(), now, l.policy.Window, l.policy.PerMinute)
	if err != nil {
		return Result{}, fmt.Errorf("acquire rate limit: %w", err)
	}

	if !d.Allowed {
		res := Result{
			Reason:     fmt.Sprintf("%s limit of %d per %s reached", dims[d.Blocked], l.policy.PerMinute, l.policy.Window),
			Dimension:  dims[d.Blocked],
			RetryAfter: d.Oldest.Add(l.policy.Window).Sub(now),
		}
		l.deny(ctx, customerID, phoneNumber, ipAddress, amount, res, now)
		return res, nil
	}

	res := Result{Allowed: true, RemainingAttempts: max(l.policy.PerMinute-d.Count, 0)}
	l.record(ctx, models.RateLimitRecord{
		CustomerID:  customerID,
		PhoneNumber: phoneNumber,
		IPAddress:   ipAddress,
		Amount:      amount,
		Outcome:     models.AttemptAllowed,
		CreatedAt:   now,
	})
	return res, nil
}

func (l *Limiter) deny(ctx context.Context, customerID, phone, ip string, amount int64, res Result, now time.Time) {
	deniedTotal.WithLabelValues(res.Dimension).Inc()
	l.logger.Warn("payment attempt rate limited",
		zap.String("customer_id", customerID),
		zap.String("dimension", res.Dimension),
		zap.Duration("retry_after", res.RetryAfter))
	l.record(ctx, models.RateLimitRecord{
		CustomerID:  customerID,
		PhoneNumber: phone,
		IPAddress:   ip,
		Amount:      amount,
		Outcome:     models.AttemptDenied,
		Reason:      res.Reason,
		CreatedAt:   now,
	})
}

// RecordFailedAttempt audits a failed initiation and counts it toward the
// per-phone failure penalty.
func (l *Limiter) RecordFailedAttempt(ctx context.Context, customerID, phoneNumber string, amount int64, ipAddress, reason string) error {
	now := l.now()
	if err := l.store.Add(ctx, failureKey(phoneNumber), uuid.NewString(), now, l.policy.FailureWindow); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	l.record(ctx, models.RateLimitRecord{
		CustomerID:  customerID,
		PhoneNumber: phoneNumber,
		IPAddress:   ipAddress,
		Amount:      amount,
		Outcome:     models.AttemptFailed,
		Reason:      reason,
		CreatedAt:   now,
	})
	return nil
}

// RecordSuccessfulPayment audits an initiation the provider accepted.
func (l *Limiter) RecordSuccessfulPayment(ctx context.Context, customerID, phoneNumber string, amount int64, ipAddress string) error {
	l.record(ctx, models.RateLimitRecord{
		CustomerID:  customerID,
		PhoneNumber: phoneNumber,
		IPAddress:   ipAddress,
		Amount:      amount,
		Outcome:     models.AttemptSuccess,
		CreatedAt:   l.now(),
	})
	return nil
}

// Audit failures never block a payment.
func (l *Limiter) record(ctx context.Context, rec models.RateLimitRecord) {
	if l.audit == nil {
		return
	}
	if err := l.audit.RecordAttempt(ctx, rec); err != nil {
		l.logger.Error("failed to write rate limit audit record",
			zap.String("customer_id", rec.CustomerID),
			zap.String("outcome", rec.Outcome),
			zap.Error(err))
	}
}
