package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
)

type memAudit struct {
	mu   sync.Mutex
	recs []models.RateLimitRecord
}

func (a *memAudit) RecordAttempt(ctx context.Context, rec models.RateLimitRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *memAudit) count(outcome string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.recs {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}

func newLimiter(t *testing.T, perMinute int, clock *time.Time) (*Limiter, *memAudit) {
	t.Helper()
	audit := &memAudit{}
	l := New(NewMemoryStore(), audit, Policy{
		PerMinute:     perMinute,
		Window:        time.Minute,
		MaxFailures:   3,
		FailureWindow: 15 * time.Minute,
	}, zaptest.NewLogger(t))
	l.WithClock(func() time.Time { return *clock })
	return l, audit
}

func TestAdmitsExactlyNPerWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	l, audit := newLimiter(t, 5, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.CheckCustomerRateLimit(ctx, "cust-1", "254712345678", 100, "10.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d denied: %s", i+1, res.Reason)
		}
		if res.RemainingAttempts != 5-(i+1) {
			t.Errorf("attempt %d remaining = %d", i+1, res.RemainingAttempts)
		}
		now = now.Add(5 * time.Second)
	}

	res, err := l.CheckCustomerRateLimit(ctx, "cust-1", "254712345678", 100, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("6th attempt should be denied")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("retryAfter = %v, want > 0", res.RetryAfter)
	}
	// oldest hit at +0s, now at +25s: 35s until it leaves the window
	if res.RetryAfter != 35*time.Second {
		t.Errorf("retryAfter = %v, want 35s", res.RetryAfter)
	}
	if !errors.Is(res.Err(), domain.ErrRateLimited) || domain.RetryAfterOf(res.Err()) != res.RetryAfter {
		t.Errorf("Err() = %v", res.Err())
	}
	if audit.count(models.AttemptAllowed) != 5 || audit.count(models.AttemptDenied) != 1 {
		t.Errorf("audit allowed=%d denied=%d", audit.count(models.AttemptAllowed), audit.count(models.AttemptDenied))
	}

	// once the oldest hit expires a slot opens again
	now = now.Add(35 * time.Second)
	res, _ = l.CheckCustomerRateLimit(ctx, "cust-1", "254712345678", 100, "10.0.0.1")
	if !res.Allowed {
		t.Errorf("attempt after window slide denied: %s", res.Reason)
	}
}

func TestAnyDimensionDenies(t *testing.T) {
	now := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	l, _ := newLimiter(t, 2, &now)
	ctx := context.Background()

	// two different customers share one phone
	for _, c := range []string{"a", "b"} {
		if res, _ := l.CheckCustomerRateLimit(ctx, c, "254700000001", 50, ""); !res.Allowed {
			t.Fatalf("customer %s denied", c)
		}
	}
	res, _ := l.CheckCustomerRateLimit(ctx, "c", "254700000001", 50, "")
	if res.Allowed || res.Dimension != DimensionPhone {
		t.Fatalf("expected phone denial, got %+v", res)
	}

	// a denied attempt must not consume the customer's quota
	res, _ = l.CheckCustomerRateLimit(ctx, "c", "254700000002", 50, "")
	if !res.Allowed || res.RemainingAttempts != 1 {
		t.Errorf("customer c should still have quota: %+v", res)
	}
}

func TestFailurePenalty(t *testing.T) {
	now := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	l, audit := newLimiter(t, 100, &now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.RecordFailedAttempt(ctx, "cust", "254711111111", 10, "", "push rejected"); err != nil {
			t.Fatal(err)
		}
	}
	res, err := l.CheckCustomerRateLimit(ctx, "cust", "254711111111", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Dimension != DimensionFailures {
		t.Fatalf("expected failure penalty, got %+v", res)
	}
	if res.RetryAfter != 15*time.Minute {
		t.Errorf("retryAfter = %v", res.RetryAfter)
	}
	if audit.count(models.AttemptFailed) != 3 {
		t.Errorf("failed audits = %d", audit.count(models.AttemptFailed))
	}

	now = now.Add(16 * time.Minute)
	if res, _ := l.CheckCustomerRateLimit(ctx, "cust", "254711111111", 10, ""); !res.Allowed {
		t.Errorf("penalty should expire: %+v", res)
	}
}

func TestAmountValidation(t *testing.T) {
	now := time.Now()
	l, _ := newLimiter(t, 5, &now)
	for _, amt := range []int64{0, -5, MaxAmount + 1} {
		_, err := l.CheckCustomerRateLimit(context.Background(), "c", "254700000000", amt, "")
		if !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("amount %d: err = %v", amt, err)
		}
	}
}

func TestConcurrentCallersNeverExceedQuota(t *testing.T) {
	now := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	l, _ := newLimiter(t, 5, &now)
	ctx := context.Background()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckCustomerRateLimit(ctx, "burst", "254799999999", 20, "10.1.1.1")
			if err == nil && res.Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	if admitted != 5 {
		t.Errorf("admitted %d, want 5", admitted)
	}
}
