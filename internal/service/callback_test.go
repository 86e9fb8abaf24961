package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
)

func successBody(checkout string, amount int64, receipt string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":%q,
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":%d},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"TransactionDate","Value":20260501180512},
			{"Name":"PhoneNumber","Value":254712345678}]}}}}`, checkout, amount, receipt))
}

func failureBody(checkout string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-2",
		"CheckoutRequestID":%q,
		"ResultCode":%d,
		"ResultDesc":%q}}}`, checkout, code, desc))
}

type callbackFixture struct {
	store    *memStore
	notifier *recordingNotifier
	handler  *CallbackHandler
	clock    *clock
}

func newCallbackFixture(t *testing.T) *callbackFixture {
	t.Helper()
	st := newMemStore()
	n := &recordingNotifier{}
	c := newClock(t0.Add(time.Minute))
	h := NewCallbackHandler(st, n, zaptest.NewLogger(t)).WithClock(c.Now)
	h.sleep = func(context.Context, time.Duration) error { return nil }
	return &callbackFixture{store: st, notifier: n, handler: h, clock: c}
}

func TestCallbackSuccess(t *testing.T) {
	f := newCallbackFixture(t)
	f.store.addTab("bar-a", "tab-a", 1200)
	f.store.put(sentTx("tx-a", "bar-a", "tab-a", "ws_CO_A", 500, t0))

	res := f.handler.HandleSTKCallback(context.Background(), successBody("ws_CO_A", 500, "NLJ7RT61SV"), nil)
	if !res.Success || res.Err != nil || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}
	if res.TransactionID != "tx-a" || res.Status != models.StatusSuccess {
		t.Errorf("result = %+v", res)
	}

	tx, _ := f.store.GetTransaction(context.Background(), "tx-a")
	if tx.Status != models.StatusSuccess || tx.MpesaReceiptNumber != "NLJ7RT61SV" || tx.ResultCode == nil || *tx.ResultCode != 0 {
		t.Errorf("transaction = %+v", tx)
	}
	if got := f.store.balance("tab-a"); got != 700 {
		t.Errorf("balance = %d, want 700", got)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("notifications = %d", f.notifier.count())
	}
	ch := f.notifier.changes[0]
	if ch.BarID != "bar-a" || ch.PreviousBalance != 1200 || ch.NewBalance != 700 || ch.AmountPaid != 500 {
		t.Errorf("change = %+v", ch)
	}
}

func TestCallbackFailureLeavesBalance(t *testing.T) {
	f := newCallbackFixture(t)
	f.store.addTab("bar-b", "tab-b", 800)
	f.store.put(sentTx("tx-b", "bar-b", "tab-b", "ws_CO_B", 800, t0))

	res := f.handler.HandleSTKCallback(context.Background(), failureBody("ws_CO_B", 1032, "Request cancelled by user"), nil)
	if !res.Success || res.Status != models.StatusFailed {
		t.Fatalf("result = %+v", res)
	}
	tx, _ := f.store.GetTransaction(context.Background(), "tx-b")
	if tx.Status != models.StatusFailed || !tx.CanRetry() || tx.FailureReason != "Request cancelled by user" {
		t.Errorf("transaction = %+v", tx)
	}
	if f.store.balance("tab-b") != 800 || f.notifier.count() != 0 {
		t.Error("failed payment touched the balance")
	}
}

func TestDuplicateCallbackDebitsOnce(t *testing.T) {
	f := newCallbackFixture(t)
	f.store.addTab("bar-a", "tab-a", 1200)
	f.store.put(sentTx("tx-a", "bar-a", "tab-a", "ws_CO_A", 500, t0))
	body := successBody("ws_CO_A", 500, "NLJ7RT61SV")

	first := f.handler.HandleSTKCallback(context.Background(), body, nil)
	second := f.handler.HandleSTKCallback(context.Background(), body, nil)
	if !first.Success || first.Duplicate {
		t.Errorf("first = %+v", first)
	}
	if !second.Success || !second.Duplicate || second.Status != models.StatusSuccess {
		t.Errorf("second = %+v", second)
	}
	if got := f.store.balance("tab-a"); got != 700 {
		t.Errorf("balance = %d, want 700", got)
	}
}

func TestConcurrentDuplicateCallbacks(t *testing.T) {
	f := newCallbackFixture(t)
	f.store.addTab("bar-a", "tab-a", 5000)
	f.store.put(sentTx("tx-a", "bar-a", "tab-a", "ws_CO_A", 500, t0))
	body := successBody("ws_CO_A", 500, "NLJ7RT61SV")

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.handler.HandleSTKCallback(context.Background(), body, nil)
			if res.Success && !res.Duplicate {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied %d times", applied)
	}
	if got := f.store.balance("tab-a"); got != 4500 {
		t.Errorf("balance = %d, want 4500", got)
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d", f.notifier.count())
	}
}

func TestBalanceFloorsAtZero(t *testing.T) {
	f := newCallbackFixture(t)
	f.store.addTab("bar-a", "tab-a", 300)
	f.store.put(sentTx("tx-a", "bar-a", "tab-a", "ws_CO_A", 500, t0))

	f.handler.HandleSTKCallback(context.Background(), successBody("ws_CO_A", 500, "R1"), nil)
	if got := f.store.balance("tab-a"); got != 0 {
		t.Errorf("balance = %d", got)
	}
}

func TestMalformedCallbacks(t *testing.T) {
	f := newCallbackFixture(t)
	f.store.addTab("bar-a", "tab-a", 1200)
	f.store.put(sentTx("tx-a", "bar-a", "tab-a", "ws_CO_A", 500, t0))

	bodies := map[string]string{
		"not json":            `<xml/>`,
		"missing stkCallback": `{"Body":{}}`,
		"missing body":        `{"stkCallback":{"CheckoutRequestID":"ws_CO_A","MerchantRequestID":"m","ResultCode":0}}`,
		"injected id":         `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_A' OR 1=1","ResultCode":0}}}`,
		"empty merchant id":   `{"Body":{"stkCallback":{"MerchantRequestID":"","CheckoutRequestID":"ws_CO_A","ResultCode":0}}}`,
		"missing result code": `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_A"}}}`,
		"string result code":  `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_A","ResultCode":"zero"}}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			res := f.handler.HandleSTKCallback(context.Background(), []byte(body), http.Header{"X-Forwarded-For": {"196.201.214.200"}})
			if res.Success || !errors.Is(res.Err, domain.ErrInvalidCallback) {
				t.Errorf("result = %+v", res)
			}
		})
	}

	tx, _ := f.store.GetTransaction(context.Background(), "tx-a")
	if tx.Status != models.StatusSent || f.store.balance("tab-a") != 1200 || f.store.eventCount() != 0 {
		t.Error("malformed callback had side effects")
	}
}

func TestLateCallbackAfterTimeout(t *testing.T) {
	f := newCallbackFixture(t)
	f.store.addTab("bar-a", "tab-a", 1200)
	late := sentTx("tx-a", "bar-a", "tab-a", "ws_CO_A", 500, t0)
	late.Status = models.StatusTimeout
	f.store.put(late)

	res := f.handler.HandleSTKCallback(context.Background(), successBody("ws_CO_A", 500, "R1"), nil)
	if !res.Success || res.Status != models.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	if f.store.balance("tab-a") != 700 {
		t.Errorf("balance = %d", f.store.balance("tab-a"))
	}
}

func TestCallbackBeforeTransactionIsQueued(t *testing.T) {
	f := newCallbackFixture(t)
	f.store.addTab("bar-a", "tab-a", 1200)
	ctx := context.Background()

	res := f.handler.HandleSTKCallback(ctx, successBody("ws_CO_EARLY", 500, "R1"), http.Header{"X-Real-Ip": {"196.201.214.200"}})
	if !res.Success || !res.Queued {
		t.Fatalf("result = %+v", res)
	}
	pending, _ := f.store.ListPendingCallbackEvents(ctx, 10)
	if len(pending) != 1 || pending[0].SourceIP != "196.201.214.200" {
		t.Fatalf("pending = %+v", pending)
	}

	n, err := f.handler.ReplayPending(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("replay before insert = %d, %v", n, err)
	}

	f.store.put(sentTx("tx-early", "bar-a", "tab-a", "ws_CO_EARLY", 500, t0))
	n, err = f.handler.ReplayPending(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("replay = %d, %v", n, err)
	}
	if f.store.balance("tab-a") != 700 {
		t.Errorf("balance = %d", f.store.balance("tab-a"))
	}
	pending, _ = f.store.ListPendingCallbackEvents(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("still pending: %d", len(pending))
	}
}

func TestCancelledCallbackStopsLookupRetries(t *testing.T) {
	f := newCallbackFixture(t)
	waits := 0
	f.handler.sleep = func(ctx context.Context, d time.Duration) error {
		waits++
		return sleepCtx(ctx, d)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res := f.handler.HandleSTKCallback(ctx, successBody("ws_CO_GONE", 500, "R1"), nil)
	if elapsed := time.Since(start); elapsed >= lookupDelay {
		t.Errorf("handler waited %s after cancellation", elapsed)
	}
	if waits != 1 {
		t.Errorf("waits = %d, want 1", waits)
	}
	if !res.Queued {
		t.Errorf("result = %+v", res)
	}
	if f.store.eventCount() != 1 {
		t.Errorf("queued events = %d", f.store.eventCount())
	}
}

func TestStaleQueuedCallbackDiscarded(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()
	f.handler.HandleSTKCallback(ctx, successBody("ws_CO_GHOST", 500, "R1"), nil)

	f.clock.Advance(25 * time.Hour)
	if _, err := f.handler.ReplayPending(ctx, 10); err != nil {
		t.Fatal(err)
	}
	pending, _ := f.store.ListPendingCallbackEvents(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("stale event still queued")
	}
}

func TestCallbackStoreFailureIsReported(t *testing.T) {
	f := newCallbackFixture(t)
	f.store.applyErr = errors.New("connection refused")

	res := f.handler.HandleSTKCallback(context.Background(), successBody("ws_CO_A", 500, "R1"), nil)
	if res.Success || res.Err == nil {
		t.Errorf("result = %+v", res)
	}
}
