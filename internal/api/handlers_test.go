package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/service"
)

type fakePayments struct {
	got      service.PaymentRequest
	retryIP  string
	err      error
	result   *service.PaymentResult
	retryErr error
}

func (f *fakePayments) InitiatePayment(ctx context.Context, req service.PaymentRequest) (*service.PaymentResult, error) {
	f.got = req
	return f.result, f.err
}

func (f *fakePayments) RetryPayment(ctx context.Context, id, ip string) (*service.PaymentResult, error) {
	f.retryIP = ip
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return f.result, nil
}

type fakeTransactions struct {
	byID       map[string]*models.Transaction
	lastStatus models.TransactionStatus
	lastLimit  int
	lastEnv    models.Environment
}

func (f *fakeTransactions) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound.Withf("transaction %s", id)
	}
	return t, nil
}

func (f *fakeTransactions) GetRecentTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	f.lastLimit = limit
	var out []*models.Transaction
	for _, t := range f.byID {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTransactions) GetTransactionsByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]*models.Transaction, error) {
	if _, ok := models.ParseStatus(string(status)); !ok {
		return nil, domain.ErrInvalidRequest.Withf("unknown status %q", status)
	}
	f.lastStatus, f.lastLimit = status, limit
	return nil, nil
}

func (f *fakeTransactions) GetTransactionStats(ctx context.Context, env models.Environment) (*models.TransactionStats, error) {
	f.lastEnv = env
	return &models.TransactionStats{Environment: env, Total: 4, SuccessRate: 0.75}, nil
}

type fakeCallbacks struct {
	calls   int
	headers http.Header
	result  service.CallbackResult
}

func (f *fakeCallbacks) HandleSTKCallback(ctx context.Context, raw []byte, headers http.Header) service.CallbackResult {
	f.calls++
	f.headers = headers
	return f.result
}

type fakeDB struct{ err error }

func (f fakeDB) Ping(ctx context.Context) error { return f.err }

type apiFixture struct {
	payments     *fakePayments
	transactions *fakeTransactions
	callbacks    *fakeCallbacks
	db           *fakeDB
	router       http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		payments: &fakePayments{},
		transactions: &fakeTransactions{byID: map[string]*models.Transaction{
			"tx-1": {ID: "tx-1", Status: models.StatusFailed, Amount: 500},
		}},
		callbacks: &fakeCallbacks{},
		db:        &fakeDB{},
	}
	h := NewHandler(f.payments, f.transactions, f.callbacks, f.db, zaptest.NewLogger(t))
	f.router = h.Routes()
	return f
}

func (f *apiFixture) do(method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestInitiatePaymentHandler(t *testing.T) {
	f := newAPIFixture(t)
	f.payments.result = &service.PaymentResult{
		Transaction:     &models.Transaction{ID: "tx-9", Status: models.StatusSent},
		CustomerMessage: "Success. Request accepted for processing",
	}

	rec := f.do("POST", "/api/v1/payments/stk-push",
		`{"bar_id":"bar-a","customer_id":"cust-a","phone_number":"0712345678","amount":500}`,
		http.Header{"X-Forwarded-For": {"41.90.1.2, 10.0.0.1"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("Location") != "/api/v1/transactions/tx-9" {
		t.Errorf("location = %s", rec.Header().Get("Location"))
	}
	got := f.payments.got
	if got.BarID != "bar-a" || got.Amount != 500 || got.IPAddress != "41.90.1.2" {
		t.Errorf("request = %+v", got)
	}
}

func TestInitiatePaymentErrorMapping(t *testing.T) {
	limited := domain.ErrRateLimited.With("customer over quota", nil)
	limited.RetryAfter = 34500 * time.Millisecond

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", domain.ErrInvalidPhone.Withf("bad"), http.StatusBadRequest, "INVALID_PHONE"},
		{"tab", domain.ErrTabNotFound, http.StatusNotFound, "TAB_NOT_FOUND"},
		{"credentials", domain.ErrCredentialsInactive, http.StatusUnprocessableEntity, "CREDENTIALS_INACTIVE"},
		{"rate limit", limited, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{"network", domain.ErrNetwork.Withf("timeout"), http.StatusServiceUnavailable, "NETWORK_ERROR"},
		{"provider", domain.ErrProvider.Withf("rejected"), http.StatusBadGateway, "PROVIDER_ERROR"},
		{"state", domain.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
		{"unknown", errors.New("pool exhausted"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.payments.err = tt.err
			rec := f.do("POST", "/api/v1/payments/stk-push",
				`{"bar_id":"bar-a","customer_id":"cust-a","phone_number":"0712345678","amount":500}`, nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			body := decode(t, rec)
			if body["code"] != tt.code {
				t.Errorf("code = %v, want %s", body["code"], tt.code)
			}
			if tt.status == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "35" {
				t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
			}
			if tt.status == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "pool exhausted") {
				t.Error("internal error detail leaked")
			}
		})
	}
}

func TestInitiatePaymentMalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	for _, body := range []string{`{`, `{"bar_id":"a","amount":"lots"}`, `{"bar_id":"a","tenant":"b"}`} {
		rec := f.do("POST", "/api/v1/payments/stk-push", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, rec.Code)
		}
	}
}

func TestRetryPaymentHandler(t *testing.T) {
	f := newAPIFixture(t)
	f.payments.result = &service.PaymentResult{Transaction: &models.Transaction{ID: "tx-1", Status: models.StatusSent}}
	rec := f.do("POST", "/api/v1/payments/tx-1/retry", "", http.Header{"X-Real-Ip": {"41.90.1.3"}})
	if rec.Code != http.StatusOK || f.payments.retryIP != "41.90.1.3" {
		t.Errorf("status = %d, ip = %s", rec.Code, f.payments.retryIP)
	}

	f.payments.retryErr = domain.ErrInvalidTransition.Withf("transaction tx-1 is success")
	rec = f.do("POST", "/api/v1/payments/tx-1/retry", "", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestTransactionEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do("GET", "/api/v1/transactions/tx-1", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["can_retry"] != true {
		t.Errorf("get: %d %s", rec.Code, rec.Body)
	}
	rec = f.do("GET", "/api/v1/transactions/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing: %d", rec.Code)
	}

	rec = f.do("GET", "/api/v1/transactions?status=sent&limit=20", "", nil)
	if rec.Code != http.StatusOK || f.transactions.lastStatus != models.StatusSent || f.transactions.lastLimit != 20 {
		t.Errorf("by status: %d %+v", rec.Code, f.transactions)
	}
	if decode(t, rec)["count"] != float64(0) {
		t.Errorf("body = %s", rec.Body)
	}
	rec = f.do("GET", "/api/v1/transactions?status=paid", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: %d", rec.Code)
	}
	rec = f.do("GET", "/api/v1/transactions?limit=-1", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: %d", rec.Code)
	}

	rec = f.do("GET", "/api/v1/transactions/stats?environment=sandbox", "", nil)
	if rec.Code != http.StatusOK || f.transactions.lastEnv != models.Sandbox {
		t.Errorf("stats: %d env %s", rec.Code, f.transactions.lastEnv)
	}
}

func TestCallbackAlwaysAcknowledged(t *testing.T) {
	results := map[string]service.CallbackResult{
		"applied":   {Success: true, TransactionID: "tx-1", Status: models.StatusSuccess},
		"duplicate": {Success: true, TransactionID: "tx-1", Duplicate: true},
		"malformed": {Err: domain.ErrInvalidCallback.Withf("missing Body.stkCallback")},
		"db down":   {Err: errors.New("connection refused")},
	}
	for name, res := range results {
		t.Run(name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.callbacks.result = res
			rec := f.do("POST", "/api/v1/mpesa/callback", `{"Body":{}}`, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			body := decode(t, rec)
			if body["ResultCode"] != float64(0) || body["ResultDesc"] != "Accepted" {
				t.Errorf("ack = %v", body)
			}
			if f.callbacks.calls != 1 {
				t.Errorf("handler calls = %d", f.callbacks.calls)
			}
			if f.callbacks.headers.Get("X-Real-Ip") == "" {
				t.Error("source address not passed on")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	if rec := f.do("GET", "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthy: %d", rec.Code)
	}
	f.db.err = errors.New("down")
	if rec := f.do("GET", "/health", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.do("GET", "/health", "", nil)
	rec := f.do("GET", "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tabpay_http_requests_total") {
		t.Errorf("metrics: %d", rec.Code)
	}
}
