// Package mpesa talks to the Safaricom Daraja API: OAuth token exchange,
// STK push submission and STK push status queries.
package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/cache"
	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
)

const (
	oauthPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	transactionTypePayBill = "CustomerPayBillOnline"

	// Tokens are dropped this long before the provider says they expire.
	tokenExpirySkew = 60 * time.Second
	maxBackoff      = 10 * time.Second

	// Returned by the query endpoint while the customer has not answered.
	errCodeStillProcessing = "500.001.1001"
)

var pushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tabpay_stk_push_total",
	Help: "STK push submissions by outcome",
}, []string{"outcome"})

// PushRequest is one STK push. Amount is in whole shillings; Phone may be
// in any notation NormalizePhone accepts.
type PushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	TransactionDesc  string
	CallbackURL      string
}

type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// QueryResponse is the provider's view of a push. Pending is set while
// the customer has not yet answered the prompt.
type QueryResponse struct {
	ResponseCode        string  `json:"ResponseCode"`
	ResponseDescription string  `json:"ResponseDescription"`
	MerchantRequestID   string  `json:"MerchantRequestID"`
	CheckoutRequestID   string  `json:"CheckoutRequestID"`
	ResultCode          flexInt `json:"ResultCode"`
	ResultDesc          string  `json:"ResultDesc"`
	Pending             bool    `json:"-"`
}

// Code is the provider result code; 0 means paid.
func (q *QueryResponse) Code() int { return int(q.ResultCode) }

type pushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type queryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   flexInt `json:"expires_in"`
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// apiError is the error body Daraja returns on 4xx/5xx.
type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// flexInt accepts both 3599 and "3599"; Daraja uses either.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*f = flexInt(n)
	return nil
}

// TokenHook is told about every successful token exchange.
type TokenHook func(ctx context.Context, tenantID string, env models.Environment)

type Client struct {
	httpClient *http.Client
	tokens     cache.Cache
	logger     *zap.Logger
	tracer     trace.Tracer
	onToken    TokenHook
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

func WithTokenHook(h TokenHook) Option { return func(c *Client) { c.onToken = h } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// NewClient builds a client that caches tokens in tokens. Every call takes
// the tenant's config explicitly; the client holds no tenant state.
func NewClient(tokens cache.Cache, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		tokens:     tokens,
		logger:     logger,
		tracer:     otel.Tracer("tabpay/mpesa"),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func tokenKey(cfg models.TenantConfig) string {
	return "mpesa:token:" + cfg.TenantID + ":" + string(cfg.Environment)
}

func (c *Client) startSpan(ctx context.Context, name string, cfg models.TenantConfig) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tenant.id", cfg.TenantID),
			attribute.String("mpesa.environment", string(cfg.Environment)),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Token returns a bearer token for the tenant, from cache when possible.
func (c *Client) Token(ctx context.Context, cfg models.TenantConfig) (string, error) {
	var tok cachedToken
	err := cache.GetJSON(ctx, c.tokens, tokenKey(cfg), &tok)
	if err == nil && tok.AccessToken != "" && c.now().Before(tok.ExpiresAt) {
		return tok.AccessToken, nil
	}
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		c.logger.Warn("token cache read failed", zap.String("tenant_id", cfg.TenantID), zap.Error(err))
	}
	return c.fetchToken(ctx, cfg)
}

func (c *Client) invalidateToken(ctx context.Context, cfg models.TenantConfig) {
	if err := c.tokens.Delete(ctx, tokenKey(cfg)); err != nil {
		c.logger.Warn("token cache delete failed", zap.String("tenant_id", cfg.TenantID), zap.Error(err))
	}
}

func (c *Client) fetchToken(ctx context.Context, cfg models.TenantConfig) (_ string, err error) {
	ctx, span := c.startSpan(ctx, "mpesa.oauth", cfg)
	defer func() { endSpan(span, err) }()

	status, body, err := c.withRetry(ctx, cfg, "oauth", transientStatus, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+oauthPath, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(cfg.Credentials.ConsumerKey, cfg.Credentials.ConsumerSecret)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
		return "", domain.ErrCredentialsInvalid.Withf("token exchange rejected for tenant %s (HTTP %d)", cfg.TenantID, status)
	}
	if status != http.StatusOK {
		return "", providerError("oauth", status, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", domain.ErrProvider.With("malformed token response", err)
	}

	ttl := time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySkew
	if ttl <= 0 {
		ttl = time.Second
	}
	tok := cachedToken{AccessToken: tr.AccessToken, ExpiresAt: c.now().Add(ttl)}
	if err := cache.SetJSON(ctx, c.tokens, tokenKey(cfg), tok, ttl); err != nil {
		c.logger.Warn("token cache write failed", zap.String("tenant_id", cfg.TenantID), zap.Error(err))
	}
	if c.onToken != nil {
		c.onToken(ctx, cfg.TenantID, cfg.Environment)
	}
	return tr.AccessToken, nil
}

// SendSTKPush submits a payment prompt to the customer's phone.
func (c *Client) SendSTKPush(ctx context.Context, cfg models.TenantConfig, req PushRequest) (_ *PushResponse, err error) {
	if req.Amount < 1 {
		return nil, domain.ErrInvalidAmount.Withf("amount must be at least 1, got %d", req.Amount)
	}
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if req.AccountReference == "" || len([]rune(req.AccountReference)) > MaxAccountReferenceLen {
		return nil, domain.ErrInvalidRequest.Withf("account reference %q must be 1-%d characters",
			req.AccountReference, MaxAccountReferenceLen)
	}
	desc := truncate(req.TransactionDesc, MaxTransactionDescLen)
	callback := req.CallbackURL
	if callback == "" {
		callback = cfg.CallbackURL
	}

	ctx, span := c.startSpan(ctx, "mpesa.stk_push", cfg)
	defer func() {
		endSpan(span, err)
		switch {
		case err == nil:
			pushTotal.WithLabelValues("accepted").Inc()
		case domain.KindOf(err) == domain.KindNetwork:
			pushTotal.WithLabelValues("unreachable").Inc()
		default:
			pushTotal.WithLabelValues("rejected").Inc()
		}
	}()

	shortCode := cfg.Credentials.BusinessShortCode
	ts := Timestamp(c.now())
	payload, err := json.Marshal(pushBody{
		BusinessShortCode: shortCode,
		Password:          Password(shortCode, cfg.Credentials.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionTypePayBill,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            shortCode,
		PhoneNumber:       phone,
		CallBackURL:       callback,
		AccountReference:  req.AccountReference,
		TransactionDesc:   desc,
	})
	if err != nil {
		return nil, fmt.Errorf("encode push: %w", err)
	}

	status, body, err := c.authorized(ctx, cfg, "stk_push", transientStatus, pushPath, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, providerError("stk_push", status, body)
	}

	var resp PushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.ErrProvider.With("malformed push response", err)
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, domain.ErrProvider.Withf("push not accepted: %s %s", resp.ResponseCode, resp.ResponseDescription)
	}

	c.logger.Info("stk push accepted",
		zap.String("tenant_id", cfg.TenantID),
		zap.String("phone", MaskPhone(phone)),
		zap.Int64("amount", req.Amount),
		zap.String("checkout_request_id", resp.CheckoutRequestID))
	span.SetAttributes(attribute.String("mpesa.checkout_request_id", resp.CheckoutRequestID))
	return &resp, nil
}

// QuerySTKPushStatus asks the provider for the result of an earlier push.
func (c *Client) QuerySTKPushStatus(ctx context.Context, cfg models.TenantConfig, checkoutRequestID string) (_ *QueryResponse, err error) {
	if checkoutRequestID == "" {
		return nil, domain.ErrInvalidRequest.Withf("checkout request ID is required")
	}
	ctx, span := c.startSpan(ctx, "mpesa.stk_query", cfg)
	span.SetAttributes(attribute.String("mpesa.checkout_request_id", checkoutRequestID))
	defer func() { endSpan(span, err) }()

	shortCode := cfg.Credentials.BusinessShortCode
	ts := Timestamp(c.now())
	payload, err := json.Marshal(queryBody{
		BusinessShortCode: shortCode,
		Password:          Password(shortCode, cfg.Credentials.Passkey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	status, body, err := c.authorized(ctx, cfg, "stk_query", queryRetryable, queryPath, payload)
	if err != nil {
		return nil, err
	}
	if stillProcessing(status, body) {
		return &QueryResponse{CheckoutRequestID: checkoutRequestID, Pending: true}, nil
	}
	if status != http.StatusOK {
		return nil, providerError("stk_query", status, body)
	}

	var resp QueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.ErrProvider.With("malformed query response", err)
	}
	return &resp, nil
}

// authorized POSTs payload with a bearer token. A 401 drops the cached
// token and tries once more with a fresh one.
func (c *Client) authorized(ctx context.Context, cfg models.TenantConfig, op string, retryable func(int, []byte) bool, path string, payload []byte) (int, []byte, error) {
	send := func(token string) (int, []byte, error) {
		return c.withRetry(ctx, cfg, op, retryable, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+path, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		})
	}

	token, err := c.Token(ctx, cfg)
	if err != nil {
		return 0, nil, err
	}
	status, body, err := send(token)
	if err != nil || status != http.StatusUnauthorized {
		return status, body, err
	}

	c.logger.Info("bearer token rejected, refreshing", zap.String("tenant_id", cfg.TenantID), zap.String("op", op))
	c.invalidateToken(ctx, cfg)
	token, err = c.fetchToken(ctx, cfg)
	if err != nil {
		return 0, nil, err
	}
	return send(token)
}

func transientStatus(status int, _ []byte) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func queryRetryable(status int, body []byte) bool {
	return transientStatus(status, body) && !stillProcessing(status, body)
}

func stillProcessing(status int, body []byte) bool {
	if status < 400 {
		return false
	}
	var ae apiError
	return json.Unmarshal(body, &ae) == nil && ae.ErrorCode == errCodeStillProcessing
}

// withRetry runs one request per attempt, each under cfg.Timeout, and
// retries transport failures and statuses retryable accepts with
// exponential backoff. Any other response is returned to the caller.
func (c *Client) withRetry(ctx context.Context, cfg models.TenantConfig, op string,
	retryable func(int, []byte) bool, build func(context.Context) (*http.Request, error),
) (int, []byte, error) {
	attempts := cfg.RetryAttempts + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := c.sleep(ctx, backoff(cfg.RetryBackoff, i)); err != nil {
				return 0, nil, domain.ErrNetwork.With(op+" cancelled", err)
			}
		}

		status, body, err := c.attempt(ctx, cfg.Timeout, build)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, domain.ErrNetwork.With(op+" cancelled", ctx.Err())
			}
			lastErr = err
		} else if retryable(status, body) {
			lastErr = fmt.Errorf("HTTP %d", status)
		} else {
			return status, body, nil
		}

		c.logger.Warn("daraja request failed",
			zap.String("op", op),
			zap.String("tenant_id", cfg.TenantID),
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr))
	}
	return 0, nil, domain.ErrNetwork.With(fmt.Sprintf("%s failed after %d attempts", op, attempts), lastErr)
}

func (c *Client) attempt(ctx context.Context, timeout time.Duration, build func(context.Context) (*http.Request, error)) (int, []byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := build(ctx)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func backoff(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (retry - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func providerError(op string, status int, body []byte) error {
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.ErrorMessage != "" {
		return domain.ErrProvider.Withf("%s: HTTP %d %s: %s", op, status, ae.ErrorCode, ae.ErrorMessage)
	}
	return domain.ErrProvider.Withf("%s: HTTP %d", op, status)
}
