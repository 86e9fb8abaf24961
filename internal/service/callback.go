package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/notify"
	"github.com/punchamoorthee/tabpay/internal/store"
)

// Provider result codes with a meaning of their own.
const (
	ResultCodeSuccess         = 0
	ResultCodeCancelledByUser = 1032
)

const (
	lookupAttempts = 3
	lookupDelay    = 250 * time.Millisecond
	// Queued events older than this are given up on.
	inboxMaxAge = 24 * time.Hour
)

var callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tabpay_callbacks_total",
	Help: "STK callbacks received, by outcome",
}, []string{"outcome"})

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CallbackStore is the persistence callback processing needs.
type CallbackStore interface {
	ApplyCallback(ctx context.Context, ev *models.CallbackEvent,
		apply func(*models.Transaction) (store.CallbackEffect, error)) (*models.Transaction, *models.BalanceChange, error)
	SaveCallbackEvent(ctx context.Context, ev *models.CallbackEvent) error
	ListPendingCallbackEvents(ctx context.Context, limit int) ([]*models.CallbackEvent, error)
	MarkCallbackEventProcessed(ctx context.Context, id string) error
}

// CallbackResult reports what happened to one callback. The provider is
// acknowledged whatever it says; Err is for logs and operators.
type CallbackResult struct {
	Success       bool                     `json:"success"`
	TransactionID string                   `json:"transaction_id,omitempty"`
	Status        models.TransactionStatus `json:"status,omitempty"`
	Duplicate     bool                     `json:"duplicate,omitempty"`
	Queued        bool                     `json:"queued,omitempty"`
	Err           error                    `json:"-"`
}

type stkCallbackEnvelope struct {
	Body *struct {
		STKCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        *int   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// providerResult is a payment outcome reported by the provider, either in
// a callback or in answer to a status query.
type providerResult struct {
	Status     models.TransactionStatus
	ResultCode int
	ResultDesc string
	Receipt    string
	Amount     int64
	Phone      string
}

// ParseSTKCallback validates a raw callback body and extracts the result.
func ParseSTKCallback(raw []byte) (*stkCallback, providerResult, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, providerResult{}, domain.ErrInvalidCallback.With("body is not valid JSON", err)
	}
	if env.Body == nil || env.Body.STKCallback == nil {
		return nil, providerResult{}, domain.ErrInvalidCallback.Withf("missing Body.stkCallback")
	}
	cb := env.Body.STKCallback
	if !requestIDPattern.MatchString(cb.MerchantRequestID) {
		return nil, providerResult{}, domain.ErrInvalidCallback.Withf("bad MerchantRequestID %q", cb.MerchantRequestID)
	}
	if !requestIDPattern.MatchString(cb.CheckoutRequestID) {
		return nil, providerResult{}, domain.ErrInvalidCallback.Withf("bad CheckoutRequestID %q", cb.CheckoutRequestID)
	}
	if cb.ResultCode == nil {
		return nil, providerResult{}, domain.ErrInvalidCallback.Withf("missing ResultCode")
	}

	res := providerResult{
		Status:     callbackStatus(*cb.ResultCode),
		ResultCode: *cb.ResultCode,
		ResultDesc: cb.ResultDesc,
	}
	if cb.CallbackMetadata != nil {
		for _, it := range cb.CallbackMetadata.Item {
			switch it.Name {
			case "Amount":
				if f, ok := it.Value.(float64); ok {
					res.Amount = int64(math.Round(f))
				}
			case "MpesaReceiptNumber":
				res.Receipt = metadataString(it.Value)
			case "PhoneNumber":
				res.Phone = metadataString(it.Value)
			}
		}
	}
	return cb, res, nil
}

func metadataString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return ""
}

// callbackStatus maps a callback ResultCode: 0 is paid, anything else
// failed.
func callbackStatus(code int) models.TransactionStatus {
	if code == ResultCodeSuccess {
		return models.StatusSuccess
	}
	return models.StatusFailed
}

// CallbackHandler applies provider results to transactions exactly once.
type CallbackHandler struct {
	store    CallbackStore
	notifier notify.Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func NewCallbackHandler(s CallbackStore, n notify.Notifier, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		store:    s,
		notifier: n,
		logger:   logger,
		tracer:   otel.Tracer("tabpay/service"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// WithClock replaces the time source, for tests.
func (h *CallbackHandler) WithClock(now func() time.Time) *CallbackHandler {
	h.now = now
	return h
}

// HandleSTKCallback validates and applies one callback delivery. A
// malformed body changes nothing. A re-delivery of a result that was
// already applied is reported as a successful duplicate.
func (h *CallbackHandler) HandleSTKCallback(ctx context.Context, raw []byte, headers http.Header) CallbackResult {
	ctx, span := h.tracer.Start(ctx, "mpesa.callback", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	cb, res, err := ParseSTKCallback(raw)
	if err != nil {
		callbacksTotal.WithLabelValues("malformed").Inc()
		span.SetStatus(codes.Error, err.Error())
		h.logger.Warn("rejected malformed callback", zap.Error(err), zap.String("source_ip", sourceIP(headers)))
		return CallbackResult{Err: err}
	}
	span.SetAttributes(
		attribute.String("mpesa.checkout_request_id", cb.CheckoutRequestID),
		attribute.Int("mpesa.result_code", res.ResultCode))

	ev := &models.CallbackEvent{
		ID:                uuid.NewString(),
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        res.ResultCode,
		Payload:           json.RawMessage(raw),
		SourceIP:          sourceIP(headers),
		ReceivedAt:        h.now().UTC(),
	}

	var out CallbackResult
	for i := 0; i < lookupAttempts; i++ {
		if i > 0 {
			if err := h.sleep(ctx, lookupDelay*time.Duration(i)); err != nil {
				break
			}
		}
		out = h.settle(ctx, ev, res)
		if !errors.Is(out.Err, store.ErrNotFound) {
			break
		}
	}

	if errors.Is(out.Err, store.ErrNotFound) {
		// Queued even if the delivery was abandoned; the provider will not
		// send it again.
		ev.Processed = false
		if err := h.store.SaveCallbackEvent(context.WithoutCancel(ctx), ev); err != nil {
			out.Err = fmt.Errorf("queue callback %s: %w", ev.CheckoutRequestID, err)
		} else {
			h.logger.Info("transaction not visible yet, callback queued",
				zap.String("checkout_request_id", ev.CheckoutRequestID))
			out = CallbackResult{Success: true, Queued: true}
		}
	}

	switch {
	case out.Err != nil:
		callbacksTotal.WithLabelValues("error").Inc()
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		h.logger.Error("callback processing failed",
			zap.String("checkout_request_id", ev.CheckoutRequestID),
			zap.Int("result_code", res.ResultCode),
			zap.Error(out.Err))
	case out.Queued:
		callbacksTotal.WithLabelValues("queued").Inc()
	case out.Duplicate:
		callbacksTotal.WithLabelValues("duplicate").Inc()
	default:
		callbacksTotal.WithLabelValues("applied").Inc()
	}
	return out
}

// settle applies res to the transaction carrying ev's checkout request ID
// and publishes the balance change it caused.
func (h *CallbackHandler) settle(ctx context.Context, ev *models.CallbackEvent, res providerResult) CallbackResult {
	t, change, err := h.store.ApplyCallback(ctx, ev, func(t *models.Transaction) (store.CallbackEffect, error) {
		if t.Status.Settled() {
			return store.CallbackEffect{Duplicate: true}, nil
		}
		if err := t.TransitionTo(res.Status, h.now().UTC()); err != nil {
			return store.CallbackEffect{}, err
		}
		code := res.ResultCode
		patch := models.StatusPatch{
			MerchantRequestID:  ev.MerchantRequestID,
			MpesaReceiptNumber: res.Receipt,
			ResultCode:         &code,
		}
		if res.Status != models.StatusSuccess {
			patch.FailureReason = res.ResultDesc
			patch.Apply(t)
			return store.CallbackEffect{}, nil
		}
		patch.Apply(t)
		t.FailureReason = ""
		debit := res.Amount
		if debit <= 0 {
			debit = t.Amount
		}
		return store.CallbackEffect{Debit: debit}, nil
	})
	if err != nil {
		return CallbackResult{Err: err}
	}

	out := CallbackResult{Success: true, TransactionID: t.ID, Status: t.Status, Duplicate: ev.Duplicate}
	if out.Duplicate {
		h.logger.Info("duplicate callback ignored",
			zap.String("transaction_id", t.ID),
			zap.String("checkout_request_id", ev.CheckoutRequestID),
			zap.String("status", string(t.Status)))
		return out
	}

	h.logger.Info("callback applied",
		zap.String("transaction_id", t.ID),
		zap.String("checkout_request_id", ev.CheckoutRequestID),
		zap.Int("result_code", res.ResultCode),
		zap.String("status", string(t.Status)),
		zap.String("receipt", t.MpesaReceiptNumber))

	if change != nil && h.notifier != nil {
		if err := h.notifier.BalanceChanged(ctx, *change); err != nil {
			h.logger.Error("balance change notification failed",
				zap.String("transaction_id", t.ID),
				zap.String("tab_id", change.TabID),
				zap.Error(err))
		}
	}
	return out
}

// ReplayPending re-applies queued callbacks whose transaction has since
// become visible and returns how many were applied.
func (h *CallbackHandler) ReplayPending(ctx context.Context, limit int) (int, error) {
	events, err := h.store.ListPendingCallbackEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list queued callbacks: %w", err)
	}
	applied := 0
	for _, ev := range events {
		_, res, err := ParseSTKCallback(ev.Payload)
		if err != nil {
			h.logger.Warn("dropping unparseable queued callback", zap.String("event_id", ev.ID), zap.Error(err))
			h.discard(ctx, ev)
			continue
		}
		out := h.settle(ctx, ev, res)
		switch {
		case out.Err == nil:
			applied++
		case errors.Is(out.Err, store.ErrNotFound):
			if h.now().Sub(ev.ReceivedAt) > inboxMaxAge {
				h.logger.Warn("dropping queued callback with no transaction",
					zap.String("event_id", ev.ID),
					zap.String("checkout_request_id", ev.CheckoutRequestID))
				h.discard(ctx, ev)
			}
		default:
			h.logger.Error("replaying queued callback failed", zap.String("event_id", ev.ID), zap.Error(out.Err))
		}
	}
	return applied, nil
}

func (h *CallbackHandler) discard(ctx context.Context, ev *models.CallbackEvent) {
	if err := h.store.MarkCallbackEventProcessed(ctx, ev.ID); err != nil {
		h.logger.Error("failed to discard queued callback", zap.String("event_id", ev.ID), zap.Error(err))
	}
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

// sourceIP picks the client address from proxy headers.
func sourceIP(headers http.Header) string {
	if headers == nil {
		return ""
	}
	if fwd := headers.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := headers.Get("X-Real-Ip"); real != "" {
		return strings.TrimSpace(real)
	}
	return ""
}

// ClientIP returns the caller's address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if ip := sourceIP(r.Header); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
