package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/config"
	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabpay_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tabpay_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "endpoint"})
)

type Payments interface {
	InitiatePayment(ctx context.Context, req service.PaymentRequest) (*service.PaymentResult, error)
	RetryPayment(ctx context.Context, id, ipAddress string) (*service.PaymentResult, error)
}

type Transactions interface {
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetRecentTransactions(ctx context.Context, limit int) ([]*models.Transaction, error)
	GetTransactionsByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]*models.Transaction, error)
	GetTransactionStats(ctx context.Context, env models.Environment) (*models.TransactionStats, error)
}

type Callbacks interface {
	HandleSTKCallback(ctx context.Context, raw []byte, headers http.Header) service.CallbackResult
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	payments     Payments
	transactions Transactions
	callbacks    Callbacks
	db           Pinger
	logger       *zap.Logger
}

func NewHandler(p Payments, t Transactions, c Callbacks, db Pinger, logger *zap.Logger) *Handler {
	return &Handler{payments: p, transactions: t, callbacks: c, db: db, logger: logger}
}

// Routes builds the service router.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(tracingMiddleware, metricsMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/payments/stk-push", h.InitiatePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/retry", h.RetryPaymentHandler).Methods("POST")
	apiV1.HandleFunc("/transactions", h.ListTransactionsHandler).Methods("GET")
	apiV1.HandleFunc("/transactions/stats", h.TransactionStatsHandler).Methods("GET")
	apiV1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods("GET")
	r.HandleFunc(config.CallbackPath, h.MpesaCallbackHandler).Methods("POST")
	return r
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := routeTemplate(r)
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rw.status)).Inc()
	})
}

func tracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("tabpay/api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+routeTemplate(r), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.String("http.user_agent", r.UserAgent()),
		)

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rw.status))
		if rw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rw.status))
		}
	})
}

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// statusFor maps an error kind to the HTTP status a caller sees.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindTenantResolution, domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindCredential:
		return http.StatusUnprocessableEntity
	case domain.KindRateLimit:
		return http.StatusTooManyRequests
	case domain.KindState:
		return http.StatusConflict
	case domain.KindNetwork:
		return http.StatusServiceUnavailable
	case domain.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	code := statusFor(kind)
	body := errorBody{Error: err.Error(), Code: domain.CodeOf(err)}

	switch {
	case code == http.StatusTooManyRequests:
		secs := int((domain.RetryAfterOf(err) + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	case code == http.StatusInternalServerError:
		h.logger.Error("request failed", zap.Error(err))
		body.Error = "Internal Server Error"
	case kind == domain.KindCredential:
		// Tenant configuration problems are for the operator, not the customer.
		h.logger.Warn("tenant credential problem", zap.String("code", body.Code), zap.Error(err))
	}
	respondWithJSON(w, code, body)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorBody{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
