package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/service"
)

const maxBodyBytes = 64 << 10

// callbackAck is the only answer the provider ever gets.
var callbackAck = map[string]interface{}{"ResultCode": 0, "ResultDesc": "Accepted"}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req service.PaymentRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	req.IPAddress = service.ClientIP(r)

	res, err := h.payments.InitiatePayment(r.Context(), req)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/transactions/"+res.Transaction.ID)
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) RetryPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := h.payments.RetryPayment(r.Context(), id, service.ClientIP(r))
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	t, err := h.transactions.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var (
		txs []*models.Transaction
		err error
	)
	if status := q.Get("status"); status != "" {
		txs, err = h.transactions.GetTransactionsByStatus(r.Context(), models.TransactionStatus(status), limit)
	} else {
		txs, err = h.transactions.GetRecentTransactions(r.Context(), limit)
	}
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs, "count": len(txs)})
}

func (h *Handler) TransactionStatsHandler(w http.ResponseWriter, r *http.Request) {
	env := models.Environment(r.URL.Query().Get("environment"))
	stats, err := h.transactions.GetTransactionStats(r.Context(), env)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// MpesaCallbackHandler always acknowledges. Anything other than success
// makes the provider redeliver, and every outcome is already recorded or
// logged by the time we answer.
func (h *Handler) MpesaCallbackHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Error("failed to read callback body", zap.Error(err))
		respondWithJSON(w, http.StatusOK, callbackAck)
		return
	}

	headers := r.Header.Clone()
	if headers.Get("X-Forwarded-For") == "" && headers.Get("X-Real-Ip") == "" {
		headers.Set("X-Real-Ip", service.ClientIP(r))
	}

	res := h.callbacks.HandleSTKCallback(r.Context(), body, headers)
	if res.Err != nil {
		h.logger.Warn("callback acknowledged without being applied",
			zap.String("transaction_id", res.TransactionID),
			zap.Error(res.Err))
	}
	respondWithJSON(w, http.StatusOK, callbackAck)
}
