package models

import (
	"time"

	"github.com/punchamoorthee/tabpay/internal/domain"
)

// TransactionStatus is a state in the payment lifecycle:
//
//	pending -> sent -> {success, failed, cancelled, timeout}
//
// failed, cancelled and timeout may go back to pending on explicit retry.
// success is final.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusSent      TransactionStatus = "sent"
	StatusSuccess   TransactionStatus = "success"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusTimeout   TransactionStatus = "timeout"
)

var transitions = map[TransactionStatus][]TransactionStatus{
	// pending -> failed covers a push the provider rejected outright.
	StatusPending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout},
	StatusFailed:    {StatusPending},
	StatusCancelled: {StatusPending},
	// A provider result that arrives after the local timeout still wins.
	StatusTimeout: {StatusPending, StatusSuccess, StatusFailed, StatusCancelled},
	StatusSuccess: nil,
}

// ParseStatus validates s as a known status.
func ParseStatus(s string) (TransactionStatus, bool) {
	st := TransactionStatus(s)
	_, ok := transitions[st]
	return st, ok
}

// Retryable reports whether an explicit retry is allowed from s.
func (s TransactionStatus) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusTimeout
}

// Settled reports whether a provider result has been applied.
func (s TransactionStatus) Settled() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo moves t to status or fails with ErrInvalidTransition.
func (t *Transaction) TransitionTo(status TransactionStatus, now time.Time) error {
	if !CanTransition(t.Status, status) {
		return domain.ErrInvalidTransition.Withf("transaction %s: %s -> %s", t.ID, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = now
	switch status {
	case StatusSent:
		t.SentAt = &now
	case StatusPending:
		t.Attempts++
		t.SentAt = nil
		t.CompletedAt = nil
		t.CheckoutRequestID = ""
		t.MerchantRequestID = ""
		t.ResultCode = nil
		t.FailureReason = ""
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		t.CompletedAt = &now
	}
	return nil
}

// StatusPatch carries the fields a status update may set alongside the
// status itself. Zero values leave the stored field untouched.
type StatusPatch struct {
	CheckoutRequestID  string
	MerchantRequestID  string
	MpesaReceiptNumber string
	ResultCode         *int
	FailureReason      string
}

// Apply copies the non-empty fields of p onto t.
func (p StatusPatch) Apply(t *Transaction) {
	if p.CheckoutRequestID != "" {
		t.CheckoutRequestID = p.CheckoutRequestID
	}
	if p.MerchantRequestID != "" {
		t.MerchantRequestID = p.MerchantRequestID
	}
	if p.MpesaReceiptNumber != "" {
		t.MpesaReceiptNumber = p.MpesaReceiptNumber
	}
	if p.ResultCode != nil {
		code := *p.ResultCode
		t.ResultCode = &code
	}
	if p.FailureReason != "" {
		t.FailureReason = p.FailureReason
	}
}
