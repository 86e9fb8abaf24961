package domain

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the class of failure a caller branches on.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindCredential       Kind = "credential"
	KindTenantResolution Kind = "tenant_resolution"
	KindNetwork          Kind = "network"
	KindProvider         Kind = "provider"
	KindRateLimit        Kind = "rate_limit"
	KindState            Kind = "state"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal"
)

// Error is the typed error returned across orchestration boundaries.
// Two Errors match under errors.Is when their codes are equal, so a
// sentinel still matches after context has been attached to it.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// With returns a copy of the sentinel carrying a message and cause.
func (e *Error) With(msg string, cause error) *Error {
	cp := *e
	if msg != "" {
		cp.Message = msg
	}
	cp.Err = cause
	return &cp
}

// Withf is With with a formatted message and no cause.
func (e *Error) Withf(format string, args ...any) *Error {
	return e.With(fmt.Sprintf(format, args...), nil)
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Sentinels, one per code.
var (
	ErrInvalidShortCode   = newErr(KindValidation, "INVALID_SHORTCODE", "business shortcode must be 5-7 digits")
	ErrTillNumber         = newErr(KindValidation, "TILL_NUMBER_NOT_SUPPORTED", "till numbers cannot initiate STK push")
	ErrInvalidCallbackURL = newErr(KindValidation, "INVALID_CALLBACK_URL", "callback URL is not acceptable")
	ErrEnvironmentURL     = newErr(KindValidation, "ENVIRONMENT_URL_MISMATCH", "endpoint URL does not match environment")
	ErrInvalidEnvironment = newErr(KindValidation, "INVALID_ENVIRONMENT", "environment must be sandbox or production")
	ErrInvalidPhone       = newErr(KindValidation, "INVALID_PHONE", "phone number is not a valid Kenyan mobile number")
	ErrInvalidAmount      = newErr(KindValidation, "INVALID_AMOUNT", "amount is out of range")
	ErrInvalidRequest     = newErr(KindValidation, "INVALID_REQUEST", "request is malformed")
	ErrInvalidCallback    = newErr(KindValidation, "INVALID_CALLBACK", "callback payload is malformed")

	ErrCredentialsNotFound = newErr(KindCredential, "CREDENTIALS_NOT_FOUND", "no credentials configured for tenant")
	ErrCredentialsInactive = newErr(KindCredential, "CREDENTIALS_INACTIVE", "tenant credentials are inactive")
	ErrCredentialsInvalid  = newErr(KindCredential, "CREDENTIALS_INVALID", "tenant credentials are invalid")
	ErrDecryption          = newErr(KindCredential, "DECRYPTION_ERROR", "credential decryption failed")

	ErrTabNotFound = newErr(KindTenantResolution, "TAB_NOT_FOUND", "no open tab for customer")
	ErrOrphanedTab = newErr(KindTenantResolution, "ORPHANED_TAB", "tab belongs to a missing or inactive tenant")

	ErrNetwork  = newErr(KindNetwork, "NETWORK_ERROR", "payment provider unreachable")
	ErrProvider = newErr(KindProvider, "PROVIDER_ERROR", "payment provider rejected the request")

	ErrRateLimited = newErr(KindRateLimit, "RATE_LIMIT_EXCEEDED", "too many payment attempts")

	ErrInvalidTransition = newErr(KindState, "INVALID_TRANSITION", "illegal transaction status transition")

	ErrTransactionNotFound = newErr(KindNotFound, "TRANSACTION_NOT_FOUND", "transaction not found")

	ErrInternal = newErr(KindInternal, "INTERNAL_ERROR", "internal error")
)

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrInternal.Code
}

// RetryAfterOf returns the wait hint carried by a rate-limit error.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// Retryable reports whether the provider call that produced err may be
// attempted again without new input.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}
