package models

import (
	"encoding/json"
	"time"
)

// Environment selects the Daraja deployment a credential set belongs to.
type Environment string

const (
	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

func (e Environment) Valid() bool {
	return e == Sandbox || e == Production
}

// Bar is a tenant.
type Bar struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Tab is a customer's running bill at a bar. Balance is the outstanding
// amount in whole shillings.
type Tab struct {
	ID                 string    `json:"id"`
	BarID              string    `json:"bar_id"`
	TabNumber          int       `json:"tab_number"`
	CustomerIdentifier string    `json:"customer_identifier"`
	Status             string    `json:"status"`
	Balance            int64     `json:"balance"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TenantInfo is the authoritative tenant behind a customer's tab.
type TenantInfo struct {
	TenantID           string `json:"tenant_id"`
	TenantName         string `json:"tenant_name"`
	TabID              string `json:"tab_id"`
	TabNumber          int    `json:"tab_number"`
	CustomerIdentifier string `json:"customer_identifier"`
}

// CredentialRecord is the stored, encrypted credential row.
type CredentialRecord struct {
	TenantID             string      `json:"tenant_id"`
	Environment          Environment `json:"environment"`
	BusinessShortCode    string      `json:"business_shortcode"`
	ConsumerKeyEncrypted string      `json:"-"`
	ConsumerSecretEnc    string      `json:"-"`
	PasskeyEncrypted     string      `json:"-"`
	CallbackURL          string      `json:"callback_url"`
	IsActive             bool        `json:"is_active"`
	EncryptedAt          time.Time   `json:"encrypted_at"`
	LastValidated        *time.Time  `json:"last_validated,omitempty"`
}

// Credentials is a decrypted credential set. It lives only in memory.
type Credentials struct {
	TenantID          string
	Environment       Environment
	BusinessShortCode string
	ConsumerKey       string
	ConsumerSecret    string
	Passkey           string
	CallbackURL       string
	IsActive          bool
	LastValidated     *time.Time
}

// TenantConfig is the per-request runtime configuration for one tenant.
type TenantConfig struct {
	TenantID           string
	TenantName         string
	Environment        Environment
	Credentials        Credentials
	BaseURL            string
	CallbackURL        string
	Timeout            time.Duration
	RetryAttempts      int
	RetryBackoff       time.Duration
	RateLimitPerMinute int
}

// ServiceConfig is a TenantConfig bound to the tab that is being paid.
type ServiceConfig struct {
	TenantConfig
	Tenant TenantInfo
}

// Transaction is one STK push attempt and its outcome.
type Transaction struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenant_id"`
	TabID              string            `json:"tab_id"`
	CustomerID         string            `json:"customer_id"`
	PhoneNumber        string            `json:"phone_number"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	Environment        Environment       `json:"environment"`
	Status             TransactionStatus `json:"status"`
	AccountReference   string            `json:"account_reference"`
	CheckoutRequestID  string            `json:"checkout_request_id,omitempty"`
	MerchantRequestID  string            `json:"merchant_request_id,omitempty"`
	MpesaReceiptNumber string            `json:"mpesa_receipt_number,omitempty"`
	ResultCode         *int              `json:"result_code,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	Attempts           int               `json:"attempts"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

// CanRetry reports whether an explicit retry may move t back to pending.
func (t *Transaction) CanRetry() bool {
	return t.Status.Retryable()
}

// MarshalJSON adds the derived can_retry field.
func (t Transaction) MarshalJSON() ([]byte, error) {
	type plain Transaction
	return json.Marshal(struct {
		plain
		CanRetry bool `json:"can_retry"`
	}{plain(t), t.Status.Retryable()})
}

// TransactionStats aggregates transactions, optionally per environment.
type TransactionStats struct {
	Environment   Environment                 `json:"environment,omitempty"`
	Total         int64                       `json:"total"`
	ByStatus      map[TransactionStatus]int64 `json:"by_status"`
	SuccessAmount int64                       `json:"success_amount"`
	SuccessRate   float64                     `json:"success_rate"`
}

// CallbackEvent is a raw inbound provider result. Events are append-only.
type CallbackEvent struct {
	ID                string          `json:"id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	MerchantRequestID string          `json:"merchant_request_id"`
	ResultCode        int             `json:"result_code"`
	TransactionID     string          `json:"transaction_id,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	SourceIP          string          `json:"source_ip,omitempty"`
	Duplicate         bool            `json:"duplicate"`
	Processed         bool            `json:"processed"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// BalanceChange is emitted after a successful payment reduces a tab.
type BalanceChange struct {
	BarID           string    `json:"bar_id"`
	TabID           string    `json:"tab_id"`
	TransactionID   string    `json:"transaction_id"`
	ReceiptNumber   string    `json:"receipt_number"`
	AmountPaid      int64     `json:"amount_paid"`
	PreviousBalance int64     `json:"previous_balance"`
	NewBalance      int64     `json:"new_balance"`
	ChangedAt       time.Time `json:"changed_at"`
}

// RateLimitRecord is the audit row written for every payment attempt.
type RateLimitRecord struct {
	CustomerID  string    `json:"customer_id"`
	PhoneNumber string    `json:"phone_number"`
	IPAddress   string    `json:"ip_address"`
	Amount      int64     `json:"amount"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Rate-limit audit outcomes.
const (
	AttemptAllowed = "allowed"
	AttemptDenied  = "denied"
	AttemptFailed  = "failed"
	AttemptSuccess = "success"
)
