package models

import "time"

type PaymentState string

const (
	// StateNone is the pre-creation state; only the creation ledger
	// entry may use it as a from-state.
	StateNone PaymentState = ""

	StatePending    PaymentState = "pending"
	StateAuthorized PaymentState = "authorized"
	StateCaptured   PaymentState = "captured"
	StateSettled    PaymentState = "settled"
	StateFailed     PaymentState = "failed"
	StateRefunded   PaymentState = "refunded"
)

// Actor values recorded on ledger entries, identifying which path
// produced a transition.
const (
	ActorAPI            = "api"
	ActorWebhook        = "webhook"
	ActorReconciliation = "reconciliation"
)

// PaymentRecord is the materialized projection of a payment's ledger.
// Version strictly increases on every successful mutation and
// GatewayReference is immutable once set.
type PaymentRecord struct {
	PaymentID        string       `json:"payment_id"`
	State            PaymentState `json:"state"`
	Version          int64        `json:"version"`
	IdempotencyKey   string       `json:"idempotency_key"`
	GatewayReference string       `json:"gateway_reference,omitempty"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	ProfileTier      string       `json:"profile_tier"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// LedgerEntry is one immutable transition record. SequenceNumber is
// assigned by the ledger and increases monotonically per payment.
type LedgerEntry struct {
	PaymentID      string       `json:"payment_id"`
	SequenceNumber int64        `json:"sequence_number"`
	FromState      PaymentState `json:"from_state"`
	ToState        PaymentState `json:"to_state"`
	IdempotencyKey string       `json:"idempotency_key"`
	EvidenceHash   string       `json:"evidence_hash,omitempty"`
	Actor          string       `json:"actor"`
	Timestamp      time.Time    `json:"timestamp"`
}

// PaymentIntent is a caller-submitted request to move a payment
// forward. Amount is in minor units; floats never carry money.
// RequestID and SubmittedAt are volatile and excluded from
// idempotency key derivation.
type PaymentIntent struct {
	PaymentID   string    `json:"payment_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Operation   string    `json:"operation"`
	CustomerID  string    `json:"customer_id,omitempty"`
	ProfileTier string    `json:"profile_tier,omitempty"`
	ClientKey   string    `json:"client_key,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// Operations accepted on PaymentIntent.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpSettle    = "settle"
	OpRefund    = "refund"
)

// CallerProfile is the governance configuration attached to a payment
// at creation, keyed by tier. It is a read-only snapshot; the core
// never mutates policy.
type CallerProfile struct {
	Tier               string   `json:"tier"`
	AllowedOperations  []string `json:"allowed_operations"`
	RateLimitPerMinute int64    `json:"rate_limit_per_minute"`
	DailyBudgetCeiling int64    `json:"daily_budget_ceiling"`
}

// Allows reports whether the profile's tier permits the operation.
func (p CallerProfile) Allows(operation string) bool {
	for _, op := range p.AllowedOperations {
		if op == operation {
			return true
		}
	}
	return false
}

// GatewayCallback is the parsed form of an external gateway
// notification. The raw payload is hashed as evidence; the parsed
// fields only route it.
type GatewayCallback struct {
	PaymentID        string `json:"payment_id"`
	Event            string `json:"event"`
	GatewayReference string `json:"gateway_reference,omitempty"`
}

// StateChangedEvent is published to Kafka after every successful
// transition.
type StateChangedEvent struct {
	EventID       string       `json:"event_id"`
	PaymentID     string       `json:"payment_id"`
	State         PaymentState `json:"state"`
	PreviousState PaymentState `json:"previous_state"`
	Version       int64        `json:"version"`
	Actor         string       `json:"actor"`
	Timestamp     time.Time    `json:"timestamp"`
}

// GovernanceBlockedEvent records a rejected operation. Rejections are
// never ledger entries; they are published and counted instead.
type GovernanceBlockedEvent struct {
	EventID   string    `json:"event_id"`
	PaymentID string    `json:"payment_id"`
	Operation string    `json:"operation"`
	Gate      string    `json:"gate"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
