// Package payerrs defines the error taxonomy surfaced by the payment
// core. Every kind is a distinct type so callers can dispatch with
// errors.As; no operation masks one kind as another.
package payerrs

import "fmt"

// Error codes, stable across releases; these appear in API responses
// and logs.
const (
	CodeInvalidTransition    = "invalid_transition"
	CodeDuplicatePayment     = "duplicate_payment"
	CodeEvidenceRequired     = "evidence_required"
	CodeOptimisticLock       = "optimistic_lock_failure"
	CodeGovernanceBlocked    = "governance_blocked"
	CodeMonotonicityViolated = "monotonicity_violation"
	CodeGatewayDeclined      = "gateway_declined"
)

// InvalidTransitionError reports a requested transition absent from
// the transition table, including any transition out of a terminal
// state. Not retryable; a logic error in the caller.
type InvalidTransitionError struct {
	PaymentID string
	From      string
	To        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: transition %q -> %q is not permitted for payment %s",
		CodeInvalidTransition, e.From, e.To, e.PaymentID)
}

// DuplicatePaymentError reports a conflicting, non-identical payload
// under an already-reserved idempotency key. Either a key collision
// or a client reusing its key for a different request.
type DuplicatePaymentError struct {
	Key string
}

func (e *DuplicatePaymentError) Error() string {
	return fmt.Sprintf("%s: payload conflicts with a prior submission under key %s",
		CodeDuplicatePayment, e.Key)
}

// EvidenceRequiredError reports a transition class that demands
// evidence (externally caused transitions) submitted without any.
type EvidenceRequiredError struct {
	PaymentID string
	Actor     string
}

func (e *EvidenceRequiredError) Error() string {
	return fmt.Sprintf("%s: actor %q must supply evidence for payment %s",
		CodeEvidenceRequired, e.Actor, e.PaymentID)
}

// OptimisticLockError reports a version mismatch on apply. The only
// kind well-behaved callers retry automatically, after re-reading the
// record.
type OptimisticLockError struct {
	PaymentID       string
	ExpectedVersion int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("%s: payment %s is no longer at version %d",
		CodeOptimisticLock, e.PaymentID, e.ExpectedVersion)
}

// GovernanceBlockedError reports a policy gate rejecting the
// operation before any gateway call or ledger mutation.
type GovernanceBlockedError struct {
	Gate   string
	Reason string
}

func (e *GovernanceBlockedError) Error() string {
	return fmt.Sprintf("%s: gate %q blocked the operation: %s",
		CodeGovernanceBlocked, e.Gate, e.Reason)
}

// MonotonicityViolationError reports an attempted mutation that would
// decrease a version or regress state, including reconciliation's own
// internal checks. Fatal; never auto-retried.
type MonotonicityViolationError struct {
	PaymentID string
	Detail    string
}

func (e *MonotonicityViolationError) Error() string {
	return fmt.Sprintf("%s: payment %s: %s", CodeMonotonicityViolated, e.PaymentID, e.Detail)
}

// GatewayDeclinedError reports a gateway refusal of an operation from
// a state with no failed edge to record it under. The record is left
// untouched; the decline is the outcome.
type GatewayDeclinedError struct {
	PaymentID   string
	Operation   string
	DeclineCode string
}

func (e *GatewayDeclinedError) Error() string {
	return fmt.Sprintf("%s: gateway declined %s for payment %s (%s)",
		CodeGatewayDeclined, e.Operation, e.PaymentID, e.DeclineCode)
}

// ErrReservationInFlight is returned when an identical submission is
// still being processed under its reservation lease. Callers should
// wait and retry; the lease bounds the wait.
var ErrReservationInFlight = fmt.Errorf("an identical request is already in flight")
