// Package fsm holds the payment state machine as an explicit finite
// lookup table, so validity checking is total and trivially testable.
package fsm

import (
	"github.com/ledgerline/paygate/internal/models"
	"github.com/ledgerline/paygate/internal/payerrs"
)

// Transition is a (from, to) state pair.
type Transition struct {
	From models.PaymentState
	To   models.PaymentState
}

// transitionTable enumerates every legal transition. Anything absent
// is invalid, which makes terminal states immutable by construction.
var transitionTable = map[Transition]bool{
	{models.StateNone, models.StatePending}: true,

	{models.StatePending, models.StateAuthorized}:  true,
	{models.StateAuthorized, models.StateCaptured}: true,
	{models.StateCaptured, models.StateSettled}:    true,
	{models.StatePending, models.StateFailed}:      true,
	{models.StateAuthorized, models.StateFailed}:   true,
	{models.StateCaptured, models.StateRefunded}:   true,
}

var finalStates = map[models.PaymentState]bool{
	models.StateSettled:  true,
	models.StateFailed:   true,
	models.StateRefunded: true,
}

// ValidTransition reports whether the pair appears in the table.
func ValidTransition(from, to models.PaymentState) bool {
	return transitionTable[Transition{From: from, To: to}]
}

// IsFinal reports whether the state has no outgoing transitions.
func IsFinal(state models.PaymentState) bool {
	return finalStates[state]
}

// Validate returns an InvalidTransitionError naming the offending
// pair when it is not in the table.
func Validate(paymentID string, from, to models.PaymentState) error {
	if !ValidTransition(from, to) {
		return &payerrs.InvalidTransitionError{
			PaymentID: paymentID,
			From:      string(from),
			To:        string(to),
		}
	}
	return nil
}

// States lists every post-creation state, for iteration in tests and
// reconciliation ordering.
func States() []models.PaymentState {
	return []models.PaymentState{
		models.StatePending,
		models.StateAuthorized,
		models.StateCaptured,
		models.StateSettled,
		models.StateFailed,
		models.StateRefunded,
	}
}

// happyPath orders the forward chain used by reconciliation to
// advance a record toward the gateway's view one valid step at a
// time.
var happyPath = []models.PaymentState{
	models.StatePending,
	models.StateAuthorized,
	models.StateCaptured,
	models.StateSettled,
}

// NextToward returns the next valid state on the way from `from` to
// `target`, or StateNone when no forward step exists. It never
// produces a regression: if `target` is at or behind `from` on the
// forward chain there is no step.
func NextToward(from, target models.PaymentState) models.PaymentState {
	if from == target || IsFinal(from) {
		return models.StateNone
	}
	if target == models.StateRefunded {
		if ValidTransition(from, models.StateRefunded) {
			return models.StateRefunded
		}
		// Walk the chain until refund becomes reachable. The refund
		// window closes at settlement, so captured is the last stop.
		target = models.StateCaptured
	}
	if target == models.StateFailed {
		if ValidTransition(from, models.StateFailed) {
			return models.StateFailed
		}
		return models.StateNone
	}
	fromIdx, targetIdx := chainIndex(from), chainIndex(target)
	if fromIdx < 0 || targetIdx < 0 || targetIdx <= fromIdx {
		return models.StateNone
	}
	return happyPath[fromIdx+1]
}

func chainIndex(s models.PaymentState) int {
	for i, c := range happyPath {
		if c == s {
			return i
		}
	}
	return -1
}
