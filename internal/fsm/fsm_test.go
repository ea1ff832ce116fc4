package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/paygate/internal/models"
	"github.com/ledgerline/paygate/internal/payerrs"
)

func TestValidTransitions(t *testing.T) {
	valid := []Transition{
		{models.StateNone, models.StatePending},
		{models.StatePending, models.StateAuthorized},
		{models.StateAuthorized, models.StateCaptured},
		{models.StateCaptured, models.StateSettled},
		{models.StatePending, models.StateFailed},
		{models.StateAuthorized, models.StateFailed},
		{models.StateCaptured, models.StateRefunded},
	}
	for _, tr := range valid {
		assert.True(t, ValidTransition(tr.From, tr.To), "%s -> %s should be valid", tr.From, tr.To)
		assert.NoError(t, Validate("p1", tr.From, tr.To))
	}
}

func TestInvalidPairsAreTotal(t *testing.T) {
	// Every pair not enumerated in the table must fail, including
	// self-transitions and anything out of a terminal state.
	all := append(States(), models.StateNone)
	for _, from := range all {
		for _, to := range all {
			if ValidTransition(from, to) {
				continue
			}
			err := Validate("p1", from, to)
			require.Error(t, err, "%s -> %s", from, to)

			var ite *payerrs.InvalidTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, string(from), ite.From)
			assert.Equal(t, string(to), ite.To)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	terminals := []models.PaymentState{models.StateSettled, models.StateFailed, models.StateRefunded}
	for _, term := range terminals {
		assert.True(t, IsFinal(term))
		for _, to := range States() {
			assert.False(t, ValidTransition(term, to), "%s -> %s", term, to)
		}
	}
	assert.False(t, IsFinal(models.StatePending))
	assert.False(t, IsFinal(models.StateAuthorized))
	assert.False(t, IsFinal(models.StateCaptured))
}

func TestNextToward(t *testing.T) {
	cases := []struct {
		from, target, want models.PaymentState
	}{
		{models.StatePending, models.StateCaptured, models.StateAuthorized},
		{models.StateAuthorized, models.StateCaptured, models.StateCaptured},
		{models.StateAuthorized, models.StateSettled, models.StateCaptured},
		{models.StateCaptured, models.StateRefunded, models.StateRefunded},
		{models.StateAuthorized, models.StateRefunded, models.StateCaptured},
		{models.StatePending, models.StateFailed, models.StateFailed},
		// No regression, ever.
		{models.StateCaptured, models.StatePending, models.StateNone},
		{models.StateSettled, models.StateCaptured, models.StateNone},
		// Terminal from-states never step.
		{models.StateFailed, models.StateSettled, models.StateNone},
		{models.StateRefunded, models.StateSettled, models.StateNone},
	}
	for _, tc := range cases {
		got := NextToward(tc.from, tc.target)
		assert.Equal(t, tc.want, got, "NextToward(%s, %s)", tc.from, tc.target)
	}
}
