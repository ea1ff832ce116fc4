package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/paygate/internal/models"
	"github.com/ledgerline/paygate/internal/payerrs"
)

func newTestEngine(t *testing.T, breaker *gobreaker.CircuitBreaker) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewEngine(client, nil, breaker, nil, nil)
}

func fullProfile() models.CallerProfile {
	return models.CallerProfile{
		Tier:               "standard",
		AllowedOperations:  []string{models.OpAuthorize, models.OpCapture, models.OpSettle, models.OpRefund},
		RateLimitPerMinute: 100,
		DailyBudgetCeiling: 1_000_000,
	}
}

func TestAllowedOperationsGate(t *testing.T) {
	e := newTestEngine(t, nil)
	profile := fullProfile()
	profile.AllowedOperations = []string{models.OpAuthorize, models.OpCapture}

	err := e.Evaluate(context.Background(), CheckRequest{
		PaymentID: "p1", Operation: models.OpRefund, Amount: 5000, Profile: profile,
	})

	var blocked *payerrs.GovernanceBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "allowed_operations", blocked.Gate)
	assert.Contains(t, blocked.Reason, "refund")
}

func TestRateLimitGate(t *testing.T) {
	e := newTestEngine(t, nil)
	profile := fullProfile()
	profile.RateLimitPerMinute = 3

	ctx := context.Background()
	req := CheckRequest{PaymentID: "p1", Operation: models.OpAuthorize, Amount: 1, Profile: profile}
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Evaluate(ctx, req))
	}

	err := e.Evaluate(ctx, req)
	var blocked *payerrs.GovernanceBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "rate_limit", blocked.Gate)
}

func TestBudgetBurnGate(t *testing.T) {
	e := newTestEngine(t, nil)
	profile := fullProfile()
	profile.DailyBudgetCeiling = 10_000

	ctx := context.Background()
	require.NoError(t, e.Evaluate(ctx, CheckRequest{PaymentID: "p1", Operation: models.OpAuthorize, Amount: 6000, Profile: profile}))

	err := e.Evaluate(ctx, CheckRequest{PaymentID: "p2", Operation: models.OpAuthorize, Amount: 6000, Profile: profile})
	var blocked *payerrs.GovernanceBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "budget_burn", blocked.Gate)

	// A blocked operation spends nothing: a smaller one still fits.
	assert.NoError(t, e.Evaluate(ctx, CheckRequest{PaymentID: "p3", Operation: models.OpAuthorize, Amount: 4000, Profile: profile}))
}

func TestCircuitBreakerGate(t *testing.T) {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gateway",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
	e := newTestEngine(t, breaker)

	req := CheckRequest{PaymentID: "p1", Operation: models.OpAuthorize, Amount: 1, Profile: fullProfile()}
	require.NoError(t, e.Evaluate(context.Background(), req))

	_, _ = breaker.Execute(func() (interface{}, error) { return nil, errors.New("gateway down") })
	require.Equal(t, gobreaker.StateOpen, breaker.State())

	err := e.Evaluate(context.Background(), req)
	var blocked *payerrs.GovernanceBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "circuit_breaker", blocked.Gate)
}

func TestGateOrderShortCircuits(t *testing.T) {
	// A disallowed operation must be reported by the first gate even
	// when later gates would also block; no rate budget is spent.
	e := newTestEngine(t, nil)
	profile := fullProfile()
	profile.AllowedOperations = nil
	profile.RateLimitPerMinute = 0

	err := e.Evaluate(context.Background(), CheckRequest{
		PaymentID: "p1", Operation: models.OpAuthorize, Amount: 1, Profile: profile,
	})
	var blocked *payerrs.GovernanceBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "allowed_operations", blocked.Gate)
}
