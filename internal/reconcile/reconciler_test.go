package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/paygate/internal/gateway"
	"github.com/ledgerline/paygate/internal/idempotency"
	"github.com/ledgerline/paygate/internal/ledger"
	"github.com/ledgerline/paygate/internal/models"
	"github.com/ledgerline/paygate/internal/repository"
)

type fixture struct {
	records *repository.MemoryRecordRepository
	ledger  *ledger.Ledger
	gw      *gateway.Fake
}

func newFixture() *fixture {
	return &fixture{
		records: repository.NewMemoryRecordRepository(),
		ledger:  ledger.New(repository.NewMemoryLedgerRepository()),
		gw:      gateway.NewFake(),
	}
}

func (f *fixture) reconciler(failTimeout time.Duration) *Reconciler {
	// Nanosecond grace so freshly written records are already eligible
	// after the sleep in seed().
	return New(f.records, f.ledger, f.gw, nil, nil, time.Minute, time.Nanosecond, failTimeout)
}

// seed creates a payment whose ledger and record agree at the given
// state, simulating the request path having run that far.
func (f *fixture) seed(t *testing.T, paymentID string, states ...models.PaymentState) *models.PaymentRecord {
	t.Helper()
	ctx := context.Background()
	key := idempotency.IntentKey(models.PaymentIntent{
		PaymentID: paymentID, Amount: 5000, Currency: "USD", Operation: models.OpAuthorize,
	})

	created, err := f.records.Insert(ctx, &models.PaymentRecord{
		PaymentID:      paymentID,
		State:          models.StatePending,
		IdempotencyKey: key.String(),
		Amount:         5000,
		Currency:       "USD",
	})
	require.NoError(t, err)
	require.True(t, created)
	_, err = f.ledger.Append(ctx, paymentID, models.StateNone, models.StatePending, key, "", models.ActorAPI)
	require.NoError(t, err)

	from := models.StatePending
	version := int64(0)
	for _, to := range states {
		rows, err := f.records.CompareAndSwap(ctx, paymentID, version, to, "gw-"+paymentID)
		require.NoError(t, err)
		require.Equal(t, int64(1), rows)
		_, err = f.ledger.Append(ctx, paymentID, from, to, key, "ev", models.ActorAPI)
		require.NoError(t, err)
		from = to
		version++
	}

	time.Sleep(2 * time.Millisecond)
	rec, err := f.records.Get(ctx, paymentID)
	require.NoError(t, err)
	return rec
}

func TestRepairsGatewayAheadDivergence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.seed(t, "p1", models.StateAuthorized)

	// Crash-after-call scenario: the gateway confirmed capture
	// out-of-band, the ledger never heard about it.
	f.gw.LookupStatus[rec.IdempotencyKey] = &gateway.Status{
		Found: true, State: models.StateCaptured, GatewayReference: "gw-p1",
	}

	require.NoError(t, f.reconciler(time.Hour).Sweep(ctx))

	repaired, err := f.records.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCaptured, repaired.State)
	assert.Equal(t, int64(2), repaired.Version)

	entries, _ := f.ledger.List(ctx, "p1")
	require.Len(t, entries, 3)
	corrective := entries[2]
	assert.Equal(t, models.ActorReconciliation, corrective.Actor)
	assert.Equal(t, models.StateCaptured, corrective.ToState)
	assert.NotEmpty(t, corrective.EvidenceHash)

	// Replay still agrees with the live record after self-healing.
	replayed, err := f.ledger.Replay(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, repaired.State, replayed.State)
	assert.Equal(t, repaired.Version, replayed.Version)
}

func TestRepairIsIdempotentAcrossPasses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.seed(t, "p1", models.StateAuthorized)
	f.gw.LookupStatus[rec.IdempotencyKey] = &gateway.Status{Found: true, State: models.StateCaptured}

	r := f.reconciler(time.Hour)
	require.NoError(t, r.Sweep(ctx))
	require.NoError(t, r.Sweep(ctx))
	require.NoError(t, r.Sweep(ctx))

	repaired, _ := f.records.Get(ctx, "p1")
	assert.Equal(t, models.StateCaptured, repaired.State)
	assert.Equal(t, int64(2), repaired.Version)
	entries, _ := f.ledger.List(ctx, "p1")
	assert.Len(t, entries, 3)
}

func TestAdvancesStepwiseTowardGatewayState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.seed(t, "p1", models.StateAuthorized)
	f.gw.LookupStatus[rec.IdempotencyKey] = &gateway.Status{Found: true, State: models.StateSettled}

	r := f.reconciler(time.Hour)

	require.NoError(t, r.Sweep(ctx))
	mid, _ := f.records.Get(ctx, "p1")
	assert.Equal(t, models.StateCaptured, mid.State)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.Sweep(ctx))
	done, _ := f.records.Get(ctx, "p1")
	assert.Equal(t, models.StateSettled, done.State)
	assert.Equal(t, int64(3), done.Version)

	replayed, err := f.ledger.Replay(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, done.State, replayed.State)
	assert.Equal(t, done.Version, replayed.Version)
}

func TestNeverRegressesWhenGatewayIsBehind(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.seed(t, "p1", models.StateAuthorized, models.StateCaptured)
	f.gw.LookupStatus[rec.IdempotencyKey] = &gateway.Status{Found: true, State: models.StateAuthorized}

	require.NoError(t, f.reconciler(time.Hour).Sweep(ctx))

	unchanged, _ := f.records.Get(ctx, "p1")
	assert.Equal(t, models.StateCaptured, unchanged.State)
	assert.Equal(t, rec.Version, unchanged.Version)
}

func TestTerminalRecordsAreNeverTouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.seed(t, "p1", models.StateAuthorized, models.StateCaptured, models.StateSettled)
	f.gw.LookupStatus[rec.IdempotencyKey] = &gateway.Status{Found: true, State: models.StateCaptured}

	require.NoError(t, f.reconciler(time.Hour).Sweep(ctx))

	unchanged, _ := f.records.Get(ctx, "p1")
	assert.Equal(t, models.StateSettled, unchanged.State)
	assert.Equal(t, rec.Version, unchanged.Version)
	entries, _ := f.ledger.List(ctx, "p1")
	assert.Len(t, entries, 4)
}

func TestNeverReachedGatewayFailsAfterTimeout(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seed(t, "p1") // pending only; gateway has no record

	require.NoError(t, f.reconciler(time.Millisecond).Sweep(ctx))

	failed, _ := f.records.Get(ctx, "p1")
	assert.Equal(t, models.StateFailed, failed.State)
	assert.Equal(t, int64(1), failed.Version)

	entries, _ := f.ledger.List(ctx, "p1")
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActorReconciliation, entries[1].Actor)
}

func TestGatewayUnknownCapturedRecordIsLeftAlone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.seed(t, "p1", models.StateAuthorized, models.StateCaptured)

	// captured has no failed edge; losing the gateway record past the
	// timeout must not force one.
	require.NoError(t, f.reconciler(time.Millisecond).Sweep(ctx))

	unchanged, err := f.records.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCaptured, unchanged.State)
	assert.Equal(t, rec.Version, unchanged.Version)

	entries, _ := f.ledger.List(ctx, "p1")
	assert.Len(t, entries, 3)

	replayed, err := f.ledger.Replay(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, unchanged.State, replayed.State)
	assert.Equal(t, unchanged.Version, replayed.Version)
}

func TestAmbiguousOutcomeIsSkippedBeforeTimeout(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seed(t, "p1")

	require.NoError(t, f.reconciler(time.Hour).Sweep(ctx))

	waiting, _ := f.records.Get(ctx, "p1")
	assert.Equal(t, models.StatePending, waiting.State)
	assert.Equal(t, int64(0), waiting.Version)
}

func TestGatewayErrorsAreRetriedNextPass(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.seed(t, "p1", models.StateAuthorized)

	f.gw.LookupErr = fmt.Errorf("gateway unreachable")
	require.NoError(t, f.reconciler(time.Hour).Sweep(ctx))
	untouched, _ := f.records.Get(ctx, "p1")
	assert.Equal(t, rec.Version, untouched.Version)

	f.gw.LookupErr = nil
	f.gw.LookupStatus[rec.IdempotencyKey] = &gateway.Status{Found: true, State: models.StateCaptured}
	require.NoError(t, f.reconciler(time.Hour).Sweep(ctx))
	repaired, _ := f.records.Get(ctx, "p1")
	assert.Equal(t, models.StateCaptured, repaired.State)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture()
	r := New(f.records, f.ledger, f.gw, nil, nil, time.Millisecond, time.Nanosecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop on cancellation")
	}
}
