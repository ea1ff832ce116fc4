package idempotency

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/paygate/internal/models"
)

func TestIntentKeyDeterminism(t *testing.T) {
	intent := models.PaymentIntent{
		PaymentID: "p1",
		Amount:    5000,
		Currency:  "USD",
		Operation: models.OpAuthorize,
	}

	first := IntentKey(intent)

	// Volatile fields must not influence the key.
	intent.RequestID = "req-9f2"
	intent.SubmittedAt = time.Now()
	second := IntentKey(intent)

	assert.Equal(t, first, second)
	assert.Len(t, string(first), 64)
}

func TestIntentKeyCurrencyCaseInsensitive(t *testing.T) {
	a := IntentKey(models.PaymentIntent{PaymentID: "p1", Amount: 5000, Currency: "usd", Operation: models.OpAuthorize})
	b := IntentKey(models.PaymentIntent{PaymentID: "p1", Amount: 5000, Currency: "USD", Operation: models.OpAuthorize})
	assert.Equal(t, a, b)
}

func TestIntentKeyDistinguishesIntents(t *testing.T) {
	base := models.PaymentIntent{PaymentID: "p1", Amount: 5000, Currency: "USD", Operation: models.OpAuthorize}

	variants := []models.PaymentIntent{
		{PaymentID: "p2", Amount: 5000, Currency: "USD", Operation: models.OpAuthorize},
		{PaymentID: "p1", Amount: 5001, Currency: "USD", Operation: models.OpAuthorize},
		{PaymentID: "p1", Amount: 5000, Currency: "EUR", Operation: models.OpAuthorize},
		{PaymentID: "p1", Amount: 5000, Currency: "USD", Operation: models.OpCapture},
	}
	for _, v := range variants {
		assert.NotEqual(t, IntentKey(base), IntentKey(v), "%+v must not collide with base", v)
	}
}

func TestCanonicalCallbackDropsVolatileFields(t *testing.T) {
	a, err := CanonicalCallback([]byte(`{"payment_id":"p1","event":"captured","timestamp":"2024-01-01T00:00:00Z","delivered_at":"x","attempt":1}`))
	require.NoError(t, err)
	b, err := CanonicalCallback([]byte(`{"attempt":2,"event":"captured","payment_id":"p1","timestamp":"2024-02-02T10:00:00Z"}`))
	require.NoError(t, err)

	assert.Equal(t, DeriveKey(a), DeriveKey(b))
}

func TestCanonicalCallbackNormalizesNumbers(t *testing.T) {
	a, err := CanonicalCallback([]byte(`{"payment_id":"p1","amount":50}`))
	require.NoError(t, err)
	b, err := CanonicalCallback([]byte(`{"payment_id":"p1","amount":50.0}`))
	require.NoError(t, err)
	c, err := CanonicalCallback([]byte(`{"payment_id":"p1","amount":50.01}`))
	require.NoError(t, err)

	assert.Equal(t, DeriveKey(a), DeriveKey(b))
	assert.NotEqual(t, DeriveKey(a), DeriveKey(c))
}

func TestCanonicalCallbackRejectsGarbage(t *testing.T) {
	_, err := CanonicalCallback([]byte("not json"))
	assert.Error(t, err)
}

// TestNoCollisionsOverRandomCorpus derives keys for a large corpus of
// canonically distinct intents; any collision fails the test.
func TestNoCollisionsOverRandomCorpus(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	currencies := []string{"USD", "EUR", "GBP", "JPY", "KZT"}
	operations := []string{models.OpAuthorize, models.OpCapture, models.OpSettle, models.OpRefund}

	seen := make(map[Key]string, 20000)
	seenIntent := make(map[string]bool, 20000)

	for i := 0; len(seen) < 20000 && i < 100000; i++ {
		intent := models.PaymentIntent{
			PaymentID: fmt.Sprintf("pay-%d", rng.Intn(5000)),
			Amount:    rng.Int63n(1_000_000),
			Currency:  currencies[rng.Intn(len(currencies))],
			Operation: operations[rng.Intn(len(operations))],
		}
		canonical := string(CanonicalIntent(intent))
		if seenIntent[canonical] {
			continue
		}
		seenIntent[canonical] = true

		key := IntentKey(intent)
		if prior, dup := seen[key]; dup {
			t.Fatalf("collision between %q and %q", prior, canonical)
		}
		seen[key] = canonical
	}
	require.GreaterOrEqual(t, len(seen), 10000)
}

func TestEvidenceHash(t *testing.T) {
	assert.Empty(t, EvidenceHash(nil))
	assert.Len(t, EvidenceHash([]byte(`{"any":"payload"}`)), 64)
	assert.NotEqual(t, EvidenceHash([]byte("a")), EvidenceHash([]byte("b")))
}
