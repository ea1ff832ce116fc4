// Package idempotency derives stable keys from canonicalized payment
// payloads. The determinism contract: the same logical intent always
// produces the same key, across retries and process restarts, while
// distinct intents collide only with cryptographically negligible
// probability.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/paygate/internal/models"
)

// Key is a derived idempotency key: hex-encoded SHA-256 of the
// canonical payload.
type Key string

func (k Key) String() string { return string(k) }

// volatileFields are excluded from canonicalization. They change per
// delivery attempt without changing the logical intent.
var volatileFields = map[string]bool{
	"request_id":   true,
	"submitted_at": true,
	"timestamp":    true,
	"delivered_at": true,
	"attempt":      true,
	"received_at":  true,
	"trace_id":     true,
	"signature":    true,
}

// CanonicalIntent encodes the semantically relevant fields of an
// intent as a deterministic byte string: sorted key=value pairs with
// normalized amount and currency. Client key, request id and
// timestamps never participate.
func CanonicalIntent(intent models.PaymentIntent) []byte {
	fields := map[string]string{
		"payment_id": intent.PaymentID,
		"amount":     normalizeAmount(intent.Amount),
		"currency":   strings.ToUpper(intent.Currency),
		"operation":  intent.Operation,
	}
	if intent.CustomerID != "" {
		fields["customer_id"] = intent.CustomerID
	}
	return encode(fields)
}

// CanonicalCallback canonicalizes an opaque gateway callback payload
// so redelivered callbacks dedup through the same engine. Volatile
// keys are dropped, amounts normalized, remaining keys sorted.
func CanonicalCallback(raw []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("canonicalize callback: %w", err)
	}

	fields := make(map[string]string, len(payload))
	for k, v := range payload {
		if volatileFields[k] {
			continue
		}
		fields[k] = normalizeValue(k, v)
	}
	return encode(fields), nil
}

// DeriveKey hashes a canonical payload into a Key.
func DeriveKey(canonical []byte) Key {
	sum := sha256.Sum256(canonical)
	return Key(hex.EncodeToString(sum[:]))
}

// IntentKey is the common path: canonicalize then hash.
func IntentKey(intent models.PaymentIntent) Key {
	return DeriveKey(CanonicalIntent(intent))
}

// EvidenceHash fingerprints a raw causing payload for the ledger.
// Unlike key derivation it hashes the payload verbatim: evidence must
// match what was actually received, volatile fields included.
func EvidenceHash(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func encode(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return []byte(b.String())
}

// normalizeAmount renders minor units through decimal so every
// numeric spelling of the same amount canonicalizes identically.
func normalizeAmount(minorUnits int64) string {
	return decimal.NewFromInt(minorUnits).String()
}

func normalizeValue(key string, v any) string {
	switch val := v.(type) {
	case string:
		if key == "currency" {
			return strings.ToUpper(val)
		}
		return val
	case json.Number:
		if d, err := decimal.NewFromString(val.String()); err == nil {
			return d.String()
		}
		return val.String()
	case float64:
		// encoding/json decodes numbers as float64; route through
		// decimal to strip representation noise (50 vs 50.0).
		return decimal.NewFromFloat(val).String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}
