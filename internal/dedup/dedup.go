// Package dedup rejects or short-circuits repeated operations keyed
// by derived idempotency keys. Reservation is a single atomic Redis
// SETNX so concurrent identical submissions cannot both proceed;
// losing that race is the one failure mode that risks a double
// external side effect.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/paygate/internal/idempotency"
	"github.com/ledgerline/paygate/internal/payerrs"
)

const keyPrefix = "dedup:"

// Reservation statuses stored in Redis.
const (
	statusReserved  = "reserved"
	statusCompleted = "completed"
)

// Outcome of CheckAndReserve.
type Outcome int

const (
	// Reserved means the key is now held by this caller; it must end
	// with Complete or Release.
	Reserved Outcome = iota
	// Duplicate means the operation already resolved; the cached
	// result is returned and nothing else may run.
	Duplicate
)

type record struct {
	Status      string          `json:"status"`
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result,omitempty"`
	ReservedAt  time.Time       `json:"reserved_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Store is the Redis-backed deduplication layer. Reservations carry a
// bounded lease so a crashed caller's key becomes retryable; completed
// keys are kept without expiry, mirroring ledger retention.
type Store struct {
	client *redis.Client
	lease  time.Duration
}

func NewStore(client *redis.Client, lease time.Duration) *Store {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Store{client: client, lease: lease}
}

// CheckAndReserve atomically checks key and reserves it when unseen.
// fingerprint is the canonical-payload hash of this submission; a
// stored record with a different fingerprint under the same key is a
// DuplicatePaymentError, not a replay.
func (s *Store) CheckAndReserve(ctx context.Context, key idempotency.Key, fingerprint string) (Outcome, json.RawMessage, error) {
	fresh := record{
		Status:      statusReserved,
		Fingerprint: fingerprint,
		ReservedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal reservation: %w", err)
	}

	// Two attempts: the key can expire between a failed SETNX and the
	// follow-up GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, keyPrefix+key.String(), payload, s.lease).Result()
		if err != nil {
			return 0, nil, fmt.Errorf("reserve %s: %w", key, err)
		}
		if ok {
			return Reserved, nil, nil
		}

		raw, err := s.client.Get(ctx, keyPrefix+key.String()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("read reservation %s: %w", key, err)
		}

		var existing record
		if err := json.Unmarshal(raw, &existing); err != nil {
			return 0, nil, fmt.Errorf("decode reservation %s: %w", key, err)
		}

		if existing.Fingerprint != fingerprint {
			return 0, nil, &payerrs.DuplicatePaymentError{Key: key.String()}
		}

		switch existing.Status {
		case statusCompleted:
			return Duplicate, existing.Result, nil
		default:
			return 0, nil, payerrs.ErrReservationInFlight
		}
	}
	return 0, nil, payerrs.ErrReservationInFlight
}

// Complete stores the final result under the key with no expiry. The
// key is thereafter a permanent short-circuit.
func (s *Store) Complete(ctx context.Context, key idempotency.Key, fingerprint string, result any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	done := record{
		Status:      statusCompleted,
		Fingerprint: fingerprint,
		Result:      encoded,
		CompletedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(done)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+key.String(), payload, 0).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// Release drops an unfinished reservation so the operation stays
// retryable. Failed attempts are never cached as outcomes.
func (s *Store) Release(ctx context.Context, key idempotency.Key) error {
	if err := s.client.Del(ctx, keyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
