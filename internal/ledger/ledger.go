// Package ledger is the append-only, tamper-evident record of every
// state transition. The entry stream is the system of record; the
// live PaymentRecord is a projection rebuildable by Replay.
package ledger

import (
	"context"
	"fmt"

	"github.com/ledgerline/paygate/internal/fsm"
	"github.com/ledgerline/paygate/internal/idempotency"
	"github.com/ledgerline/paygate/internal/interfaces"
	"github.com/ledgerline/paygate/internal/models"
	"github.com/ledgerline/paygate/internal/payerrs"
)

type Ledger struct {
	repo interfaces.LedgerRepository
}

func New(repo interfaces.LedgerRepository) *Ledger {
	return &Ledger{repo: repo}
}

// actorsRequiringEvidence lists transition classes that must carry the
// hash of their causing payload: anything driven from outside the
// request path.
var actorsRequiringEvidence = map[string]bool{
	models.ActorWebhook:        true,
	models.ActorReconciliation: true,
}

// Append validates and persists one transition entry. Entries are
// immutable once written; there is no update or delete path.
func (l *Ledger) Append(ctx context.Context, paymentID string, from, to models.PaymentState, key idempotency.Key, evidenceHash, actor string) (*models.LedgerEntry, error) {
	if err := fsm.Validate(paymentID, from, to); err != nil {
		return nil, err
	}
	if actorsRequiringEvidence[actor] && evidenceHash == "" {
		return nil, &payerrs.EvidenceRequiredError{PaymentID: paymentID, Actor: actor}
	}

	entry := &models.LedgerEntry{
		PaymentID:      paymentID,
		FromState:      from,
		ToState:        to,
		IdempotencyKey: key.String(),
		EvidenceHash:   evidenceHash,
		Actor:          actor,
	}
	stored, err := l.repo.Append(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("append ledger entry for %s: %w", paymentID, err)
	}
	return stored, nil
}

// List returns the full entry stream for a payment in sequence order.
func (l *Ledger) List(ctx context.Context, paymentID string) ([]models.LedgerEntry, error) {
	return l.repo.List(ctx, paymentID)
}

// Replay folds the entry stream into a PaymentRecord. The to_state
// walk must be a valid path through the state machine; anything else
// is a MonotonicityViolation, never silently repaired. The creation
// entry is version 0, every later entry bumps the version by one, so
// a correct replay always agrees with the live record.
func (l *Ledger) Replay(ctx context.Context, paymentID string) (*models.PaymentRecord, error) {
	entries, err := l.repo.List(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", paymentID, err)
	}
	if len(entries) == 0 {
		return nil, &payerrs.MonotonicityViolationError{
			PaymentID: paymentID,
			Detail:    "no ledger entries to replay",
		}
	}

	state := models.StateNone
	var seq int64
	for _, e := range entries {
		if e.SequenceNumber != seq+1 {
			return nil, &payerrs.MonotonicityViolationError{
				PaymentID: paymentID,
				Detail:    fmt.Sprintf("sequence gap: expected %d, found %d", seq+1, e.SequenceNumber),
			}
		}
		if e.FromState != state || !fsm.ValidTransition(e.FromState, e.ToState) {
			return nil, &payerrs.MonotonicityViolationError{
				PaymentID: paymentID,
				Detail: fmt.Sprintf("entry %d records %q -> %q but replayed state is %q",
					e.SequenceNumber, e.FromState, e.ToState, state),
			}
		}
		state = e.ToState
		seq = e.SequenceNumber
	}

	first := entries[0]
	return &models.PaymentRecord{
		PaymentID:      paymentID,
		State:          state,
		Version:        int64(len(entries)) - 1,
		IdempotencyKey: first.IdempotencyKey,
		CreatedAt:      first.Timestamp,
		UpdatedAt:      entries[len(entries)-1].Timestamp,
	}, nil
}
