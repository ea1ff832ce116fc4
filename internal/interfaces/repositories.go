package interfaces

import (
	"context"
	"time"

	"github.com/ledgerline/paygate/internal/models"
)

// RecordRepository is the durable store for materialized payment
// records. Mutation happens only through the version compare-and-swap.
type RecordRepository interface {
	// Insert creates a record at version 0 in pending state. Inserting
	// an existing payment_id is a no-op; the bool reports whether this
	// call actually created the record.
	Insert(ctx context.Context, rec *models.PaymentRecord) (bool, error)

	// Get returns the record or sql.ErrNoRows.
	Get(ctx context.Context, paymentID string) (*models.PaymentRecord, error)

	// CompareAndSwap moves the record to state `to` and bumps version
	// by one, only when the stored version equals expectedVersion.
	// gatewayRef is applied only if the stored reference is still
	// empty. Returns the number of rows changed (0 on version miss).
	CompareAndSwap(ctx context.Context, paymentID string, expectedVersion int64, to models.PaymentState, gatewayRef string) (int64, error)

	// ListOpenOlderThan returns non-terminal records last touched
	// before the cutoff, for reconciliation sweeps.
	ListOpenOlderThan(ctx context.Context, cutoff time.Time) ([]models.PaymentRecord, error)
}

// LedgerRepository is the durable, ordered, append-only store for
// ledger entries keyed by (payment_id, sequence_number).
type LedgerRepository interface {
	// Append persists the entry, assigning the next sequence number
	// for its payment, and returns the stored entry.
	Append(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error)

	// List returns all entries for a payment in sequence order.
	List(ctx context.Context, paymentID string) ([]models.LedgerEntry, error)
}
