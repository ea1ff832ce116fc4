package repository

import (
	"context"
	"database/sql"

	"github.com/ledgerline/paygate/internal/models"
)

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_ledger (
			payment_id VARCHAR(255) NOT NULL,
			sequence_number BIGINT NOT NULL,
			from_state VARCHAR(50) NOT NULL,
			to_state VARCHAR(50) NOT NULL,
			idempotency_key VARCHAR(64) NOT NULL,
			evidence_hash VARCHAR(64) NOT NULL DEFAULT '',
			actor VARCHAR(50) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (payment_id, sequence_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_ledger_actor ON payment_ledger(actor)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// Append assigns the next per-payment sequence number inside the
// INSERT itself; the (payment_id, sequence_number) primary key turns
// a lost race into a retryable conflict instead of a gap or dup.
func (r *LedgerRepository) Append(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error) {
	stored := *entry
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO payment_ledger (payment_id, sequence_number, from_state, to_state, idempotency_key, evidence_hash, actor)
		SELECT $1, COALESCE(MAX(sequence_number), 0) + 1, $2, $3, $4, $5, $6
		FROM payment_ledger WHERE payment_id = $1
		RETURNING sequence_number, created_at
	`, entry.PaymentID, entry.FromState, entry.ToState, entry.IdempotencyKey,
		entry.EvidenceHash, entry.Actor).Scan(&stored.SequenceNumber, &stored.Timestamp)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *LedgerRepository) List(ctx context.Context, paymentID string) ([]models.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payment_id, sequence_number, from_state, to_state, idempotency_key, evidence_hash, actor, created_at
		FROM payment_ledger
		WHERE payment_id = $1
		ORDER BY sequence_number
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.PaymentID, &e.SequenceNumber, &e.FromState, &e.ToState,
			&e.IdempotencyKey, &e.EvidenceHash, &e.Actor, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
