package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgerline/paygate/internal/models"
)

type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_records (
			payment_id VARCHAR(255) PRIMARY KEY,
			state VARCHAR(50) NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			idempotency_key VARCHAR(64) NOT NULL,
			gateway_reference VARCHAR(255) NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			currency VARCHAR(3) NOT NULL,
			profile_tier VARCHAR(50) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_records_state ON payment_records(state)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_records_updated_at ON payment_records(updated_at)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (r *RecordRepository) Insert(ctx context.Context, rec *models.PaymentRecord) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_records (payment_id, state, version, idempotency_key, amount, currency, profile_tier)
		VALUES ($1, $2, 0, $3, $4, $5, $6)
		ON CONFLICT (payment_id) DO NOTHING
	`, rec.PaymentID, rec.State, rec.IdempotencyKey, rec.Amount, rec.Currency, rec.ProfileTier)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (r *RecordRepository) Get(ctx context.Context, paymentID string) (*models.PaymentRecord, error) {
	rec := models.PaymentRecord{PaymentID: paymentID}
	err := r.db.QueryRowContext(ctx, `
		SELECT state, version, idempotency_key, gateway_reference, amount, currency, profile_tier, created_at, updated_at
		FROM payment_records WHERE payment_id = $1
	`, paymentID).Scan(&rec.State, &rec.Version, &rec.IdempotencyKey, &rec.GatewayReference,
		&rec.Amount, &rec.Currency, &rec.ProfileTier, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CompareAndSwap is the optimistic-lock primitive: the WHERE clause on
// version makes the state move and the bump atomic, and gateway_reference
// is written only while still empty so it stays immutable once set.
func (r *RecordRepository) CompareAndSwap(ctx context.Context, paymentID string, expectedVersion int64, to models.PaymentState, gatewayRef string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_records
		SET state = $1,
			version = version + 1,
			gateway_reference = CASE WHEN gateway_reference = '' THEN $2 ELSE gateway_reference END,
			updated_at = NOW()
		WHERE payment_id = $3 AND version = $4
	`, to, gatewayRef, paymentID, expectedVersion)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *RecordRepository) ListOpenOlderThan(ctx context.Context, cutoff time.Time) ([]models.PaymentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payment_id, state, version, idempotency_key, gateway_reference, amount, currency, profile_tier, created_at, updated_at
		FROM payment_records
		WHERE state NOT IN ('settled', 'failed', 'refunded') AND updated_at < $1
		ORDER BY updated_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.PaymentRecord
	for rows.Next() {
		var rec models.PaymentRecord
		if err := rows.Scan(&rec.PaymentID, &rec.State, &rec.Version, &rec.IdempotencyKey,
			&rec.GatewayReference, &rec.Amount, &rec.Currency, &rec.ProfileTier,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
