package repository

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/ledgerline/paygate/internal/fsm"
	"github.com/ledgerline/paygate/internal/models"
)

// MemoryRecordRepository mirrors the SQL semantics of RecordRepository
// for tests and single-process deployments. Not-found is sql.ErrNoRows
// so callers branch identically against either implementation.
type MemoryRecordRepository struct {
	mu      sync.Mutex
	records map[string]models.PaymentRecord
}

func NewMemoryRecordRepository() *MemoryRecordRepository {
	return &MemoryRecordRepository{records: make(map[string]models.PaymentRecord)}
}

func (r *MemoryRecordRepository) Insert(_ context.Context, rec *models.PaymentRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.PaymentID]; exists {
		return false, nil
	}
	stored := *rec
	stored.Version = 0
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.records[rec.PaymentID] = stored
	return true, nil
}

func (r *MemoryRecordRepository) Get(_ context.Context, paymentID string) (*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[paymentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := rec
	return &out, nil
}

func (r *MemoryRecordRepository) CompareAndSwap(_ context.Context, paymentID string, expectedVersion int64, to models.PaymentState, gatewayRef string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[paymentID]
	if !ok || rec.Version != expectedVersion {
		return 0, nil
	}
	rec.State = to
	rec.Version++
	if rec.GatewayReference == "" {
		rec.GatewayReference = gatewayRef
	}
	rec.UpdatedAt = time.Now().UTC()
	r.records[paymentID] = rec
	return 1, nil
}

func (r *MemoryRecordRepository) ListOpenOlderThan(_ context.Context, cutoff time.Time) ([]models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []models.PaymentRecord
	for _, rec := range r.records {
		if fsm.IsFinal(rec.State) || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		open = append(open, rec)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].UpdatedAt.Before(open[j].UpdatedAt) })
	return open, nil
}

// MemoryLedgerRepository is the in-memory counterpart of
// LedgerRepository: append-only, per-payment sequence numbers.
type MemoryLedgerRepository struct {
	mu      sync.Mutex
	entries map[string][]models.LedgerEntry
}

func NewMemoryLedgerRepository() *MemoryLedgerRepository {
	return &MemoryLedgerRepository{entries: make(map[string][]models.LedgerEntry)}
}

func (r *MemoryLedgerRepository) Append(_ context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *entry
	stored.SequenceNumber = int64(len(r.entries[entry.PaymentID])) + 1
	stored.Timestamp = time.Now().UTC()
	r.entries[entry.PaymentID] = append(r.entries[entry.PaymentID], stored)
	out := stored
	return &out, nil
}

func (r *MemoryLedgerRepository) List(_ context.Context, paymentID string) ([]models.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.entries[paymentID]
	out := make([]models.LedgerEntry, len(src))
	copy(out, src)
	return out, nil
}
