package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/paygate/internal/models"
)

func TestCompareAndSwapKeepsFirstGatewayReference(t *testing.T) {
	repo := NewMemoryRecordRepository()
	ctx := context.Background()

	created, err := repo.Insert(ctx, &models.PaymentRecord{
		PaymentID:      "p1",
		State:          models.StatePending,
		IdempotencyKey: "k1",
		Amount:         5000,
		Currency:       "USD",
	})
	require.NoError(t, err)
	require.True(t, created)

	rows, err := repo.CompareAndSwap(ctx, "p1", 0, models.StateAuthorized, "gw-first")
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)

	rows, err = repo.CompareAndSwap(ctx, "p1", 1, models.StateCaptured, "gw-second")
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)

	rec, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "gw-first", rec.GatewayReference)
	assert.Equal(t, models.StateCaptured, rec.State)
	assert.Equal(t, int64(2), rec.Version)
}

func TestCompareAndSwapVersionMiss(t *testing.T) {
	repo := NewMemoryRecordRepository()
	ctx := context.Background()

	_, err := repo.Insert(ctx, &models.PaymentRecord{
		PaymentID: "p1", State: models.StatePending, IdempotencyKey: "k1", Amount: 1, Currency: "USD",
	})
	require.NoError(t, err)

	rows, err := repo.CompareAndSwap(ctx, "p1", 7, models.StateAuthorized, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows)

	rec, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, rec.State)
	assert.Equal(t, int64(0), rec.Version)
	assert.Empty(t, rec.GatewayReference)
}
