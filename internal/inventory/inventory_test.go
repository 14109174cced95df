package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventra/backend/internal/store"
	"inventra/backend/internal/store/memory"
)

func beginTx(t *testing.T, s *memory.Store) store.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })
	return tx
}

func TestCheckAndReserveDecrements(t *testing.T) {
	ctx := context.Background()
	s := memory.NewSeeded()
	tx := beginTx(t, s)

	require.NoError(t, CheckAndReserve(ctx, tx, Line{ProductID: 42, Quantity: 3}, 1))
	require.NoError(t, tx.Commit())

	qty, err := s.GetStock(ctx, 42, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, qty)
}

func TestCheckAndReserveReportsAvailable(t *testing.T) {
	ctx := context.Background()
	s := memory.NewSeeded()
	tx := beginTx(t, s)

	err := CheckAndReserve(ctx, tx, Line{ProductID: 42, ProductName: "PVC pipe 21mm", Quantity: 7}, 1)
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.EqualValues(t, 5, stockErr.Available)
	assert.EqualValues(t, 7, stockErr.Requested)
	assert.Equal(t, "PVC pipe 21mm", stockErr.ProductName)
	assert.EqualValues(t, 1, stockErr.WarehouseID)
}

func TestCheckAndReserveTreatsMissingRecordAsZero(t *testing.T) {
	s := memory.NewSeeded()
	tx := beginTx(t, s)

	err := CheckAndReserve(context.Background(), tx, Line{ProductID: 3, Quantity: 1}, 2)
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Zero(t, stockErr.Available)
}

func TestReleaseCreatesMissingRecord(t *testing.T) {
	ctx := context.Background()
	s := memory.NewSeeded()
	tx := beginTx(t, s)

	require.NoError(t, Release(ctx, tx, Line{ProductID: 3, Quantity: 4}, 2))
	require.NoError(t, tx.Commit())

	qty, err := s.GetStock(ctx, 3, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 4, qty)
}

func TestConsolidateMergesAndSorts(t *testing.T) {
	lines := Consolidate([]Line{
		{ProductID: 9, Quantity: 1},
		{ProductID: 2, Quantity: 3},
		{ProductID: 9, Quantity: 4},
	})
	require.Len(t, lines, 2)
	assert.EqualValues(t, 2, lines[0].ProductID)
	assert.EqualValues(t, 9, lines[1].ProductID)
	assert.EqualValues(t, 5, lines[1].Quantity)
}

func TestReserveAllChecksMergedQuantity(t *testing.T) {
	s := memory.NewSeeded()
	tx := beginTx(t, s)

	err := ReserveAll(context.Background(), tx, 1, []Line{
		{ProductID: 42, Quantity: 3},
		{ProductID: 42, Quantity: 3},
	})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
}

func TestQuantityMustBePositive(t *testing.T) {
	s := memory.NewSeeded()
	tx := beginTx(t, s)

	assert.ErrorIs(t, CheckAndReserve(context.Background(), tx, Line{ProductID: 1, Quantity: 0}, 1), store.ErrInvalidTransaction)
	assert.ErrorIs(t, Release(context.Background(), tx, Line{ProductID: 1, Quantity: -2}, 1), store.ErrInvalidTransaction)
}
