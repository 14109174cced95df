// Package inventory implements stock reservation and release on top of an
// open unit of work.
package inventory

import (
	"context"
	"errors"
	"sort"

	"inventra/backend/internal/store"
)

// StockTx is the part of store.Tx this package needs.
type StockTx interface {
	LockStock(ctx context.Context, productID int64, warehouseID int64) (int64, error)
	AdjustStock(ctx context.Context, productID int64, warehouseID int64, delta int64) error
}

// Line is one product quantity to reserve or release.
type Line struct {
	ProductID   int64
	ProductName string
	Quantity    int64
}

// CheckAndReserve locks the (product, warehouse) record and decrements it by
// qty. A missing record counts as zero available.
func CheckAndReserve(ctx context.Context, tx StockTx, line Line, warehouseID int64) error {
	if line.Quantity < 1 {
		return store.Invalid("quantity for product %d must be at least 1", line.ProductID)
	}
	available, err := tx.LockStock(ctx, line.ProductID, warehouseID)
	if err != nil {
		return err
	}
	if available < line.Quantity {
		return &store.InsufficientStockError{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			WarehouseID: warehouseID,
			Available:   available,
			Requested:   line.Quantity,
		}
	}
	if err := tx.AdjustStock(ctx, line.ProductID, warehouseID, -line.Quantity); err != nil {
		var stockErr *store.InsufficientStockError
		if errors.As(err, &stockErr) && stockErr.ProductName == "" {
			stockErr.ProductName = line.ProductName
		}
		return err
	}
	return nil
}

// Release increments the record by qty, creating it when absent.
func Release(ctx context.Context, tx StockTx, line Line, warehouseID int64) error {
	if line.Quantity < 1 {
		return store.Invalid("quantity for product %d must be at least 1", line.ProductID)
	}
	if _, err := tx.LockStock(ctx, line.ProductID, warehouseID); err != nil {
		return err
	}
	return tx.AdjustStock(ctx, line.ProductID, warehouseID, line.Quantity)
}

// ReserveAll reserves every line in ascending product id order. Lines for the
// same product are merged first so each record is locked once.
func ReserveAll(ctx context.Context, tx StockTx, warehouseID int64, lines []Line) error {
	for _, line := range Consolidate(lines) {
		if err := CheckAndReserve(ctx, tx, line, warehouseID); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAll is the mirror of ReserveAll and uses the same lock order.
func ReleaseAll(ctx context.Context, tx StockTx, warehouseID int64, lines []Line) error {
	for _, line := range Consolidate(lines) {
		if err := Release(ctx, tx, line, warehouseID); err != nil {
			return err
		}
	}
	return nil
}

// Consolidate merges lines by product and sorts them by product id.
func Consolidate(lines []Line) []Line {
	byProduct := make(map[int64]Line, len(lines))
	for _, line := range lines {
		merged, ok := byProduct[line.ProductID]
		if !ok {
			byProduct[line.ProductID] = line
			continue
		}
		merged.Quantity += line.Quantity
		byProduct[line.ProductID] = merged
	}

	result := make([]Line, 0, len(byProduct))
	for _, line := range byProduct {
		result = append(result, line)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ProductID < result[j].ProductID
	})
	return result
}
