package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"inventra/backend/internal/domain"
	"inventra/backend/internal/store"
)

// memTx records an undo step for every mutation; Rollback replays them in reverse.
type memTx struct {
	s    *Store
	undo []func()
	done bool
}

func (t *memTx) check(ctx context.Context, operation string) error {
	if t.done {
		return store.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.s.fault(operation)
}

func (t *memTx) Commit() error {
	if t.done {
		return store.ErrTxDone
	}
	if err := t.s.fault("Commit"); err != nil {
		t.rollback()
		return err
	}
	t.undo = nil
	t.done = true
	t.s.release()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.rollback()
	return nil
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.done = true
	t.s.release()
}

func (t *memTx) InsertPartner(ctx context.Context, partner *domain.Partner) error {
	if err := t.check(ctx, "InsertPartner"); err != nil {
		return err
	}
	var maxID int64
	for id, existing := range t.s.partners {
		if existing.Code == partner.Code {
			return store.Conflict("partner code %q already exists", partner.Code)
		}
		if id > maxID {
			maxID = id
		}
	}
	partner.ID = maxID + 1
	partner.UpdatedAt = time.Now().UTC()
	t.s.partners[partner.ID] = *partner
	id := partner.ID
	t.undo = append(t.undo, func() { delete(t.s.partners, id) })
	return nil
}

func (t *memTx) LockPartner(ctx context.Context, id int64) (*domain.Partner, error) {
	if err := t.check(ctx, "LockPartner"); err != nil {
		return nil, err
	}
	partner, ok := t.s.partners[id]
	if !ok {
		return nil, store.NotFound("partner", id)
	}
	return &partner, nil
}

func (t *memTx) AddPartnerBalance(ctx context.Context, id int64, debtDelta decimal.Decimal, revenueDelta decimal.Decimal) error {
	if err := t.check(ctx, "AddPartnerBalance"); err != nil {
		return err
	}
	before, ok := t.s.partners[id]
	if !ok {
		return store.NotFound("partner", id)
	}
	after := before
	after.CurrentDebt = before.CurrentDebt.Add(debtDelta)
	after.TotalRevenue = before.TotalRevenue.Add(revenueDelta)
	after.UpdatedAt = time.Now().UTC()
	t.s.partners[id] = after
	t.undo = append(t.undo, func() { t.s.partners[id] = before })
	return nil
}

func (t *memTx) SetPartnerStatus(ctx context.Context, id int64, status string) (*domain.Partner, error) {
	if err := t.check(ctx, "SetPartnerStatus"); err != nil {
		return nil, err
	}
	before, ok := t.s.partners[id]
	if !ok {
		return nil, store.NotFound("partner", id)
	}
	after := before
	after.Status = status
	after.UpdatedAt = time.Now().UTC()
	t.s.partners[id] = after
	t.undo = append(t.undo, func() { t.s.partners[id] = before })
	return &after, nil
}

func (t *memTx) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	if err := t.check(ctx, "GetProducts"); err != nil {
		return nil, err
	}
	result := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := t.s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (t *memTx) InsertProduct(ctx context.Context, product *domain.Product) error {
	if err := t.check(ctx, "InsertProduct"); err != nil {
		return err
	}
	var maxID int64
	for id, existing := range t.s.products {
		if existing.SKU == product.SKU {
			return store.Conflict("sku %q already exists", product.SKU)
		}
		if id > maxID {
			maxID = id
		}
	}
	product.ID = maxID + 1
	product.UpdatedAt = time.Now().UTC()
	t.s.products[product.ID] = *product
	id := product.ID
	t.undo = append(t.undo, func() { delete(t.s.products, id) })
	return nil
}

func (t *memTx) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := t.check(ctx, "UpdateProduct"); err != nil {
		return nil, err
	}
	before, ok := t.s.products[product.ID]
	if !ok {
		return nil, store.NotFound("product", product.ID)
	}
	for id, existing := range t.s.products {
		if id != product.ID && existing.SKU == product.SKU {
			return nil, store.Conflict("sku %q already exists", product.SKU)
		}
	}
	product.UpdatedAt = time.Now().UTC()
	t.s.products[product.ID] = product
	t.undo = append(t.undo, func() { t.s.products[product.ID] = before })
	return &product, nil
}

func (t *memTx) LockStock(ctx context.Context, productID int64, warehouseID int64) (int64, error) {
	if err := t.check(ctx, "LockStock"); err != nil {
		return 0, err
	}
	return t.s.inventory[stockKey{productID: productID, warehouseID: warehouseID}], nil
}

func (t *memTx) AdjustStock(ctx context.Context, productID int64, warehouseID int64, delta int64) error {
	if err := t.check(ctx, "AdjustStock"); err != nil {
		return err
	}
	key := stockKey{productID: productID, warehouseID: warehouseID}
	before, existed := t.s.inventory[key]
	if before+delta < 0 {
		return &store.InsufficientStockError{
			ProductID:   productID,
			WarehouseID: warehouseID,
			Available:   before,
			Requested:   -delta,
		}
	}
	t.s.inventory[key] = before + delta
	t.undo = append(t.undo, func() {
		if existed {
			t.s.inventory[key] = before
			return
		}
		delete(t.s.inventory, key)
	})
	return nil
}

func (t *memTx) OrderCodeExists(ctx context.Context, code string) (bool, error) {
	if err := t.check(ctx, "OrderCodeExists"); err != nil {
		return false, err
	}
	_, exists := t.s.orderCodes[code]
	return exists, nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	if err := t.check(ctx, "InsertOrder"); err != nil {
		return err
	}
	if _, exists := t.s.orderCodes[order.Code]; exists {
		return store.Conflict("order code %q already exists", order.Code)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	t.s.nextOrderID++
	order.ID = t.s.nextOrderID
	for i := range order.Items {
		t.s.nextOrderItemID++
		order.Items[i].ID = t.s.nextOrderItemID
		order.Items[i].OrderID = order.ID
	}

	t.s.orders[order.ID] = cloneOrder(order)
	t.s.orderCodes[order.Code] = order.ID
	id, code := order.ID, order.Code
	t.undo = append(t.undo, func() {
		delete(t.s.orders, id)
		delete(t.s.orderCodes, code)
	})
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (*domain.Order, error) {
	if err := t.check(ctx, "LockOrder"); err != nil {
		return nil, err
	}
	order, ok := t.s.orders[id]
	if !ok {
		return nil, store.NotFound("order", id)
	}
	return cloneOrder(order), nil
}

func (t *memTx) SetOrderStatus(ctx context.Context, id int64, status string) error {
	if err := t.check(ctx, "SetOrderStatus"); err != nil {
		return err
	}
	order, ok := t.s.orders[id]
	if !ok {
		return store.NotFound("order", id)
	}
	before := order.Status
	order.Status = status
	t.undo = append(t.undo, func() { order.Status = before })
	return nil
}

func (t *memTx) ReturnCodeExists(ctx context.Context, code string) (bool, error) {
	if err := t.check(ctx, "ReturnCodeExists"); err != nil {
		return false, err
	}
	_, exists := t.s.returnCodes[code]
	return exists, nil
}

func (t *memTx) ReturnedQuantities(ctx context.Context, orderID int64) (map[int64]int64, error) {
	if err := t.check(ctx, "ReturnedQuantities"); err != nil {
		return nil, err
	}
	result := make(map[int64]int64)
	for _, ret := range t.s.returns {
		if ret.OrderID != orderID {
			continue
		}
		for _, item := range ret.Items {
			result[item.ProductID] += item.Quantity
		}
	}
	return result, nil
}

func (t *memTx) InsertReturn(ctx context.Context, ret *domain.Return) error {
	if err := t.check(ctx, "InsertReturn"); err != nil {
		return err
	}
	if _, exists := t.s.returnCodes[ret.Code]; exists {
		return store.Conflict("return code %q already exists", ret.Code)
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now().UTC()
	}

	t.s.nextReturnID++
	ret.ID = t.s.nextReturnID
	for i := range ret.Items {
		t.s.nextReturnItemID++
		ret.Items[i].ID = t.s.nextReturnItemID
		ret.Items[i].ReturnID = ret.ID
	}

	t.s.returns[ret.ID] = cloneReturn(ret)
	t.s.returnCodes[ret.Code] = ret.ID
	id, code := ret.ID, ret.Code
	t.undo = append(t.undo, func() {
		delete(t.s.returns, id)
		delete(t.s.returnCodes, code)
	})
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	if err := t.check(ctx, "AppendAudit"); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Details = cloneDetails(entry.Details)
	t.s.auditLogs = append(t.s.auditLogs, entry)
	n := len(t.s.auditLogs) - 1
	t.undo = append(t.undo, func() { t.s.auditLogs = t.s.auditLogs[:n] })
	return nil
}
