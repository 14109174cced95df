package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"inventra/backend/internal/domain"
	"inventra/backend/internal/store"
)

// pgTx runs at READ COMMITTED; every row the coordinator reasons about is
// taken with SELECT ... FOR UPDATE before it is changed.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return store.ErrTxDone
		}
		return err
	}
	return nil
}

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *pgTx) InsertPartner(ctx context.Context, partner *domain.Partner) error {
	row := t.tx.QueryRowxContext(ctx, `
		INSERT INTO partners (code, name, status, current_debt, debt_limit, total_revenue, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, updated_at
	`, partner.Code, partner.Name, partner.Status, partner.CurrentDebt, partner.DebtLimit, partner.TotalRevenue)
	if err := row.Scan(&partner.ID, &partner.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return store.Conflict("partner code %q already exists", partner.Code)
		}
		return err
	}
	return nil
}

func (t *pgTx) LockPartner(ctx context.Context, id int64) (*domain.Partner, error) {
	return getPartner(ctx, t.tx, id, true)
}

func (t *pgTx) AddPartnerBalance(ctx context.Context, id int64, debtDelta decimal.Decimal, revenueDelta decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE partners
		SET current_debt = current_debt + $2,
		    total_revenue = total_revenue + $3,
		    updated_at = now()
		WHERE id = $1
	`, id, debtDelta, revenueDelta)
	if err != nil {
		return err
	}
	return expectAffected(res, "partner", id)
}

func (t *pgTx) SetPartnerStatus(ctx context.Context, id int64, status string) (*domain.Partner, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE partners SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return nil, err
	}
	if err := expectAffected(res, "partner", id); err != nil {
		return nil, err
	}
	return getPartner(ctx, t.tx, id, false)
}

func (t *pgTx) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT id, sku, name, price, updated_at FROM products WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}

	var products []domain.Product
	if err := t.tx.SelectContext(ctx, &products, t.tx.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, product := range products {
		result[product.ID] = product
	}
	return result, nil
}

func (t *pgTx) InsertProduct(ctx context.Context, product *domain.Product) error {
	row := t.tx.QueryRowxContext(ctx, `
		INSERT INTO products (sku, name, price, updated_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, updated_at
	`, product.SKU, product.Name, product.Price)
	if err := row.Scan(&product.ID, &product.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return store.Conflict("sku %q already exists", product.SKU)
		}
		return err
	}
	return nil
}

func (t *pgTx) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	var updated domain.Product
	err := t.tx.GetContext(ctx, &updated, `
		UPDATE products
		SET sku = $2, name = $3, price = $4, updated_at = now()
		WHERE id = $1
		RETURNING id, sku, name, price, updated_at
	`, product.ID, product.SKU, product.Name, product.Price)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("product", product.ID)
		}
		if isUniqueViolation(err) {
			return nil, store.Conflict("sku %q already exists", product.SKU)
		}
		return nil, err
	}
	return &updated, nil
}

func (t *pgTx) LockStock(ctx context.Context, productID int64, warehouseID int64) (int64, error) {
	var qty int64
	err := t.tx.GetContext(ctx, &qty, `
		SELECT quantity
		FROM inventory
		WHERE product_id = $1 AND warehouse_id = $2
		FOR UPDATE
	`, productID, warehouseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

func (t *pgTx) AdjustStock(ctx context.Context, productID int64, warehouseID int64, delta int64) error {
	if delta >= 0 {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO inventory (product_id, warehouse_id, quantity, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (product_id, warehouse_id)
			DO UPDATE SET quantity = inventory.quantity + EXCLUDED.quantity, updated_at = now()
		`, productID, warehouseID, delta)
		if isForeignKeyViolation(err) {
			return store.NotFound("warehouse", warehouseID)
		}
		return err
	}

	// The quantity guard holds even if a caller skipped LockStock.
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory
		SET quantity = quantity + $3, updated_at = now()
		WHERE product_id = $1 AND warehouse_id = $2 AND quantity >= $4
	`, productID, warehouseID, delta, -delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	available, err := t.LockStock(ctx, productID, warehouseID)
	if err != nil {
		return err
	}
	return &store.InsufficientStockError{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Available:   available,
		Requested:   -delta,
	}
}

func (t *pgTx) OrderCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM orders WHERE code = $1)`, code)
	return exists, err
}

func (t *pgTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	row := t.tx.QueryRowxContext(ctx, `
		INSERT INTO orders (
			code, partner_id, warehouse_id, staff_id, total_amount, final_amount,
			paid_amount, status, note, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()))
		RETURNING id, created_at
	`, order.Code, order.PartnerID, order.WarehouseID, nullIfEmpty(order.StaffID),
		order.TotalAmount, order.FinalAmount, order.PaidAmount, order.Status, order.Note, nullTime(order.CreatedAt))
	if err := row.Scan(&order.ID, &order.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return store.Conflict("order code %q already exists", order.Code)
		}
		return err
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := t.tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, product_name, product_sku, quantity, price, discount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, item.OrderID, item.ProductID, item.ProductName, item.ProductSKU, item.Quantity, item.Price, item.Discount)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", item.ProductID, err)
		}
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return getOrder(ctx, t.tx, "id", id, true)
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id int64, status string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE orders SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	return expectAffected(res, "order", id)
}

func (t *pgTx) ReturnCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM returns WHERE code = $1)`, code)
	return exists, err
}

func (t *pgTx) ReturnedQuantities(ctx context.Context, orderID int64) (map[int64]int64, error) {
	var rows []struct {
		ProductID int64 `db:"product_id"`
		Quantity  int64 `db:"quantity"`
	}
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT ri.product_id, SUM(ri.quantity)::bigint AS quantity
		FROM return_items ri
		JOIN returns r ON r.id = ri.return_id
		WHERE r.order_id = $1
		GROUP BY ri.product_id
	`, orderID)
	if err != nil {
		return nil, err
	}

	result := make(map[int64]int64, len(rows))
	for _, row := range rows {
		result[row.ProductID] = row.Quantity
	}
	return result, nil
}

func (t *pgTx) InsertReturn(ctx context.Context, ret *domain.Return) error {
	row := t.tx.QueryRowxContext(ctx, `
		INSERT INTO returns (
			code, order_id, partner_id, warehouse_id, staff_id, total_refund, reason, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
		RETURNING id, created_at
	`, ret.Code, ret.OrderID, ret.PartnerID, ret.WarehouseID, nullIfEmpty(ret.StaffID),
		ret.TotalRefund, ret.Reason, ret.Status, nullTime(ret.CreatedAt))
	if err := row.Scan(&ret.ID, &ret.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return store.Conflict("return code %q already exists", ret.Code)
		}
		return err
	}

	for i := range ret.Items {
		item := &ret.Items[i]
		item.ReturnID = ret.ID
		err := t.tx.GetContext(ctx, &item.ID, `
			INSERT INTO return_items (return_id, product_id, product_name, product_sku, quantity, refund_price)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, item.ReturnID, item.ProductID, item.ProductName, item.ProductSKU, item.Quantity, item.RefundPrice)
		if err != nil {
			return fmt.Errorf("insert return item %d: %w", item.ProductID, err)
		}
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO activity_logs (id, actor_id, actor_role, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, COALESCE($8, now()))
	`, entry.ID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID,
		string(payload), nullTime(entry.CreatedAt))
	return err
}

func expectAffected(res sql.Result, entity string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.NotFound(entity, id)
	}
	return nil
}
