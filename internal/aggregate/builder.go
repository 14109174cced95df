// Package aggregate turns validated requests into unpersisted order and
// return aggregates: exact totals, resolved codes and product snapshots.
package aggregate

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"inventra/backend/internal/codegen"
	"inventra/backend/internal/domain"
	"inventra/backend/internal/money"
	"inventra/backend/internal/store"
)

const maxCodeLength = 64

type ProductLookup interface {
	GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
}

type OrderTx interface {
	ProductLookup
	OrderCodeExists(ctx context.Context, code string) (bool, error)
}

type ReturnTx interface {
	ProductLookup
	ReturnCodeExists(ctx context.Context, code string) (bool, error)
	ReturnedQuantities(ctx context.Context, orderID int64) (map[int64]int64, error)
}

type Builder struct {
	codes        codegen.Generator
	orderPrefix  string
	returnPrefix string
}

func NewBuilder(codes codegen.Generator, orderPrefix string, returnPrefix string) *Builder {
	if codes == nil {
		codes = codegen.NewLocalGenerator()
	}
	if strings.TrimSpace(orderPrefix) == "" {
		orderPrefix = "ORD"
	}
	if strings.TrimSpace(returnPrefix) == "" {
		returnPrefix = "RET"
	}
	return &Builder{codes: codes, orderPrefix: orderPrefix, returnPrefix: returnPrefix}
}

func ValidateOrderRequest(req domain.CreateOrderRequest) error {
	if req.PartnerID < 1 {
		return store.Invalid("partner_id is required")
	}
	if req.WarehouseID < 1 {
		return store.Invalid("warehouse_id is required")
	}
	if len(req.Items) == 0 {
		return store.Invalid("order must contain at least one item")
	}
	if len(strings.TrimSpace(req.Code)) > maxCodeLength {
		return store.Invalid("code must be at most %d characters", maxCodeLength)
	}
	for i, item := range req.Items {
		if item.ProductID < 1 {
			return store.Invalid("items[%d].product_id is required", i)
		}
		if item.Quantity < 1 {
			return store.Invalid("items[%d].quantity must be at least 1", i)
		}
		if item.Price.IsNegative() {
			return store.Invalid("items[%d].price must not be negative", i)
		}
		if !money.Acceptable(item.Price) {
			return store.Invalid("items[%d].price must be below %s with at most %d decimals", i, money.Max, money.Scale)
		}
	}
	return nil
}

func ValidateReturnRequest(req domain.CreateReturnRequest) error {
	if req.OrderID < 1 {
		return store.Invalid("order_id is required")
	}
	if req.PartnerID < 1 {
		return store.Invalid("partner_id is required")
	}
	if len(req.Items) == 0 {
		return store.Invalid("return must contain at least one item")
	}
	if len(strings.TrimSpace(req.Code)) > maxCodeLength {
		return store.Invalid("code must be at most %d characters", maxCodeLength)
	}
	for i, item := range req.Items {
		if item.ProductID < 1 {
			return store.Invalid("items[%d].product_id is required", i)
		}
		if item.Quantity < 1 {
			return store.Invalid("items[%d].quantity must be at least 1", i)
		}
		if item.RefundPrice.IsNegative() {
			return store.Invalid("items[%d].refund_price must not be negative", i)
		}
		if !money.Acceptable(item.RefundPrice) {
			return store.Invalid("items[%d].refund_price must be below %s with at most %d decimals", i, money.Max, money.Scale)
		}
	}
	return nil
}

// BuildOrder produces the order header and items. Items keep the request order.
func (b *Builder) BuildOrder(ctx context.Context, tx OrderTx, req domain.CreateOrderRequest) (*domain.Order, error) {
	if err := ValidateOrderRequest(req); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := resolveProducts(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		PartnerID:   req.PartnerID,
		WarehouseID: req.WarehouseID,
		StaffID:     req.StaffID,
		PaidAmount:  money.Zero,
		Status:      domain.OrderStatusCompleted,
		Note:        strings.TrimSpace(req.Note),
		Items:       make([]domain.OrderItem, 0, len(req.Items)),
	}
	total := money.Zero
	for _, line := range req.Items {
		product := products[line.ProductID]
		item := domain.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			ProductSKU:  product.SKU,
			Quantity:    line.Quantity,
			Price:       money.Normalize(line.Price),
			Discount:    money.Zero,
		}
		total = total.Add(item.LineTotal())
		order.Items = append(order.Items, item)
	}
	if !money.Acceptable(total) {
		return nil, store.Invalid("order total %s exceeds %s", money.Format(total), money.Max)
	}
	order.TotalAmount = total
	order.FinalAmount = total

	code, err := b.resolveCode(ctx, req.Code, b.orderPrefix, "order", tx.OrderCodeExists)
	if err != nil {
		return nil, err
	}
	order.Code = code
	return order, nil
}

// BuildReturn produces the return header and items against the locked
// original order. Stock goes back to the warehouse the order shipped from.
func (b *Builder) BuildReturn(ctx context.Context, tx ReturnTx, req domain.CreateReturnRequest, order *domain.Order) (*domain.Return, error) {
	if err := ValidateReturnRequest(req); err != nil {
		return nil, err
	}
	if order == nil {
		return nil, store.NotFound("order", req.OrderID)
	}
	if order.PartnerID != req.PartnerID {
		return nil, store.Invalid("order %s does not belong to partner %d", order.Code, req.PartnerID)
	}

	ordered := make(map[int64]int64, len(order.Items))
	unitPrice := make(map[int64]decimal.Decimal, len(order.Items))
	for _, item := range order.Items {
		ordered[item.ProductID] += item.Quantity
		if current, ok := unitPrice[item.ProductID]; !ok || item.Price.GreaterThan(current) {
			unitPrice[item.ProductID] = item.Price
		}
	}
	returned, err := tx.ReturnedQuantities(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	requested := make(map[int64]int64, len(req.Items))
	ids := make([]int64, 0, len(req.Items))
	for _, item := range req.Items {
		requested[item.ProductID] += item.Quantity
		ids = append(ids, item.ProductID)
	}
	products, err := resolveProducts(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for _, productID := range sortedKeys(requested) {
		if _, ok := ordered[productID]; !ok {
			return nil, store.Invalid("product %d is not part of order %s", productID, order.Code)
		}
		remaining := ordered[productID] - returned[productID]
		if requested[productID] > remaining {
			return nil, store.Invalid("cannot return %d of product %d: %d remaining on order %s",
				requested[productID], productID, remaining, order.Code)
		}
	}

	ret := &domain.Return{
		OrderID:     order.ID,
		PartnerID:   req.PartnerID,
		WarehouseID: order.WarehouseID,
		StaffID:     req.StaffID,
		Reason:      strings.TrimSpace(req.Reason),
		Status:      domain.ReturnStatusCompleted,
		Items:       make([]domain.ReturnItem, 0, len(req.Items)),
	}
	total := money.Zero
	for _, line := range req.Items {
		product := products[line.ProductID]
		item := domain.ReturnItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			ProductSKU:  product.SKU,
			Quantity:    line.Quantity,
			RefundPrice: money.Normalize(line.RefundPrice),
		}
		// A refund never pays out more per unit than the order charged.
		if item.RefundPrice.GreaterThan(unitPrice[product.ID]) {
			return nil, store.Invalid("refund_price %s for product %d exceeds the ordered price %s on order %s",
				money.Format(item.RefundPrice), product.ID, money.Format(unitPrice[product.ID]), order.Code)
		}
		total = total.Add(item.LineTotal())
		ret.Items = append(ret.Items, item)
	}
	ret.TotalRefund = total

	code, err := b.resolveCode(ctx, req.Code, b.returnPrefix, "return", tx.ReturnCodeExists)
	if err != nil {
		return nil, err
	}
	ret.Code = code
	return ret, nil
}

func (b *Builder) resolveCode(ctx context.Context, requested string, prefix string, entity string, exists func(context.Context, string) (bool, error)) (string, error) {
	code := strings.TrimSpace(requested)
	if code == "" {
		generated, err := b.codes.Next(ctx, prefix)
		if err != nil {
			return "", err
		}
		code = generated
	}
	taken, err := exists(ctx, code)
	if err != nil {
		return "", err
	}
	if taken {
		return "", store.Conflict("%s code %q already exists", entity, code)
	}
	return code, nil
}

func resolveProducts(ctx context.Context, lookup ProductLookup, ids []int64) (map[int64]domain.Product, error) {
	unique := uniqueIDs(ids)
	products, err := lookup.GetProducts(ctx, unique)
	if err != nil {
		return nil, err
	}
	for _, id := range unique {
		if _, ok := products[id]; !ok {
			return nil, store.NotFound("product", id)
		}
	}
	return products, nil
}

func uniqueIDs(ids []int64) []int64 {
	set := make(map[int64]int64, len(ids))
	for _, id := range ids {
		set[id] = 0
	}
	return sortedKeys(set)
}

func sortedKeys(m map[int64]int64) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
