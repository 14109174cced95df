package store

import (
	"context"

	"github.com/shopspring/decimal"

	"inventra/backend/internal/domain"
)

// Repository is the persistent store. Every sale or return mutation goes
// through a Tx obtained from Begin; the remaining methods are reads and
// out-of-band administration used by seeding and tests.
type Repository interface {
	Begin(ctx context.Context) (Tx, error)

	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	GetPartner(ctx context.Context, id int64) (*domain.Partner, error)
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	GetOrderByCode(ctx context.Context, code string) (*domain.Order, error)
	GetReturn(ctx context.Context, id int64) (*domain.Return, error)
	GetStock(ctx context.Context, productID int64, warehouseID int64) (int64, error)
	SetStock(ctx context.Context, productID int64, warehouseID int64, qty int64) error
	ListAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error

	Close() error
}

// Tx is one atomic unit of work. Lock* methods hold the row until Commit or
// Rollback. Rollback after Commit is a no-op so callers can defer it.
type Tx interface {
	// InsertPartner assigns ID and UpdatedAt; a taken code fails with ErrConflict.
	InsertPartner(ctx context.Context, partner *domain.Partner) error
	LockPartner(ctx context.Context, id int64) (*domain.Partner, error)
	AddPartnerBalance(ctx context.Context, id int64, debtDelta decimal.Decimal, revenueDelta decimal.Decimal) error
	SetPartnerStatus(ctx context.Context, id int64, status string) (*domain.Partner, error)

	GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	// InsertProduct assigns ID and UpdatedAt; a taken sku fails with ErrConflict.
	InsertProduct(ctx context.Context, product *domain.Product) error
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// LockStock returns the locked quantity; an absent record reads as zero.
	LockStock(ctx context.Context, productID int64, warehouseID int64) (int64, error)
	// AdjustStock applies delta to the record, creating it when absent.
	// A delta that would drive the quantity below zero fails with ErrInsufficientStock.
	AdjustStock(ctx context.Context, productID int64, warehouseID int64, delta int64) error

	OrderCodeExists(ctx context.Context, code string) (bool, error)
	InsertOrder(ctx context.Context, order *domain.Order) error
	LockOrder(ctx context.Context, id int64) (*domain.Order, error)
	SetOrderStatus(ctx context.Context, id int64, status string) error

	ReturnCodeExists(ctx context.Context, code string) (bool, error)
	ReturnedQuantities(ctx context.Context, orderID int64) (map[int64]int64, error)
	InsertReturn(ctx context.Context, ret *domain.Return) error

	AppendAudit(ctx context.Context, entry domain.AuditEntry) error

	Commit() error
	Rollback() error
}
