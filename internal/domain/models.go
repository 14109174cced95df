package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin      = "admin"
	RoleAccountant = "accountant"
	RoleSale       = "sale"
	RoleWarehouse  = "warehouse"
)

const (
	PartnerStatusActive = "active"
	PartnerStatusLocked = "locked"
)

// DefaultPartnerDebtLimit applies when a partner is created without an explicit limit.
const DefaultPartnerDebtLimit = 10000000

const (
	OrderStatusCompleted = "completed"
	OrderStatusReturned  = "returned"

	ReturnStatusCompleted = "completed"
)

const (
	ActionCreateOrder         = "CREATE_ORDER"
	ActionCreateReturn        = "CREATE_RETURN"
	ActionUpdatePartnerStatus = "UPDATE_PARTNER_STATUS"
	ActionUpdateProduct       = "UPDATE_PRODUCT"
	ActionCreatePartner       = "CREATE_PARTNER"
	ActionCreateProduct       = "CREATE_PRODUCT"

	EntityOrders   = "orders"
	EntityReturns  = "returns"
	EntityPartners = "partners"
	EntityProducts = "products"
)

type Product struct {
	ID        int64           `json:"id" db:"id"`
	SKU       string          `json:"sku" db:"sku"`
	Name      string          `json:"name" db:"name"`
	Price     decimal.Decimal `json:"price" db:"price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// InventoryRecord is the quantity of one product held in one warehouse.
type InventoryRecord struct {
	ProductID   int64     `json:"product_id" db:"product_id"`
	WarehouseID int64     `json:"warehouse_id" db:"warehouse_id"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type Partner struct {
	ID           int64           `json:"id" db:"id"`
	Code         string          `json:"code" db:"code"`
	Name         string          `json:"name" db:"name"`
	Status       string          `json:"status" db:"status"`
	CurrentDebt  decimal.Decimal `json:"current_debt" db:"current_debt"`
	DebtLimit    decimal.Decimal `json:"debt_limit" db:"debt_limit"`
	TotalRevenue decimal.Decimal `json:"total_revenue" db:"total_revenue"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

func (p Partner) Locked() bool {
	return p.Status == PartnerStatusLocked
}

type Order struct {
	ID          int64           `json:"id" db:"id"`
	Code        string          `json:"code" db:"code"`
	PartnerID   int64           `json:"partner_id" db:"partner_id"`
	WarehouseID int64           `json:"warehouse_id" db:"warehouse_id"`
	StaffID     string          `json:"staff_id" db:"staff_id"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	FinalAmount decimal.Decimal `json:"final_amount" db:"final_amount"`
	PaidAmount  decimal.Decimal `json:"paid_amount" db:"paid_amount"`
	Status      string          `json:"status" db:"status"`
	Note        string          `json:"note,omitempty" db:"note"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	Items       []OrderItem     `json:"items" db:"-"`
}

type OrderItem struct {
	ID          int64           `json:"id" db:"id"`
	OrderID     int64           `json:"order_id" db:"order_id"`
	ProductID   int64           `json:"product_id" db:"product_id"`
	ProductName string          `json:"product_name" db:"product_name"`
	ProductSKU  string          `json:"product_sku" db:"product_sku"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Discount    decimal.Decimal `json:"discount" db:"discount"`
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(i.Quantity))
}

type Return struct {
	ID          int64           `json:"id" db:"id"`
	Code        string          `json:"code" db:"code"`
	OrderID     int64           `json:"order_id" db:"order_id"`
	PartnerID   int64           `json:"partner_id" db:"partner_id"`
	WarehouseID int64           `json:"warehouse_id" db:"warehouse_id"`
	StaffID     string          `json:"staff_id" db:"staff_id"`
	TotalRefund decimal.Decimal `json:"total_refund" db:"total_refund"`
	Reason      string          `json:"reason,omitempty" db:"reason"`
	Status      string          `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	Items       []ReturnItem    `json:"items" db:"-"`
}

type ReturnItem struct {
	ID          int64           `json:"id" db:"id"`
	ReturnID    int64           `json:"return_id" db:"return_id"`
	ProductID   int64           `json:"product_id" db:"product_id"`
	ProductName string          `json:"product_name" db:"product_name"`
	ProductSKU  string          `json:"product_sku" db:"product_sku"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	RefundPrice decimal.Decimal `json:"refund_price" db:"refund_price"`
}

func (i ReturnItem) LineTotal() decimal.Decimal {
	return i.RefundPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// AuditEntry is append-only. Details must serialize to a JSON object.
type AuditEntry struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	ActorRole  string         `json:"actor_role"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Details    map[string]any `json:"details"`
	CreatedAt  time.Time      `json:"created_at"`
}

type OrderLine struct {
	ProductID int64           `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type CreateOrderRequest struct {
	Code        string      `json:"code,omitempty"`
	PartnerID   int64       `json:"partner_id"`
	WarehouseID int64       `json:"warehouse_id"`
	StaffID     string      `json:"staff_id,omitempty"`
	Note        string      `json:"note,omitempty"`
	Items       []OrderLine `json:"items"`
}

type ReturnLine struct {
	ProductID   int64           `json:"product_id"`
	Quantity    int64           `json:"quantity"`
	RefundPrice decimal.Decimal `json:"refund_price"`
}

type CreateReturnRequest struct {
	Code      string       `json:"code"`
	OrderID   int64        `json:"order_id"`
	PartnerID int64        `json:"partner_id"`
	StaffID   string       `json:"staff_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Items     []ReturnLine `json:"items"`
}

type PartnerStatusRequest struct {
	Status string `json:"status"`
}

type CreatePartnerRequest struct {
	Code      string           `json:"code"`
	Name      string           `json:"name"`
	Status    string           `json:"status,omitempty"`
	DebtLimit *decimal.Decimal `json:"debt_limit,omitempty"`
}

// InitialStock seeds one inventory record when a product is created.
type InitialStock struct {
	WarehouseID int64 `json:"warehouse_id"`
	Quantity    int64 `json:"quantity"`
}

type CreateProductRequest struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Inventory []InitialStock  `json:"inventory,omitempty"`
}

type ProductUpdateRequest struct {
	SKU   *string          `json:"sku,omitempty"`
	Name  *string          `json:"name,omitempty"`
	Price *decimal.Decimal `json:"price,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated caller. ID is the staff uuid.
type Actor struct {
	ID       string
	Username string
	Role     string
}

type UserAccount struct {
	ID        string    `db:"id"`
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}
