package service

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"inventra/backend/internal/domain"
	"inventra/backend/internal/fulfillment"
	"inventra/backend/internal/money"
	"inventra/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var (
	orderRoles         = []string{domain.RoleAdmin, domain.RoleSale}
	returnRoles        = []string{domain.RoleAdmin, domain.RoleSale, domain.RoleWarehouse}
	partnerStatusRoles = []string{domain.RoleAdmin}
	productEditRoles   = []string{domain.RoleAdmin, domain.RoleWarehouse}
	partnerCreateRoles = []string{domain.RoleAdmin, domain.RoleSale, domain.RoleAccountant}
)

const maxCodeLength = 64

type Service struct {
	repo        store.Repository
	coordinator *fulfillment.Coordinator
	logger      *zap.Logger
}

func New(repo store.Repository, coordinator *fulfillment.Coordinator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:        repo,
		coordinator: coordinator,
		logger:      logger.Named("service"),
	}
}

func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (*domain.Order, error) {
	actor, err := requireRole(ctx, orderRoles...)
	if err != nil {
		return nil, err
	}
	req.Code = strings.TrimSpace(req.Code)
	req.StaffID = strings.TrimSpace(req.StaffID)
	if req.StaffID != "" {
		if _, err := uuid.Parse(req.StaffID); err != nil {
			return nil, store.Invalid("staff_id must be a uuid")
		}
	}
	return s.coordinator.CreateOrder(ctx, actor, req)
}

func (s *Service) CreateReturn(ctx context.Context, req domain.CreateReturnRequest) (*domain.Return, error) {
	actor, err := requireRole(ctx, returnRoles...)
	if err != nil {
		return nil, err
	}
	req.Code = strings.TrimSpace(req.Code)
	req.StaffID = strings.TrimSpace(req.StaffID)
	if req.StaffID != "" {
		if _, err := uuid.Parse(req.StaffID); err != nil {
			return nil, store.Invalid("staff_id must be a uuid")
		}
	}
	return s.coordinator.CreateReturn(ctx, actor, req)
}

// CreatePartner registers a partner with zero debt and revenue. Without an
// explicit limit the partner gets DefaultPartnerDebtLimit.
func (s *Service) CreatePartner(ctx context.Context, req domain.CreatePartnerRequest) (*domain.Partner, error) {
	actor, err := requireRole(ctx, partnerCreateRoles...)
	if err != nil {
		return nil, err
	}

	partner := domain.Partner{
		Code:         strings.ToUpper(strings.TrimSpace(req.Code)),
		Name:         strings.TrimSpace(req.Name),
		Status:       strings.ToLower(strings.TrimSpace(req.Status)),
		CurrentDebt:  money.Zero,
		DebtLimit:    decimal.NewFromInt(domain.DefaultPartnerDebtLimit),
		TotalRevenue: money.Zero,
	}
	if partner.Code == "" || len(partner.Code) > maxCodeLength {
		return nil, store.Invalid("code is required and must be at most %d characters", maxCodeLength)
	}
	if partner.Name == "" {
		return nil, store.Invalid("name is required")
	}
	if partner.Status == "" {
		partner.Status = domain.PartnerStatusActive
	}
	if partner.Status != domain.PartnerStatusActive && partner.Status != domain.PartnerStatusLocked {
		return nil, store.Invalid("status must be %q or %q", domain.PartnerStatusActive, domain.PartnerStatusLocked)
	}
	if req.DebtLimit != nil {
		if !money.Acceptable(*req.DebtLimit) {
			return nil, store.Invalid("debt_limit must be between 0 and %s with at most %d decimals", money.Max, money.Scale)
		}
		partner.DebtLimit = money.Normalize(*req.DebtLimit)
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, store.Internal(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.InsertPartner(ctx, &partner); err != nil {
		return nil, store.Internal(err)
	}
	err = tx.AppendAudit(ctx, newAuditEntry(actor, domain.ActionCreatePartner, domain.EntityPartners, partner.ID, map[string]any{
		"code":       partner.Code,
		"name":       partner.Name,
		"status":     partner.Status,
		"debt_limit": money.Format(partner.DebtLimit),
	}))
	if err != nil {
		return nil, store.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, &store.InternalError{Err: err}
	}

	s.logger.Info("partner created",
		zap.Int64("partner_id", partner.ID),
		zap.String("code", partner.Code),
		zap.String("actor_id", actor.ID))
	return &partner, nil
}

// SetPartnerStatus locks or unlocks a partner. A locked partner cannot take
// new orders; returns against its existing orders still go through.
func (s *Service) SetPartnerStatus(ctx context.Context, partnerID int64, status string) (*domain.Partner, error) {
	actor, err := requireRole(ctx, partnerStatusRoles...)
	if err != nil {
		return nil, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status != domain.PartnerStatusActive && status != domain.PartnerStatusLocked {
		return nil, store.Invalid("status must be %q or %q", domain.PartnerStatusActive, domain.PartnerStatusLocked)
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, store.Internal(err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := tx.LockPartner(ctx, partnerID)
	if err != nil {
		return nil, store.Internal(err)
	}
	partner, err := tx.SetPartnerStatus(ctx, partnerID, status)
	if err != nil {
		return nil, store.Internal(err)
	}
	err = tx.AppendAudit(ctx, newAuditEntry(actor, domain.ActionUpdatePartnerStatus, domain.EntityPartners, partnerID, map[string]any{
		"code": partner.Code,
		"from": before.Status,
		"to":   partner.Status,
	}))
	if err != nil {
		return nil, store.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, &store.InternalError{Err: err}
	}

	s.logger.Info("partner status changed",
		zap.Int64("partner_id", partnerID),
		zap.String("from", before.Status),
		zap.String("to", partner.Status),
		zap.String("actor_id", actor.ID))
	return partner, nil
}

// CreateProduct inserts the product and its opening inventory records in one unit.
func (s *Service) CreateProduct(ctx context.Context, req domain.CreateProductRequest) (*domain.Product, error) {
	actor, err := requireRole(ctx, productEditRoles...)
	if err != nil {
		return nil, err
	}

	product := domain.Product{
		SKU:  strings.ToUpper(strings.TrimSpace(req.SKU)),
		Name: strings.TrimSpace(req.Name),
	}
	if product.SKU == "" || len(product.SKU) > maxCodeLength {
		return nil, store.Invalid("sku is required and must be at most %d characters", maxCodeLength)
	}
	if product.Name == "" {
		return nil, store.Invalid("name is required")
	}
	if !money.Acceptable(req.Price) {
		return nil, store.Invalid("price must be between 0 and %s with at most %d decimals", money.Max, money.Scale)
	}
	product.Price = money.Normalize(req.Price)

	stock := make([]domain.InitialStock, 0, len(req.Inventory))
	seen := make(map[int64]bool, len(req.Inventory))
	for i, entry := range req.Inventory {
		if entry.WarehouseID < 1 {
			return nil, store.Invalid("inventory[%d].warehouse_id is required", i)
		}
		if entry.Quantity < 0 {
			return nil, store.Invalid("inventory[%d].quantity must not be negative", i)
		}
		if seen[entry.WarehouseID] {
			return nil, store.Invalid("inventory lists warehouse %d more than once", entry.WarehouseID)
		}
		seen[entry.WarehouseID] = true
		stock = append(stock, entry)
	}
	sort.Slice(stock, func(i, j int) bool { return stock[i].WarehouseID < stock[j].WarehouseID })

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, store.Internal(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.InsertProduct(ctx, &product); err != nil {
		return nil, store.Internal(err)
	}
	opening := make([]map[string]any, 0, len(stock))
	for _, entry := range stock {
		if err := tx.AdjustStock(ctx, product.ID, entry.WarehouseID, entry.Quantity); err != nil {
			return nil, store.Internal(err)
		}
		opening = append(opening, map[string]any{"warehouse_id": entry.WarehouseID, "quantity": entry.Quantity})
	}
	err = tx.AppendAudit(ctx, newAuditEntry(actor, domain.ActionCreateProduct, domain.EntityProducts, product.ID, map[string]any{
		"sku":       product.SKU,
		"name":      product.Name,
		"price":     money.Format(product.Price),
		"inventory": opening,
	}))
	if err != nil {
		return nil, store.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, &store.InternalError{Err: err}
	}

	s.logger.Info("product created",
		zap.Int64("product_id", product.ID),
		zap.String("sku", product.SKU),
		zap.Int("warehouses", len(stock)),
		zap.String("actor_id", actor.ID))
	return &product, nil
}

// UpdateProduct renames, re-skus or reprices a product. Orders and returns
// keep the name and sku they were created with.
func (s *Service) UpdateProduct(ctx context.Context, productID int64, req domain.ProductUpdateRequest) (*domain.Product, error) {
	actor, err := requireRole(ctx, productEditRoles...)
	if err != nil {
		return nil, err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, store.Internal(err)
	}
	defer func() { _ = tx.Rollback() }()

	products, err := tx.GetProducts(ctx, []int64{productID})
	if err != nil {
		return nil, store.Internal(err)
	}
	product, ok := products[productID]
	if !ok {
		return nil, store.NotFound("product", productID)
	}

	changes := map[string]any{}
	if req.SKU != nil {
		sku := strings.ToUpper(strings.TrimSpace(*req.SKU))
		if sku == "" {
			return nil, store.Invalid("sku must not be empty")
		}
		changes["sku"] = map[string]any{"from": product.SKU, "to": sku}
		product.SKU = sku
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, store.Invalid("name must not be empty")
		}
		changes["name"] = map[string]any{"from": product.Name, "to": name}
		product.Name = name
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return nil, store.Invalid("price must not be negative")
		}
		if !money.Acceptable(*req.Price) {
			return nil, store.Invalid("price must be below %s with at most %d decimals", money.Max, money.Scale)
		}
		price := money.Normalize(*req.Price)
		changes["price"] = map[string]any{"from": money.Format(product.Price), "to": money.Format(price)}
		product.Price = price
	}
	if len(changes) == 0 {
		return nil, store.Invalid("nothing to update")
	}

	updated, err := tx.UpdateProduct(ctx, product)
	if err != nil {
		return nil, store.Internal(err)
	}
	if err := tx.AppendAudit(ctx, newAuditEntry(actor, domain.ActionUpdateProduct, domain.EntityProducts, productID, changes)); err != nil {
		return nil, store.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, &store.InternalError{Err: err}
	}
	return updated, nil
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, store.Forbidden("authenticated actor required")
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, store.Forbidden("role %q may not perform this action", actor.Role)
}

func newAuditEntry(actor domain.Actor, action string, entityType string, entityID int64, details map[string]any) domain.AuditEntry {
	return domain.AuditEntry{
		ID:         uuid.NewString(),
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   strconv.FormatInt(entityID, 10),
		Details:    details,
	}
}
