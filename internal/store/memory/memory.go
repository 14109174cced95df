package memory

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"inventra/backend/internal/domain"
	"inventra/backend/internal/store"
)

type stockKey struct {
	productID   int64
	warehouseID int64
}

// Store keeps everything in process memory. Units of work are serialized:
// Begin holds the store until Commit or Rollback, and reads wait for it too,
// so no caller ever observes a half-applied unit.
type Store struct {
	sem chan struct{}

	products    map[int64]domain.Product
	partners    map[int64]domain.Partner
	inventory   map[stockKey]int64
	orders      map[int64]*domain.Order
	orderCodes  map[string]int64
	returns     map[int64]*domain.Return
	returnCodes map[string]int64
	auditLogs   []domain.AuditEntry
	users       map[string]domain.UserAccount

	nextOrderID      int64
	nextOrderItemID  int64
	nextReturnID     int64
	nextReturnItemID int64

	faultsMu sync.Mutex
	faults   map[string]error
}

func New() *Store {
	return &Store{
		sem:         make(chan struct{}, 1),
		products:    make(map[int64]domain.Product),
		partners:    make(map[int64]domain.Partner),
		inventory:   make(map[stockKey]int64),
		orders:      make(map[int64]*domain.Order),
		orderCodes:  make(map[string]int64),
		returns:     make(map[int64]*domain.Return),
		returnCodes: make(map[string]int64),
		users:       make(map[string]domain.UserAccount),
		faults:      make(map[string]error),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from SEED_*_PASSWORD
// and fall back to fixed dev values with a warning.
func seedUsers() map[string]domain.UserAccount {
	defaults := []struct {
		username string
		envKey   string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"sale", "SEED_SALE_PASSWORD", "sale123", domain.RoleSale},
		{"warehouse", "SEED_WAREHOUSE_PASSWORD", "warehouse123", domain.RoleWarehouse},
		{"accountant", "SEED_ACCOUNTANT_PASSWORD", "accountant123", domain.RoleAccountant},
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, len(defaults))
	usingDefaults := false
	for _, u := range defaults {
		password := os.Getenv(u.envKey)
		if password == "" {
			password = u.fallback
			usingDefaults = true
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			ID:        uuid.NewString(),
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	if usingDefaults {
		zap.L().Warn("memory store is using default dev credentials; set SEED_*_PASSWORD to override")
	}
	return users
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	for _, p := range []domain.Product{
		{ID: 1, SKU: "SKU-STEEL-BOX-40", Name: "Steel box 40x40", Price: decimal.NewFromInt(185000)},
		{ID: 2, SKU: "SKU-CEMENT-50", Name: "Cement bag 50kg", Price: decimal.NewFromInt(92000)},
		{ID: 3, SKU: "SKU-PAINT-5L", Name: "Exterior paint 5L", Price: decimal.NewFromInt(640000)},
		{ID: 4, SKU: "SKU-WIRE-2.5", Name: "Copper wire 2.5mm", Price: decimal.RequireFromString("12500.50")},
		{ID: 42, SKU: "SKU-PVC-21", Name: "PVC pipe 21mm", Price: decimal.NewFromInt(100)},
	} {
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	for _, p := range []domain.Partner{
		{ID: 1, Code: "KH001", Name: "An Phat Trading", Status: domain.PartnerStatusActive, DebtLimit: decimal.NewFromInt(10000000)},
		{ID: 2, Code: "KH002", Name: "Binh Minh Construction", Status: domain.PartnerStatusLocked, DebtLimit: decimal.NewFromInt(10000000)},
		{ID: 3, Code: "KH003", Name: "Cuong Thinh Hardware", Status: domain.PartnerStatusActive, CurrentDebt: decimal.NewFromInt(900000), DebtLimit: decimal.NewFromInt(1000000), TotalRevenue: decimal.NewFromInt(900000)},
	} {
		p.UpdatedAt = now
		s.partners[p.ID] = p
	}

	for key, qty := range map[stockKey]int64{
		{productID: 1, warehouseID: 1}:  50,
		{productID: 2, warehouseID: 1}:  120,
		{productID: 3, warehouseID: 1}:  10,
		{productID: 4, warehouseID: 1}:  300,
		{productID: 42, warehouseID: 1}: 5,
		{productID: 1, warehouseID: 2}:  20,
	} {
		s.inventory[key] = qty
	}

	s.users = seedUsers()
	return s
}

// PutProduct inserts or replaces a product outside any unit of work.
func (s *Store) PutProduct(product domain.Product) {
	s.sem <- struct{}{}
	defer s.release()
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	s.products[product.ID] = product
}

// PutPartner inserts or replaces a partner outside any unit of work.
func (s *Store) PutPartner(partner domain.Partner) {
	s.sem <- struct{}{}
	defer s.release()
	if partner.Status == "" {
		partner.Status = domain.PartnerStatusActive
	}
	if partner.UpdatedAt.IsZero() {
		partner.UpdatedAt = time.Now().UTC()
	}
	s.partners[partner.ID] = partner
}

// FailOn makes the named Tx operation (e.g. "AppendAudit", "Commit") return
// err until cleared with a nil err.
func (s *Store) FailOn(operation string, err error) {
	s.faultsMu.Lock()
	defer s.faultsMu.Unlock()
	if err == nil {
		delete(s.faults, operation)
		return
	}
	s.faults[operation] = err
}

func (s *Store) fault(operation string) error {
	s.faultsMu.Lock()
	defer s.faultsMu.Unlock()
	return s.faults[operation]
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() {
	<-s.sem
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return &memTx{s: s}, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	product, ok := s.products[id]
	if !ok {
		return nil, store.NotFound("product", id)
	}
	return &product, nil
}

func (s *Store) GetPartner(ctx context.Context, id int64) (*domain.Partner, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	partner, ok := s.partners[id]
	if !ok {
		return nil, store.NotFound("partner", id)
	}
	return &partner, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.NotFound("order", id)
	}
	return cloneOrder(order), nil
}

func (s *Store) GetOrderByCode(ctx context.Context, code string) (*domain.Order, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	id, ok := s.orderCodes[code]
	if !ok {
		return nil, store.NotFound("order", code)
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Store) GetReturn(ctx context.Context, id int64) (*domain.Return, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	ret, ok := s.returns[id]
	if !ok {
		return nil, store.NotFound("return", id)
	}
	return cloneReturn(ret), nil
}

func (s *Store) GetStock(ctx context.Context, productID int64, warehouseID int64) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()
	return s.inventory[stockKey{productID: productID, warehouseID: warehouseID}], nil
}

func (s *Store) SetStock(ctx context.Context, productID int64, warehouseID int64, qty int64) error {
	if qty < 0 {
		return store.Invalid("stock quantity must not be negative")
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.inventory[stockKey{productID: productID, warehouseID: warehouseID}] = qty
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	if limit <= 0 || limit > len(s.auditLogs) {
		limit = len(s.auditLogs)
	}
	result := make([]domain.AuditEntry, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.auditLogs[i])
	}
	return result, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if _, exists := s.users[user.Username]; exists {
		return store.Conflict("username %q already exists", user.Username)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	user, ok := s.users[username]
	if !ok {
		return store.NotFound("user", username)
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func cloneOrder(order *domain.Order) *domain.Order {
	if order == nil {
		return nil
	}
	copied := *order
	copied.Items = append([]domain.OrderItem(nil), order.Items...)
	return &copied
}

func cloneReturn(ret *domain.Return) *domain.Return {
	if ret == nil {
		return nil
	}
	copied := *ret
	copied.Items = append([]domain.ReturnItem(nil), ret.Items...)
	return &copied
}

func cloneDetails(details map[string]any) map[string]any {
	copied := make(map[string]any, len(details))
	for k, v := range details {
		copied[k] = v
	}
	return copied
}
