package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"inventra/backend/internal/domain"
	"inventra/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

//go:embed seed.sql
var seedSQL string

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 30
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 8
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and indexes. It is safe to run on every boot.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SeedDevData loads the development fixtures without touching existing rows.
func (s *Store) SeedDevData(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, seedSQL); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `SELECT id, sku, name, price, updated_at FROM products WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("product", id)
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetPartner(ctx context.Context, id int64) (*domain.Partner, error) {
	return getPartner(ctx, s.db, id, false)
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return getOrder(ctx, s.db, "id", id, false)
}

func (s *Store) GetOrderByCode(ctx context.Context, code string) (*domain.Order, error) {
	return getOrder(ctx, s.db, "code", code, false)
}

func (s *Store) GetReturn(ctx context.Context, id int64) (*domain.Return, error) {
	var ret domain.Return
	err := s.db.GetContext(ctx, &ret, `
		SELECT id, code, order_id, partner_id, warehouse_id, COALESCE(staff_id::text, '') AS staff_id,
		       total_refund, reason, status, created_at
		FROM returns
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("return", id)
		}
		return nil, err
	}

	err = s.db.SelectContext(ctx, &ret.Items, `
		SELECT id, return_id, product_id, product_name, product_sku, quantity, refund_price
		FROM return_items
		WHERE return_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

func (s *Store) GetStock(ctx context.Context, productID int64, warehouseID int64) (int64, error) {
	var qty int64
	err := s.db.GetContext(ctx, &qty, `
		SELECT COALESCE((SELECT quantity FROM inventory WHERE product_id = $1 AND warehouse_id = $2), 0)
	`, productID, warehouseID)
	return qty, err
}

func (s *Store) SetStock(ctx context.Context, productID int64, warehouseID int64, qty int64) error {
	if qty < 0 {
		return store.Invalid("stock quantity must not be negative")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (product_id, warehouse_id, quantity, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (product_id, warehouse_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
	`, productID, warehouseID, qty)
	return err
}

type auditRow struct {
	ID         string    `db:"id"`
	ActorID    string    `db:"actor_id"`
	ActorRole  string    `db:"actor_role"`
	Action     string    `db:"action"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Details    []byte    `db:"details"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *Store) ListAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id::text AS id, actor_id, actor_role, action, entity_type, entity_id, details, created_at
		FROM activity_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry := domain.AuditEntry{
			ID:         row.ID,
			ActorID:    row.ActorID,
			ActorRole:  row.ActorRole,
			Action:     row.Action,
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			CreatedAt:  row.CreatedAt,
		}
		if err := json.Unmarshal(row.Details, &entry.Details); err != nil {
			return nil, fmt.Errorf("decode audit details %s: %w", row.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, username, password, role, active, created_at)
		VALUES (:id, :username, :password, :role, :active, :created_at)
	`, user)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Conflict("username %q already exists", user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 8)
	err := s.db.SelectContext(ctx, &users, `
		SELECT id::text AS id, username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.NotFound("user", username)
	}
	return nil
}

// getPartner and getOrder serve both the pool and an open unit of work.
func getPartner(ctx context.Context, q sqlx.QueryerContext, id int64, forUpdate bool) (*domain.Partner, error) {
	query := `
		SELECT id, code, name, status, current_debt, debt_limit, total_revenue, updated_at
		FROM partners
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var partner domain.Partner
	if err := sqlx.GetContext(ctx, q, &partner, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("partner", id)
		}
		return nil, err
	}
	return &partner, nil
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, column string, value any, forUpdate bool) (*domain.Order, error) {
	query := fmt.Sprintf(`
		SELECT id, code, partner_id, warehouse_id, COALESCE(staff_id::text, '') AS staff_id,
		       total_amount, final_amount, paid_amount, status, note, created_at
		FROM orders
		WHERE %s = $1`, column)
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var order domain.Order
	if err := sqlx.GetContext(ctx, q, &order, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("order", value)
		}
		return nil, err
	}

	err := sqlx.SelectContext(ctx, q, &order.Items, `
		SELECT id, order_id, product_id, product_name, product_sku, quantity, price, discount
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, order.ID)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isForeignKeyViolation reports a reference to a missing row, e.g. an unknown warehouse.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
