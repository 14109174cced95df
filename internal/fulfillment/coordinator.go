// Package fulfillment runs order creation and order returns as single atomic
// units of work against the store.
//
// Each flow is a fixed, ordered list of phases. Lock acquisition follows that
// order: partner row first, then (returns only) the original order row, then
// inventory records by ascending product id. Any phase failure, timeout or
// cancellation rolls the whole unit back.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inventra/backend/internal/aggregate"
	"inventra/backend/internal/domain"
	"inventra/backend/internal/inventory"
	"inventra/backend/internal/ledger"
	"inventra/backend/internal/metrics"
	"inventra/backend/internal/money"
	"inventra/backend/internal/store"
)

const (
	FlowOrder  = "order"
	FlowReturn = "return"

	defaultTimeout = 15 * time.Second
)

// Beginner opens units of work. store.Repository satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (store.Tx, error)
}

type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Coordinator struct {
	db      Beginner
	builder *aggregate.Builder
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(db Beginner, builder *aggregate.Builder, opts Options) *Coordinator {
	if builder == nil {
		builder = aggregate.NewBuilder(nil, "", "")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		db:      db,
		builder: builder,
		timeout: opts.Timeout,
		logger:  opts.Logger.Named("fulfillment"),
		metrics: opts.Metrics,
	}
}

type phase struct {
	name string
	run  func(ctx context.Context, u *unit) error
}

// unit carries the state threaded through one invocation's phases.
type unit struct {
	flow  string
	actor domain.Actor
	tx    store.Tx

	orderReq  domain.CreateOrderRequest
	returnReq domain.CreateReturnRequest

	partner  *domain.Partner
	original *domain.Order
	order    *domain.Order
	ret      *domain.Return
}

// CreateOrder validates credit and stock, then persists the order, its items,
// the partner balance change and the audit entry in one unit.
func (c *Coordinator) CreateOrder(ctx context.Context, actor domain.Actor, req domain.CreateOrderRequest) (*domain.Order, error) {
	if req.StaffID == "" {
		req.StaffID = actor.ID
	}
	if err := aggregate.ValidateOrderRequest(req); err != nil {
		return nil, err
	}

	u := &unit{flow: FlowOrder, actor: actor, orderReq: req}
	if err := c.execute(ctx, u, c.orderPhases()); err != nil {
		return nil, err
	}
	return u.order, nil
}

// CreateReturn releases stock back to the original order's warehouse, credits
// the partner and marks the order returned, all in one unit.
func (c *Coordinator) CreateReturn(ctx context.Context, actor domain.Actor, req domain.CreateReturnRequest) (*domain.Return, error) {
	if req.StaffID == "" {
		req.StaffID = actor.ID
	}
	if err := aggregate.ValidateReturnRequest(req); err != nil {
		return nil, err
	}

	u := &unit{flow: FlowReturn, actor: actor, returnReq: req}
	if err := c.execute(ctx, u, c.returnPhases()); err != nil {
		return nil, err
	}
	return u.ret, nil
}

func (c *Coordinator) orderPhases() []phase {
	return []phase{
		{"begin", c.begin},
		{"validate_partner", c.lockOrderPartner},
		{"build_aggregate", c.buildOrder},
		{"validate_credit", c.validateCredit},
		{"reserve_inventory", c.reserveInventory},
		{"persist", c.persistOrder},
		{"update_partner_balance", c.chargePartner},
		{"append_audit", c.auditOrder},
		{"commit", c.commit},
	}
}

func (c *Coordinator) returnPhases() []phase {
	return []phase{
		{"begin", c.begin},
		{"validate_partner", c.lockReturnPartner},
		{"load_order", c.lockOriginalOrder},
		{"build_aggregate", c.buildReturn},
		{"release_inventory", c.releaseInventory},
		{"persist", c.persistReturn},
		{"update_partner_balance", c.creditPartner},
		{"append_audit", c.auditReturn},
		{"commit", c.commit},
	}
}

func (c *Coordinator) execute(ctx context.Context, u *unit, phases []phase) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startedAt := time.Now()
	defer func() {
		if u.tx != nil {
			_ = u.tx.Rollback()
		}
	}()

	for _, p := range phases {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.abort(u, p.name, store.Internal(ctxErr), startedAt)
		}
		if runErr := p.run(ctx, u); runErr != nil {
			if p.name == "commit" {
				runErr = &store.InternalError{Err: fmt.Errorf("commit: %w", runErr)}
			} else if ctxErr := ctx.Err(); ctxErr != nil && store.KindOf(runErr) == store.KindInternal {
				runErr = store.Internal(ctxErr)
			}
			return c.abort(u, p.name, store.Internal(runErr), startedAt)
		}
	}

	c.metrics.RecordUnit(u.flow, "committed", time.Since(startedAt))
	return nil
}

func (c *Coordinator) abort(u *unit, phaseName string, err error, startedAt time.Time) error {
	if u.tx != nil {
		if rbErr := u.tx.Rollback(); rbErr != nil {
			c.logger.Error("rollback failed", zap.String("flow", u.flow), zap.String("phase", phaseName), zap.Error(rbErr))
		}
	}

	kind := store.KindOf(err)
	fields := []zap.Field{
		zap.String("flow", u.flow),
		zap.String("phase", phaseName),
		zap.String("kind", string(kind)),
		zap.String("actor_id", u.actor.ID),
		zap.Duration("elapsed", time.Since(startedAt)),
		zap.Error(err),
	}
	if kind == store.KindInternal {
		c.logger.Error("unit aborted", fields...)
	} else {
		c.logger.Warn("unit aborted", fields...)
	}
	c.metrics.RecordUnit(u.flow, string(kind), time.Since(startedAt))
	return err
}

func (c *Coordinator) begin(ctx context.Context, u *unit) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return err
	}
	u.tx = tx
	return nil
}

func (c *Coordinator) commit(_ context.Context, u *unit) error {
	if err := u.tx.Commit(); err != nil {
		return err
	}
	switch u.flow {
	case FlowOrder:
		c.logger.Info("order committed",
			zap.Int64("order_id", u.order.ID),
			zap.String("code", u.order.Code),
			zap.Int64("partner_id", u.order.PartnerID),
			zap.String("amount", money.Format(u.order.FinalAmount)))
	case FlowReturn:
		c.logger.Info("return committed",
			zap.Int64("return_id", u.ret.ID),
			zap.String("code", u.ret.Code),
			zap.Int64("order_id", u.ret.OrderID),
			zap.String("refund", money.Format(u.ret.TotalRefund)))
	}
	return nil
}

func (c *Coordinator) lockOrderPartner(ctx context.Context, u *unit) error {
	partner, err := u.tx.LockPartner(ctx, u.orderReq.PartnerID)
	if err != nil {
		return err
	}
	if partner.Locked() {
		return store.Forbidden("partner %s is locked", partner.Code)
	}
	u.partner = partner
	return nil
}

func (c *Coordinator) buildOrder(ctx context.Context, u *unit) error {
	order, err := c.builder.BuildOrder(ctx, u.tx, u.orderReq)
	if err != nil {
		return err
	}
	u.order = order
	return nil
}

func (c *Coordinator) validateCredit(_ context.Context, u *unit) error {
	return ledger.Check(*u.partner, u.order.FinalAmount)
}

func (c *Coordinator) reserveInventory(ctx context.Context, u *unit) error {
	lines := make([]inventory.Line, 0, len(u.order.Items))
	for _, item := range u.order.Items {
		lines = append(lines, inventory.Line{ProductID: item.ProductID, ProductName: item.ProductName, Quantity: item.Quantity})
	}
	return inventory.ReserveAll(ctx, u.tx, u.order.WarehouseID, lines)
}

func (c *Coordinator) persistOrder(ctx context.Context, u *unit) error {
	return u.tx.InsertOrder(ctx, u.order)
}

func (c *Coordinator) chargePartner(ctx context.Context, u *unit) error {
	return ledger.Charge(ctx, u.tx, u.partner.ID, u.order.FinalAmount)
}

func (c *Coordinator) auditOrder(ctx context.Context, u *unit) error {
	return u.tx.AppendAudit(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		ActorID:    u.actor.ID,
		ActorRole:  u.actor.Role,
		Action:     domain.ActionCreateOrder,
		EntityType: domain.EntityOrders,
		EntityID:   strconv.FormatInt(u.order.ID, 10),
		Details: map[string]any{
			"code":       u.order.Code,
			"amount":     money.Format(u.order.FinalAmount),
			"partner_id": u.order.PartnerID,
		},
	})
}

func (c *Coordinator) lockReturnPartner(ctx context.Context, u *unit) error {
	partner, err := u.tx.LockPartner(ctx, u.returnReq.PartnerID)
	if err != nil {
		return err
	}
	u.partner = partner
	return nil
}

func (c *Coordinator) lockOriginalOrder(ctx context.Context, u *unit) error {
	order, err := u.tx.LockOrder(ctx, u.returnReq.OrderID)
	if err != nil {
		return err
	}
	u.original = order
	return nil
}

func (c *Coordinator) buildReturn(ctx context.Context, u *unit) error {
	ret, err := c.builder.BuildReturn(ctx, u.tx, u.returnReq, u.original)
	if err != nil {
		return err
	}
	u.ret = ret
	return nil
}

func (c *Coordinator) releaseInventory(ctx context.Context, u *unit) error {
	lines := make([]inventory.Line, 0, len(u.ret.Items))
	for _, item := range u.ret.Items {
		lines = append(lines, inventory.Line{ProductID: item.ProductID, ProductName: item.ProductName, Quantity: item.Quantity})
	}
	return inventory.ReleaseAll(ctx, u.tx, u.ret.WarehouseID, lines)
}

func (c *Coordinator) persistReturn(ctx context.Context, u *unit) error {
	return u.tx.InsertReturn(ctx, u.ret)
}

func (c *Coordinator) creditPartner(ctx context.Context, u *unit) error {
	if err := ledger.Credit(ctx, u.tx, u.partner.ID, u.ret.TotalRefund); err != nil {
		return err
	}
	if err := u.tx.SetOrderStatus(ctx, u.original.ID, domain.OrderStatusReturned); err != nil {
		return err
	}
	u.original.Status = domain.OrderStatusReturned
	return nil
}

func (c *Coordinator) auditReturn(ctx context.Context, u *unit) error {
	return u.tx.AppendAudit(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		ActorID:    u.actor.ID,
		ActorRole:  u.actor.Role,
		Action:     domain.ActionCreateReturn,
		EntityType: domain.EntityReturns,
		EntityID:   strconv.FormatInt(u.ret.ID, 10),
		Details: map[string]any{
			"code":       u.ret.Code,
			"amount":     money.Format(u.ret.TotalRefund),
			"partner_id": u.ret.PartnerID,
			"order_id":   u.ret.OrderID,
		},
	})
}

// IsTimeout reports whether err came from the unit running out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
