package fulfillment

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inventra/backend/internal/aggregate"
	"inventra/backend/internal/codegen"
	"inventra/backend/internal/domain"
	"inventra/backend/internal/metrics"
	"inventra/backend/internal/store"
	"inventra/backend/internal/store/memory"
)

var saleActor = domain.Actor{ID: "6f1c2d9e-1111-4c2b-9a51-3f0c5d7e8a90", Username: "sale", Role: domain.RoleSale}

func newCoordinator(t *testing.T) (*Coordinator, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	builder := aggregate.NewBuilder(codegen.NewLocalGenerator(), "ORD", "RET")
	c := New(repo, builder, Options{
		Timeout: 5 * time.Second,
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics.New(),
	})
	return c, repo
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func stockOf(t *testing.T, repo *memory.Store, productID int64, warehouseID int64) int64 {
	t.Helper()
	qty, err := repo.GetStock(context.Background(), productID, warehouseID)
	require.NoError(t, err)
	return qty
}

func partnerOf(t *testing.T, repo *memory.Store, id int64) *domain.Partner {
	t.Helper()
	partner, err := repo.GetPartner(context.Background(), id)
	require.NoError(t, err)
	return partner
}

func auditCount(t *testing.T, repo *memory.Store) int {
	t.Helper()
	entries, err := repo.ListAuditEntries(context.Background(), 0)
	require.NoError(t, err)
	return len(entries)
}

func TestCreateOrderCommitsEveryEffect(t *testing.T) {
	c, repo := newCoordinator(t)
	ctx := context.Background()

	order, err := c.CreateOrder(ctx, saleActor, domain.CreateOrderRequest{
		PartnerID:   1,
		WarehouseID: 1,
		Note:        "deliver before noon",
		Items: []domain.OrderLine{
			{ProductID: 2, Quantity: 10, Price: dec("92000")},
			{ProductID: 1, Quantity: 2, Price: dec("185000.5")},
		},
	})
	require.NoError(t, err)

	assert.NotZero(t, order.ID)
	assert.NotEmpty(t, order.Code)
	assert.Equal(t, saleActor.ID, order.StaffID, "staff defaults to the acting user")
	assert.True(t, order.TotalAmount.Equal(dec("1290001")), "total %s", order.TotalAmount)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)

	assert.EqualValues(t, 110, stockOf(t, repo, 2, 1))
	assert.EqualValues(t, 48, stockOf(t, repo, 1, 1))

	partner := partnerOf(t, repo, 1)
	assert.True(t, partner.CurrentDebt.Equal(dec("1290001")))
	assert.True(t, partner.TotalRevenue.Equal(dec("1290001")))

	stored, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 2)
	assert.Equal(t, "Cement bag 50kg", stored.Items[0].ProductName)

	entries, err := repo.ListAuditEntries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionCreateOrder, entries[0].Action)
	assert.Equal(t, domain.EntityOrders, entries[0].EntityType)
	assert.Equal(t, strconv.FormatInt(order.ID, 10), entries[0].EntityID)
	assert.Equal(t, saleActor.ID, entries[0].ActorID)
	assert.Equal(t, order.Code, entries[0].Details["code"])
	assert.Equal(t, "1290001.00", entries[0].Details["amount"])
	assert.EqualValues(t, 1, entries[0].Details["partner_id"])
}

func TestCreateOrderInsufficientStockLeavesNoTrace(t *testing.T) {
	c, repo := newCoordinator(t)

	_, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
		PartnerID:   1,
		WarehouseID: 1,
		Items: []domain.OrderLine{
			{ProductID: 1, Quantity: 5, Price: dec("185000")},
			{ProductID: 3, Quantity: 11, Price: dec("640000")},
			{ProductID: 2, Quantity: 1, Price: dec("92000")},
		},
	})
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.EqualValues(t, 3, stockErr.ProductID)
	assert.Equal(t, "Exterior paint 5L", stockErr.ProductName)
	assert.EqualValues(t, 10, stockErr.Available)
	assert.EqualValues(t, 11, stockErr.Requested)

	assert.EqualValues(t, 50, stockOf(t, repo, 1, 1), "earlier reservation must be rolled back")
	assert.EqualValues(t, 10, stockOf(t, repo, 3, 1))
	assert.EqualValues(t, 120, stockOf(t, repo, 2, 1))
	assert.True(t, partnerOf(t, repo, 1).CurrentDebt.IsZero())
	assert.Zero(t, auditCount(t, repo))
}

func TestCreateOrderScenarioLimitExceeded(t *testing.T) {
	c, repo := newCoordinator(t)

	_, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
		PartnerID:   3,
		WarehouseID: 1,
		Items:       []domain.OrderLine{{ProductID: 2, Quantity: 2, Price: dec("100000")}},
	})
	var limitErr *store.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.True(t, limitErr.CurrentDebt.Equal(dec("900000")))
	assert.True(t, limitErr.Amount.Equal(dec("200000")))
	assert.True(t, limitErr.DebtLimit.Equal(dec("1000000")))

	assert.EqualValues(t, 120, stockOf(t, repo, 2, 1))
	assert.True(t, partnerOf(t, repo, 3).CurrentDebt.Equal(dec("900000")))
	assert.Zero(t, auditCount(t, repo))
}

func TestCreateOrderPartnerChecks(t *testing.T) {
	c, _ := newCoordinator(t)
	items := []domain.OrderLine{{ProductID: 1, Quantity: 1, Price: dec("1")}}

	_, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{PartnerID: 2, WarehouseID: 1, Items: items})
	assert.ErrorIs(t, err, store.ErrForbidden)

	_, err = c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{PartnerID: 99, WarehouseID: 1, Items: items})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
		PartnerID: 1, WarehouseID: 1,
		Items: []domain.OrderLine{{ProductID: 777, Quantity: 1, Price: dec("1")}},
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateOrderDuplicateCodeConflicts(t *testing.T) {
	c, repo := newCoordinator(t)
	req := domain.CreateOrderRequest{
		Code: "SO-2026-0001", PartnerID: 1, WarehouseID: 1,
		Items: []domain.OrderLine{{ProductID: 1, Quantity: 1, Price: dec("185000")}},
	}

	first, err := c.CreateOrder(context.Background(), saleActor, req)
	require.NoError(t, err)
	_, err = c.CreateOrder(context.Background(), saleActor, req)
	require.ErrorIs(t, err, store.ErrConflict)

	stored, err := repo.GetOrderByCode(context.Background(), "SO-2026-0001")
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.EqualValues(t, 49, stockOf(t, repo, 1, 1))
	assert.Equal(t, 1, auditCount(t, repo))
}

func TestCreateOrderAuditFailureRollsBack(t *testing.T) {
	c, repo := newCoordinator(t)
	repo.FailOn("AppendAudit", errors.New("audit table unavailable"))

	_, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
		Code: "SO-AUDIT", PartnerID: 1, WarehouseID: 1,
		Items: []domain.OrderLine{{ProductID: 1, Quantity: 1, Price: dec("185000")}},
	})
	require.ErrorIs(t, err, store.ErrInternal)

	assert.EqualValues(t, 50, stockOf(t, repo, 1, 1))
	assert.True(t, partnerOf(t, repo, 1).CurrentDebt.IsZero())
	_, err = repo.GetOrderByCode(context.Background(), "SO-AUDIT")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateOrderCommitFailureIsInternal(t *testing.T) {
	c, repo := newCoordinator(t)
	repo.FailOn("Commit", errors.New("connection reset by peer"))

	_, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
		PartnerID: 1, WarehouseID: 1,
		Items: []domain.OrderLine{{ProductID: 1, Quantity: 1, Price: dec("185000")}},
	})
	require.ErrorIs(t, err, store.ErrInternal)
	assert.Equal(t, store.KindInternal, store.KindOf(err))
	assert.EqualValues(t, 50, stockOf(t, repo, 1, 1))
	assert.Zero(t, auditCount(t, repo))
}

func TestCreateOrderCancelledContextRollsBack(t *testing.T) {
	c, repo := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CreateOrder(ctx, saleActor, domain.CreateOrderRequest{
		PartnerID: 1, WarehouseID: 1,
		Items: []domain.OrderLine{{ProductID: 1, Quantity: 1, Price: dec("185000")}},
	})
	require.ErrorIs(t, err, store.ErrInternal)
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 50, stockOf(t, repo, 1, 1))
}

func TestCreateOrderTimesOutWaitingForStore(t *testing.T) {
	repo := memory.NewSeeded()
	c := New(repo, nil, Options{Timeout: 30 * time.Millisecond})

	held, err := repo.Begin(context.Background())
	require.NoError(t, err)
	defer func() { _ = held.Rollback() }()

	_, err = c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
		PartnerID: 1, WarehouseID: 1,
		Items: []domain.OrderLine{{ProductID: 1, Quantity: 1, Price: dec("1")}},
	})
	require.ErrorIs(t, err, store.ErrInternal)
	assert.True(t, IsTimeout(err))
}

func TestCreateOrderRejectsMalformedRequestBeforeBegin(t *testing.T) {
	c, _ := newCoordinator(t)
	_, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{PartnerID: 1, WarehouseID: 1})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	c, repo := newCoordinator(t)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, qty := range []int64{3, 4} {
		wg.Add(1)
		go func(qty int64) {
			defer wg.Done()
			_, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
				PartnerID: 1, WarehouseID: 1,
				Items: []domain.OrderLine{{ProductID: 42, Quantity: qty, Price: dec("100")}},
			})
			results <- err
		}(qty)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)
	remaining := stockOf(t, repo, 42, 1)
	assert.Contains(t, []int64{1, 2}, remaining)
}

func TestConcurrentOrdersRespectCreditCeiling(t *testing.T) {
	c, repo := newCoordinator(t)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
				PartnerID: 3, WarehouseID: 1,
				Items: []domain.OrderLine{{ProductID: 4, Quantity: 1, Price: dec("30000")}},
			})
			if err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrLimitExceeded)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, committed)
	partner := partnerOf(t, repo, 3)
	assert.True(t, partner.CurrentDebt.LessThanOrEqual(partner.DebtLimit))
	assert.True(t, partner.CurrentDebt.Equal(dec("990000")))
	assert.EqualValues(t, 297, stockOf(t, repo, 4, 1))
}

func placeScenarioOrder(t *testing.T, c *Coordinator) *domain.Order {
	t.Helper()
	order, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
		PartnerID: 1, WarehouseID: 1,
		Items: []domain.OrderLine{{ProductID: 42, Quantity: 2, Price: dec("100")}},
	})
	require.NoError(t, err)
	return order
}

func TestCreateReturnScenario(t *testing.T) {
	c, repo := newCoordinator(t)
	order := placeScenarioOrder(t, c)
	require.EqualValues(t, 3, stockOf(t, repo, 42, 1))

	ret, err := c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{
		Code: "RT-0001", OrderID: order.ID, PartnerID: 1, Reason: "cracked on delivery",
		Items: []domain.ReturnLine{{ProductID: 42, Quantity: 2, RefundPrice: dec("100")}},
	})
	require.NoError(t, err)

	assert.True(t, ret.TotalRefund.Equal(dec("200")))
	assert.Equal(t, domain.ReturnStatusCompleted, ret.Status)
	assert.EqualValues(t, 5, stockOf(t, repo, 42, 1))

	stored, err := repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReturned, stored.Status)

	partner := partnerOf(t, repo, 1)
	assert.True(t, partner.CurrentDebt.IsZero(), "debt %s", partner.CurrentDebt)
	assert.True(t, partner.TotalRevenue.Equal(dec("200")), "revenue is not reversed")

	entries, err := repo.ListAuditEntries(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCreateReturn, entries[0].Action)
	assert.Equal(t, "200.00", entries[0].Details["amount"])
	assert.EqualValues(t, order.ID, entries[0].Details["order_id"])
}

func TestCreateReturnCannotExceedOrderedQuantity(t *testing.T) {
	c, repo := newCoordinator(t)
	order := placeScenarioOrder(t, c)
	line := []domain.ReturnLine{{ProductID: 42, Quantity: 1, RefundPrice: dec("100")}}

	_, err := c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{OrderID: order.ID, PartnerID: 1, Items: line})
	require.NoError(t, err)
	_, err = c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{OrderID: order.ID, PartnerID: 1, Items: line})
	require.NoError(t, err)
	_, err = c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{OrderID: order.ID, PartnerID: 1, Items: line})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	assert.EqualValues(t, 5, stockOf(t, repo, 42, 1))
}

func TestCreateReturnErrors(t *testing.T) {
	c, repo := newCoordinator(t)
	order := placeScenarioOrder(t, c)
	items := []domain.ReturnLine{{ProductID: 42, Quantity: 1, RefundPrice: dec("100")}}

	_, err := c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{OrderID: 999, PartnerID: 1, Items: items})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{OrderID: order.ID, PartnerID: 3, Items: items})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{Code: "RT-X", OrderID: order.ID, PartnerID: 1, Items: items})
	require.NoError(t, err)
	_, err = c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{Code: "RT-X", OrderID: order.ID, PartnerID: 1, Items: items})
	assert.ErrorIs(t, err, store.ErrConflict)

	assert.EqualValues(t, 4, stockOf(t, repo, 42, 1))
}

func TestCreateReturnAllowedForLockedPartner(t *testing.T) {
	c, repo := newCoordinator(t)
	order := placeScenarioOrder(t, c)
	partner := partnerOf(t, repo, 1)
	partner.Status = domain.PartnerStatusLocked
	repo.PutPartner(*partner)

	_, err := c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{
		OrderID: order.ID, PartnerID: 1,
		Items: []domain.ReturnLine{{ProductID: 42, Quantity: 2, RefundPrice: dec("100")}},
	})
	require.NoError(t, err)
}

func TestCreateReturnCommitFailureKeepsOrderCompleted(t *testing.T) {
	c, repo := newCoordinator(t)
	order := placeScenarioOrder(t, c)
	repo.FailOn("Commit", errors.New("lost connection"))

	_, err := c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{
		OrderID: order.ID, PartnerID: 1,
		Items: []domain.ReturnLine{{ProductID: 42, Quantity: 2, RefundPrice: dec("100")}},
	})
	require.ErrorIs(t, err, store.ErrInternal)

	repo.FailOn("Commit", nil)
	stored, err := repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, stored.Status)
	assert.EqualValues(t, 3, stockOf(t, repo, 42, 1))
	assert.True(t, partnerOf(t, repo, 1).CurrentDebt.Equal(dec("200")))
}

func TestCreateReturnRejectsRefundAboveOrderedPrice(t *testing.T) {
	c, repo := newCoordinator(t)
	order := placeScenarioOrder(t, c)
	before := auditCount(t, repo)

	_, err := c.CreateReturn(context.Background(), saleActor, domain.CreateReturnRequest{
		OrderID: order.ID, PartnerID: 1,
		Items: []domain.ReturnLine{{ProductID: 42, Quantity: 1, RefundPrice: dec("5000")}},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	assert.EqualValues(t, 3, stockOf(t, repo, 42, 1))
	assert.True(t, partnerOf(t, repo, 1).CurrentDebt.Equal(dec("200")))
	assert.Equal(t, before, auditCount(t, repo))
}

func TestCreateOrderRejectsOversizedPriceWithoutTouchingState(t *testing.T) {
	c, repo := newCoordinator(t)
	var price decimal.Decimal
	require.NoError(t, price.UnmarshalJSON([]byte("1e100000000")))

	done := make(chan error, 1)
	go func() {
		_, err := c.CreateOrder(context.Background(), saleActor, domain.CreateOrderRequest{
			PartnerID: 1, WarehouseID: 1,
			Items: []domain.OrderLine{{ProductID: 1, Quantity: 1, Price: price}},
		})
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	case <-time.After(2 * time.Second):
		t.Fatal("order with an oversized price did not return")
	}

	assert.EqualValues(t, 50, stockOf(t, repo, 1, 1))
	assert.True(t, partnerOf(t, repo, 1).CurrentDebt.IsZero())
}
