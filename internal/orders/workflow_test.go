package orders_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
	"github.com/ariefcatur/bizhub-orders/internal/ledger"
	"github.com/ariefcatur/bizhub-orders/internal/memstore"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/ariefcatur/bizhub-orders/internal/orders/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *memstore.Store
	disp  *mocks.Dispatcher
	bc    *mocks.Broadcaster
	wf    *orders.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	store.PutUser(orders.User{ID: "admin-1", Username: "root", Email: "admin@bizhub.test", Role: orders.RoleAdmin})
	store.PutUser(orders.User{ID: "u1", Username: "wanjiku", Email: "wanjiku@example.com", Phone: "254700000001", Role: orders.RoleCustomer})

	disp := &mocks.Dispatcher{}
	bc := &mocks.Broadcaster{}
	wf, err := orders.NewWorkflow(orders.WorkflowParams{
		Store:       store,
		Ledger:      ledger.New(ledger.DefaultLowStockThreshold),
		Dispatcher:  disp,
		Broadcaster: bc,
		ServiceName: "order-api-test",
	})
	require.NoError(t, err)
	return &fixture{store: store, disp: disp, bc: bc, wf: wf}
}

func (f *fixture) product(id, name, price string, stock int) {
	f.store.PutProduct(orders.Product{ID: id, Name: name, Price: decimal.RequireFromString(price), StockLevel: stock})
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, ok := f.store.Product(id)
	require.True(t, ok)
	return p.StockLevel
}

func TestCreateOrder_SingleItem(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Maize Flour 2kg", "45.50", 10)

	res, err := f.wf.CreateOrder(context.Background(), orders.CreateOrderInput{
		UserID:        "u1",
		PaymentMethod: orders.MethodCash,
		Items:         []orders.ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	o := res.Order
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.True(t, decimal.RequireFromString("45.50").Equal(o.TotalAmount))
	require.Len(t, o.Items, 1)
	assert.True(t, decimal.RequireFromString("45.50").Equal(o.Items[0].Price))

	assert.Equal(t, 9, f.stock(t, "p1"))
	points := f.store.LoyaltyPoints()
	require.Len(t, points, 1)
	assert.Equal(t, int64(4), points[0].Points)
	assert.Equal(t, "u1", points[0].UserID)

	assert.Empty(t, f.store.Payments(), "cash orders get no payment record")
	assert.Empty(t, f.disp.Notifications())
	assert.Equal(t, []string{orders.EventOrderCreated}, f.bc.Types())
}

func TestCreateOrder_TotalFromAuthoritativePrices(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Sugar 1kg", "120.00", 50)
	f.product("p2", "Tea Leaves", "35.25", 50)

	res, err := f.wf.CreateOrder(context.Background(), orders.CreateOrderInput{
		UserID:        "u1",
		PaymentMethod: orders.MethodCard,
		Items: []orders.ItemInput{
			{ProductID: "p2", Quantity: 2},
			{ProductID: "p1", Quantity: 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "430.5", res.Order.TotalAmount.String())
	assert.Equal(t, "p2", res.Order.Items[0].ProductID, "items keep request order")
	assert.Equal(t, int64(43), f.store.LoyaltyPoints()[0].Points)
}

func TestCreateOrder_MobileMoneyCreatesPendingPayment(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Cooking Oil", "310.00", 20)

	res, err := f.wf.CreateOrder(context.Background(), orders.CreateOrderInput{
		UserID:        "u1",
		PaymentMethod: orders.PaymentMethod("MobileMoney"),
		Items:         []orders.ItemInput{{ProductID: "p1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, orders.MethodMobileMoney, res.Order.PaymentMethod)

	payments := f.store.Payments()
	require.Len(t, payments, 1)
	p := payments[0]
	assert.Equal(t, res.Order.ID, p.OrderID)
	assert.Equal(t, orders.PaymentPending, p.Status)
	assert.Empty(t, p.TransactionID)
	assert.True(t, res.Order.TotalAmount.Equal(p.Amount))
}

func TestCreateOrder_InsufficientStockIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Rice 5kg", "800.00", 10)
	f.product("p2", "Beans 1kg", "150.00", 1)

	_, err := f.wf.CreateOrder(context.Background(), orders.CreateOrderInput{
		UserID:        "u1",
		PaymentMethod: orders.MethodMobileMoney,
		Items: []orders.ItemInput{
			{ProductID: "p1", Quantity: 2},
			{ProductID: "p2", Quantity: 3},
		},
	})
	require.Error(t, err)
	typed := apperr.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, apperr.CodeInsufficientStock, typed.Code())
	assert.Equal(t, ledger.InsufficientStockDetail{ProductID: "p2", Requested: 3, Available: 1}, typed.Details())

	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.Equal(t, 1, f.stock(t, "p2"))
	assert.Empty(t, f.store.Orders())
	assert.Empty(t, f.store.Payments())
	assert.Empty(t, f.store.LoyaltyPoints())
	assert.Empty(t, f.store.Notifications())
	assert.Empty(t, f.bc.Types())
}

func TestCreateOrder_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Salt", "20.00", 10)

	cases := []struct {
		name string
		in   orders.CreateOrderInput
		code apperr.Code
	}{
		{
			name: "zero quantity",
			in:   orders.CreateOrderInput{UserID: "u1", PaymentMethod: orders.MethodCash, Items: []orders.ItemInput{{ProductID: "p1", Quantity: 0}}},
			code: apperr.CodeValidation,
		},
		{
			name: "negative quantity",
			in:   orders.CreateOrderInput{UserID: "u1", PaymentMethod: orders.MethodCash, Items: []orders.ItemInput{{ProductID: "p1", Quantity: -2}}},
			code: apperr.CodeValidation,
		},
		{
			name: "no items",
			in:   orders.CreateOrderInput{UserID: "u1", PaymentMethod: orders.MethodCash},
			code: apperr.CodeValidation,
		},
		{
			name: "unknown method",
			in:   orders.CreateOrderInput{UserID: "u1", PaymentMethod: "Barter", Items: []orders.ItemInput{{ProductID: "p1", Quantity: 1}}},
			code: apperr.CodeValidation,
		},
		{
			name: "unknown product",
			in:   orders.CreateOrderInput{UserID: "u1", PaymentMethod: orders.MethodCash, Items: []orders.ItemInput{{ProductID: "p1", Quantity: 1}, {ProductID: "ghost", Quantity: 1}}},
			code: apperr.CodeNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.wf.CreateOrder(context.Background(), tc.in)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.Empty(t, f.store.Orders())
}

func TestCreateOrder_LowStockNotifiesOncePerOrder(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Matches", "5.00", 3)

	_, err := f.wf.CreateOrder(context.Background(), orders.CreateOrderInput{
		UserID:        "u1",
		PaymentMethod: orders.MethodCash,
		// Same product on two lines still reserves once.
		Items: []orders.ItemInput{{ProductID: "p1", Quantity: 1}, {ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)

	stored := f.store.Notifications()
	require.Len(t, stored, 1)
	assert.Equal(t, orders.ChannelEmail, stored[0].Channel)
	assert.Equal(t, "admin-1", stored[0].UserID)
	assert.Equal(t, "admin@bizhub.test", stored[0].Recipient)
	assert.Equal(t, "Low stock alert: Matches has 1 units left.", stored[0].Message)

	sent := f.disp.Notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, stored[0].ID, sent[0].ID)
	assert.Equal(t, 1, f.stock(t, "p1"))
}

func TestCreateOrder_LowStockWithoutAdminIsSkipped(t *testing.T) {
	store := memstore.New()
	store.PutProduct(orders.Product{ID: "p1", Name: "Candles", Price: decimal.NewFromInt(10), StockLevel: 2})
	disp := &mocks.Dispatcher{}
	wf, err := orders.NewWorkflow(orders.WorkflowParams{
		Store:       store,
		Ledger:      ledger.New(5),
		Dispatcher:  disp,
		Broadcaster: &mocks.Broadcaster{},
	})
	require.NoError(t, err)

	_, err = wf.CreateOrder(context.Background(), orders.CreateOrderInput{
		UserID: "u1", PaymentMethod: orders.MethodCash,
		Items: []orders.ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Empty(t, store.Notifications())
	assert.Empty(t, disp.Notifications())
}

func TestCreateOrder_ExternalIDReplay(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Milk 500ml", "60.00", 10)
	in := orders.CreateOrderInput{
		UserID:        "u1",
		ExternalID:    "client-req-42",
		PaymentMethod: orders.MethodCash,
		Items:         []orders.ItemInput{{ProductID: "p1", Quantity: 2}},
	}

	first, err := f.wf.CreateOrder(context.Background(), in)
	require.NoError(t, err)
	second, err := f.wf.CreateOrder(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 8, f.stock(t, "p1"))
	assert.Len(t, f.store.LoyaltyPoints(), 1)
	assert.Len(t, f.bc.Types(), 1)

	in.UserID = "someone-else"
	_, err = f.wf.CreateOrder(context.Background(), in)
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict))
}

func TestCreateOrder_ConcurrentNeverOversells(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Flash Sale TV", "15000.00", 7)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		okUnits int
	)
	for i := 0; i < 30; i++ {
		qty := 1 + i%2
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.wf.CreateOrder(context.Background(), orders.CreateOrderInput{
				UserID: "u1", PaymentMethod: orders.MethodMobileMoney,
				Items: []orders.ItemInput{{ProductID: "p1", Quantity: qty}},
			})
			if err == nil {
				mu.Lock()
				okUnits += qty
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, okUnits, 7)
	assert.Equal(t, 7-okUnits, f.stock(t, "p1"))
	assert.Len(t, f.store.Payments(), len(f.store.Orders()))
	assert.Len(t, f.store.LoyaltyPoints(), len(f.store.Orders()))
}

func TestCreateOrder_BroadcastPayload(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Bread", "55.00", 30)

	res, err := f.wf.CreateOrder(context.Background(), orders.CreateOrderInput{
		UserID: "u1", PaymentMethod: orders.MethodCash,
		Items: []orders.ItemInput{{ProductID: "p1", Quantity: 2}},
	})
	require.NoError(t, err)

	require.Len(t, f.bc.Events, 1)
	ev := f.bc.Events[0]
	assert.Equal(t, res.Order.ID, ev.CorrelationID)
	assert.Equal(t, "order-api-test", ev.Producer)
	assert.Contains(t, ev.Message, res.Order.ID)

	var payload orders.OrderCreatedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "110", payload.TotalAmount.String())
	require.Len(t, payload.Items, 1)
	assert.Equal(t, 2, payload.Items[0].Quantity)
}

func TestCancelOrder_ReleasesStock(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Soap", "30.00", 10)
	f.product("p2", "Toothpaste", "90.00", 10)
	ctx := context.Background()

	res, err := f.wf.CreateOrder(ctx, orders.CreateOrderInput{
		UserID: "u1", PaymentMethod: orders.MethodMobileMoney,
		Items: []orders.ItemInput{{ProductID: "p1", Quantity: 4}, {ProductID: "p2", Quantity: 1}},
	})
	require.NoError(t, err)

	cancelled, err := f.wf.CancelOrder(ctx, "u1", res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, cancelled.Status)
	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.Equal(t, 10, f.stock(t, "p2"))

	pay, err := f.store.GetPaymentByOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentFailed, pay.Status)
	assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderCancelled}, f.bc.Types())

	_, err = f.wf.CancelOrder(ctx, "u1", res.Order.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeStateConflict))
	assert.Equal(t, 10, f.stock(t, "p1"), "second cancel must not release again")
}

func TestCancelOrder_RejectsOtherUsersAndInflightPayments(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Soap", "30.00", 10)
	ctx := context.Background()

	res, err := f.wf.CreateOrder(ctx, orders.CreateOrderInput{
		UserID: "u1", PaymentMethod: orders.MethodMobileMoney,
		Items: []orders.ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = f.wf.CancelOrder(ctx, "intruder", res.Order.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))

	require.NoError(t, f.store.WithTx(ctx, func(tx orders.Tx) error {
		p, err := tx.LockPaymentByOrder(ctx, res.Order.ID)
		if err != nil {
			return err
		}
		p.TransactionID = "ws_CO_inflight"
		return tx.UpdatePayment(ctx, p)
	}))
	_, err = f.wf.CancelOrder(ctx, "u1", res.Order.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeStateConflict))
	assert.Equal(t, 9, f.stock(t, "p1"))
}

func TestShipOrder_RequiresConfirmed(t *testing.T) {
	f := newFixture(t)
	f.product("p1", "Soap", "30.00", 10)
	ctx := context.Background()

	res, err := f.wf.CreateOrder(ctx, orders.CreateOrderInput{
		UserID: "u1", PaymentMethod: orders.MethodCash,
		Items: []orders.ItemInput{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = f.wf.ShipOrder(ctx, res.Order.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeStateConflict))

	require.NoError(t, f.store.WithTx(ctx, func(tx orders.Tx) error {
		return tx.UpdateOrderStatus(ctx, res.Order.ID, orders.StatusConfirmed)
	}))
	shipped, err := f.wf.ShipOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, shipped.Status)

	_, err = f.wf.ShipOrder(ctx, "missing")
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestNewWorkflowRequiresCollaborators(t *testing.T) {
	_, err := orders.NewWorkflow(orders.WorkflowParams{})
	assert.Error(t, err)
}
