package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/events"
	"oeufmaster/backend/internal/store"
	"oeufmaster/backend/internal/store/memory"
)

type fixture struct {
	repo     *memory.Store
	recorder *events.Recorder
	ledger   *Coordinator
	clock    *steppingClock
}

// steppingClock advances by one second per call so sales get distinct
// timestamps.
type steppingClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(time.Second)
	return c.at
}

func newFixture(t *testing.T, levels domain.StockLevels) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.New(nil)
	_, err := repo.InitStock(ctx)
	require.NoError(t, err)
	if levels != nil {
		require.NoError(t, repo.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.GetStock(ctx); err != nil {
				return err
			}
			return tx.SetStock(ctx, levels)
		}))
	}

	clock := &steppingClock{at: time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC)}
	recorder := &events.Recorder{}
	return &fixture{
		repo:     repo,
		recorder: recorder,
		ledger:   NewCoordinator(repo, recorder, nil, WithClock(clock.Now)),
		clock:    clock,
	}
}

func (f *fixture) customer(t *testing.T, name string) *domain.Customer {
	t.Helper()
	customer, err := f.repo.CreateCustomer(context.Background(), domain.Customer{Name: name, Type: domain.CustomerReseller})
	require.NoError(t, err)
	return customer
}

func (f *fixture) stock(t *testing.T, grade domain.Grade) int {
	t.Helper()
	levels, err := f.repo.GetStock(context.Background())
	require.NoError(t, err)
	return levels.Available(grade)
}

func (f *fixture) debt(t *testing.T, customerID string) decimal.Decimal {
	t.Helper()
	customer, err := f.repo.GetCustomer(context.Background(), customerID)
	require.NoError(t, err)
	return customer.Debt
}

func price(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestCustomerLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeMedium: 50, domain.GradeLarge: 20})
	alice := f.customer(t, "Alice")

	first, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: alice.ID, Grade: domain.GradeMedium, Quantity: 2, UnitPrice: price(2500), Status: domain.Pending()})
	require.NoError(t, err)
	assert.Equal(t, "Alice", first.CustomerName, "empty name falls back to the customer's name")
	assert.True(t, first.TotalPrice.Equal(price(5000)))

	_, err = f.ledger.CreateSale(ctx, SaleInput{CustomerID: alice.ID, Grade: domain.GradeLarge, Quantity: 1, UnitPrice: price(3000), Status: domain.Pending()})
	require.NoError(t, err)

	assert.Equal(t, 48, f.stock(t, domain.GradeMedium))
	assert.Equal(t, 19, f.stock(t, domain.GradeLarge))
	assert.True(t, f.debt(t, alice.ID).Equal(price(8000)))

	allocation, err := f.ledger.RecordPayment(ctx, alice.ID, price(6000))
	require.NoError(t, err)
	assert.True(t, allocation.NewDebt.Equal(price(2000)))
	assert.True(t, f.debt(t, alice.ID).Equal(price(2000)))

	settled, err := f.repo.GetSale(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaid, settled.Status.State())

	open, err := f.repo.ListSales(ctx, store.SaleFilter{CustomerID: alice.ID, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.StatePartial, open[0].Status.State())
	assert.True(t, open[0].Outstanding().Equal(price(2000)))

	customer, err := f.repo.GetCustomer(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, customer.TotalPurchases.Equal(price(8000)))
	require.NotNil(t, customer.LastPurchaseAt)

	assert.Equal(t, []events.Type{events.SaleCreated, events.SaleCreated, events.PaymentRecorded}, f.recorder.Types())
}

func TestCreateSaleInsufficientStockChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeMedium: 50})
	bob := f.customer(t, "Bob")

	_, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: bob.ID, Grade: domain.GradeMedium, Quantity: 51, UnitPrice: price(2500), Status: domain.Pending()})

	var shortage *InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, 50, shortage.Available)
	assert.Equal(t, 50, f.stock(t, domain.GradeMedium))
	assert.True(t, f.debt(t, bob.ID).IsZero())

	sales, err := f.repo.ListSales(ctx, store.SaleFilter{})
	require.NoError(t, err)
	assert.Empty(t, sales)
	logs, err := f.repo.ListInventoryLogs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Empty(t, f.recorder.Types(), "no event for a rolled back sale")
}

func TestCreateSaleRequiresStockRecord(t *testing.T) {
	repo := memory.New(nil)
	coordinator := NewCoordinator(repo, nil, nil)

	_, err := coordinator.CreateSale(context.Background(), SaleInput{Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(100), Status: domain.Paid()})
	require.ErrorIs(t, err, store.ErrStockRecordMissing)

	levels, err := coordinator.InitializeStock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, levels.Available(domain.GradeSmall))
}

func TestCreateSaleWalkInAndUnknownCustomer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeSmall: 10})

	walkIn, err := f.ledger.CreateSale(ctx, SaleInput{Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(2000), Status: domain.Paid()})
	require.NoError(t, err)
	assert.Equal(t, domain.WalkInCustomerName, walkIn.CustomerName)
	assert.Empty(t, walkIn.CustomerID)

	ghost, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: "cust-gone", CustomerName: "Fatou", Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(2000), Status: domain.Pending()})
	require.NoError(t, err)
	assert.Equal(t, "Fatou", ghost.CustomerName)
	assert.Empty(t, ghost.CustomerID)
	assert.Equal(t, 8, f.stock(t, domain.GradeSmall))

	logs, err := f.repo.ListInventoryLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "Vente: Fatou", logs[0].Note)
	assert.Equal(t, ghost.ID, logs[0].SaleID)
}

func TestCreateSaleValidation(t *testing.T) {
	f := newFixture(t, domain.StockLevels{domain.GradeSmall: 10})
	ctx := context.Background()

	cases := map[string]SaleInput{
		"zero quantity":  {Grade: domain.GradeSmall, Quantity: 0, UnitPrice: price(1), Status: domain.Paid()},
		"bad grade":      {Grade: "XL", Quantity: 1, UnitPrice: price(1), Status: domain.Paid()},
		"negative price": {Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(-1), Status: domain.Paid()},
		"cancelled":      {Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(1), Status: domain.Cancelled()},
		"partial covers": {Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(1000), Status: domain.Partial(price(1000))},
		"sub-cent price": {Grade: domain.GradeSmall, Quantity: 1, UnitPrice: decimal.RequireFromString("10.001"), Status: domain.Paid()},
		"sub-cent paid":  {Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(1000), Status: domain.Partial(decimal.RequireFromString("0.004"))},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ledger.CreateSale(ctx, in)
			assert.ErrorIs(t, err, store.ErrInvalidTransaction)
		})
	}
	assert.Equal(t, 10, f.stock(t, domain.GradeSmall))
}

func TestPartialSaleChargesOutstandingOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeJumbo: 5})
	awa := f.customer(t, "Awa")

	_, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: awa.ID, Grade: domain.GradeJumbo, Quantity: 2, UnitPrice: price(4000), Status: domain.Partial(price(3000))})
	require.NoError(t, err)
	assert.True(t, f.debt(t, awa.ID).Equal(price(5000)))
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeLarge: 10})

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := f.ledger.CreateSale(ctx, SaleInput{Grade: domain.GradeLarge, Quantity: 6, UnitPrice: price(3000), Status: domain.Paid()})
				if IsRetryable(err) {
					continue
				}
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, ErrInsufficientStock)
				}
				return
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 4, f.stock(t, domain.GradeLarge))
}

func TestDeleteSaleRestoresStockAndDebt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeMedium: 30})
	moussa := f.customer(t, "Moussa")

	sale, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: moussa.ID, Grade: domain.GradeMedium, Quantity: 4, UnitPrice: price(2500), Status: domain.Partial(price(4000))})
	require.NoError(t, err)
	require.True(t, f.debt(t, moussa.ID).Equal(price(6000)))

	deleted, err := f.ledger.DeleteSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.ID, deleted.ID)

	assert.Equal(t, 30, f.stock(t, domain.GradeMedium))
	customer, err := f.repo.GetCustomer(ctx, moussa.ID)
	require.NoError(t, err)
	assert.True(t, customer.Debt.IsZero())
	assert.True(t, customer.TotalPurchases.IsZero())

	logs, err := f.repo.ListInventoryLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.MovementAdd, logs[0].Type)
	assert.Equal(t, "Annulation vente "+sale.ID, logs[0].Note)

	_, err = f.ledger.DeleteSale(ctx, sale.ID)
	require.ErrorIs(t, err, ErrSaleNotFound)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, []events.Type{events.SaleCreated, events.SaleDeleted}, f.recorder.Types())
}

func TestDeleteSaleWithoutStockRecordStillDeletes(t *testing.T) {
	ctx := context.Background()
	repo := memory.New(nil)
	coordinator := NewCoordinator(repo, nil, nil)

	require.NoError(t, repo.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSale(ctx, domain.Sale{
			ID:         "sale-orphan",
			Grade:      domain.GradeLarge,
			Quantity:   3,
			UnitPrice:  price(2000),
			TotalPrice: price(6000),
			Status:     domain.Paid(),
		})
	}))

	deleted, err := coordinator.DeleteSale(ctx, "sale-orphan")
	require.NoError(t, err)
	assert.Equal(t, "sale-orphan", deleted.ID)

	_, err = repo.GetSale(ctx, "sale-orphan")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = repo.GetStock(ctx)
	assert.ErrorIs(t, err, store.ErrStockRecordMissing, "no stock record is invented")
	logs, err := repo.ListInventoryLogs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestDeleteSaleFloorsCustomerTotals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeSmall: 5})
	customer := f.customer(t, "Ibrahima")

	sale, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: customer.ID, Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(2000), Status: domain.Pending()})
	require.NoError(t, err)

	// The customer paid outside the app and the debt was corrected by hand.
	require.NoError(t, f.repo.ApplyPaymentBatch(ctx, store.PaymentBatch{CustomerID: customer.ID, ExpectedDebt: price(2000), NewDebt: price(500)}))

	_, err = f.ledger.DeleteSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, f.debt(t, customer.ID).IsZero())
}

func TestUpdateSaleStatusMovesDebtByOutstandingDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeSmall: 10})
	awa := f.customer(t, "Awa")

	sale, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: awa.ID, Grade: domain.GradeSmall, Quantity: 2, UnitPrice: price(1500), Status: domain.Pending()})
	require.NoError(t, err)

	updated, err := f.ledger.UpdateSaleStatus(ctx, sale.ID, domain.Partial(price(1000)))
	require.NoError(t, err)
	assert.True(t, updated.TotalPrice.Equal(price(3000)))
	assert.True(t, f.debt(t, awa.ID).Equal(price(2000)))

	_, err = f.ledger.UpdateSaleStatus(ctx, sale.ID, domain.Paid())
	require.NoError(t, err)
	assert.True(t, f.debt(t, awa.ID).IsZero())

	_, err = f.ledger.UpdateSaleStatus(ctx, sale.ID, domain.Partial(price(5000)))
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = f.ledger.UpdateSaleStatus(ctx, "sale-missing", domain.Paid())
	assert.ErrorIs(t, err, ErrSaleNotFound)
}

func TestAdjustStockClampsManualRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeJumbo: 3})

	added, err := f.ledger.AdjustStock(ctx, StockAdjustment{Grade: domain.GradeJumbo, Direction: domain.MovementAdd, Amount: 7})
	require.NoError(t, err)
	assert.Equal(t, 10, added.Quantity)
	assert.Equal(t, "Ajout manuel", added.Log.Note)

	removed, err := f.ledger.AdjustStock(ctx, StockAdjustment{Grade: domain.GradeJumbo, Direction: domain.MovementRemove, Amount: 25, Note: "Casse"})
	require.NoError(t, err)
	assert.Equal(t, 0, removed.Quantity)
	assert.Equal(t, 10, removed.Log.Quantity)
	assert.Equal(t, 0, f.stock(t, domain.GradeJumbo))

	_, err = f.ledger.AdjustStock(ctx, StockAdjustment{Grade: domain.GradeJumbo, Direction: domain.MovementAdjustment, Amount: 1})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	_, err = f.ledger.AdjustStock(ctx, StockAdjustment{Grade: domain.GradeJumbo, Direction: domain.MovementAdd, Amount: 0})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	counted, err := f.ledger.CountStock(ctx, domain.GradeJumbo, 6, "Inventaire du soir")
	require.NoError(t, err)
	assert.Equal(t, domain.MovementAdjustment, counted.Log.Type)
	assert.Equal(t, 6, f.stock(t, domain.GradeJumbo))

	logs, err := f.repo.ListInventoryLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestAdjustStockWithoutRecordFails(t *testing.T) {
	coordinator := NewCoordinator(memory.New(nil), nil, nil)
	_, err := coordinator.AdjustStock(context.Background(), StockAdjustment{Grade: domain.GradeSmall, Direction: domain.MovementAdd, Amount: 1})
	assert.ErrorIs(t, err, store.ErrStockRecordMissing)
}

func TestRecordPaymentAllocatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeMedium: 100})
	client := f.customer(t, "Restaurant Teranga")

	var ids []string
	for _, total := range []int64{1000, 2000, 3000} {
		sale, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: client.ID, Grade: domain.GradeMedium, Quantity: 1, UnitPrice: price(total), Status: domain.Pending()})
		require.NoError(t, err)
		ids = append(ids, sale.ID)
	}

	allocation, err := f.ledger.RecordPayment(ctx, client.ID, price(3500))
	require.NoError(t, err)
	assert.True(t, allocation.PreviousDebt.Equal(price(6000)))
	assert.True(t, allocation.NewDebt.Equal(price(2500)))

	statuses := map[string]domain.PaymentStatus{}
	for _, id := range ids {
		sale, err := f.repo.GetSale(ctx, id)
		require.NoError(t, err)
		statuses[id] = sale.Status
	}
	assert.Equal(t, domain.StatePaid, statuses[ids[0]].State())
	assert.Equal(t, domain.StatePaid, statuses[ids[1]].State())
	assert.Equal(t, domain.StatePartial, statuses[ids[2]].State())
	assert.True(t, statuses[ids[2]].PartialAmount().Equal(price(500)))
}

func TestRecordPaymentRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ledger.RecordPayment(ctx, "cust-none", price(100))
	assert.ErrorIs(t, err, ErrCustomerNotFound)

	customer := f.customer(t, "Awa")
	_, err = f.ledger.RecordPayment(ctx, customer.ID, decimal.Zero)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestSubCentAmountsNeverReachTheStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeSmall: 10})
	awa := f.customer(t, "Awa")

	sale, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: awa.ID, Grade: domain.GradeSmall, Quantity: 1, UnitPrice: decimal.RequireFromString("10.01"), Status: domain.Pending()})
	require.NoError(t, err)

	_, err = f.ledger.RecordPayment(ctx, awa.ID, decimal.RequireFromString("0.004"))
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = f.ledger.UpdateSaleStatus(ctx, sale.ID, domain.Partial(decimal.RequireFromString("5.005")))
	require.Error(t, err)

	stored, err := f.repo.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, stored.Status.State())
	assert.True(t, f.debt(t, awa.ID).Equal(decimal.RequireFromString("10.01")))

	allocation, err := f.ledger.RecordPayment(ctx, awa.ID, decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	require.Len(t, allocation.Sales, 1)
	assert.True(t, allocation.Sales[0].Status.PartialAmount().Equal(decimal.RequireFromString("0.01")))
}

// racingRepo commits a competing sale between the payment snapshot and the
// batch.
type racingRepo struct {
	*memory.Store
	race func()
	once sync.Once
}

func (r *racingRepo) ApplyPaymentBatch(ctx context.Context, batch store.PaymentBatch) error {
	r.once.Do(r.race)
	return r.Store.ApplyPaymentBatch(ctx, batch)
}

func TestRecordPaymentConflictsWithConcurrentSale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeSmall: 10})
	customer := f.customer(t, "Awa")
	_, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: customer.ID, Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(1000), Status: domain.Pending()})
	require.NoError(t, err)

	racing := &racingRepo{Store: f.repo}
	racing.race = func() {
		_, err := f.ledger.CreateSale(ctx, SaleInput{CustomerID: customer.ID, Grade: domain.GradeSmall, Quantity: 1, UnitPrice: price(2000), Status: domain.Pending()})
		require.NoError(t, err)
	}
	payments := NewCoordinator(racing, nil, nil)

	_, err = payments.RecordPayment(ctx, customer.ID, price(1000))
	require.ErrorIs(t, err, store.ErrTransactionConflict)
	assert.True(t, IsRetryable(err))
	assert.True(t, f.debt(t, customer.ID).Equal(price(3000)), "conflicting payment must not apply")

	_, err = payments.RecordPayment(ctx, customer.ID, price(1000))
	require.NoError(t, err)
	assert.True(t, f.debt(t, customer.ID).Equal(price(2000)))
}

func TestApproveIncomingOrderCreatesSaleAtomically(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeLarge: 5})

	order, err := f.repo.CreateIncomingOrder(ctx, domain.IncomingOrder{CustomerName: "Khady", CustomerPhone: "771234567", Grade: domain.GradeLarge, Quantity: 3})
	require.NoError(t, err)

	processed, sale, err := f.ledger.ApproveIncomingOrder(ctx, order.ID, OrderApproval{UnitPrice: price(2500), Status: domain.Paid()})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderProcessed, processed.Status)
	assert.Equal(t, sale.ID, processed.SaleID)
	require.NotNil(t, processed.ProcessedAt)
	assert.Equal(t, "Khady", sale.CustomerName)
	assert.Equal(t, 2, f.stock(t, domain.GradeLarge))

	_, _, err = f.ledger.ApproveIncomingOrder(ctx, order.ID, OrderApproval{UnitPrice: price(2500), Status: domain.Paid()})
	assert.ErrorIs(t, err, ErrOrderClosed)
	_, err = f.ledger.RejectIncomingOrder(ctx, order.ID)
	assert.ErrorIs(t, err, ErrOrderClosed)

	assert.Equal(t, []events.Type{events.SaleCreated, events.OrderProcessed}, f.recorder.Types())
}

func TestApproveIncomingOrderShortageLeavesOrderPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StockLevels{domain.GradeLarge: 1})

	order, err := f.repo.CreateIncomingOrder(ctx, domain.IncomingOrder{CustomerName: "Khady", Grade: domain.GradeLarge, Quantity: 3})
	require.NoError(t, err)

	_, _, err = f.ledger.ApproveIncomingOrder(ctx, order.ID, OrderApproval{UnitPrice: price(2500), Status: domain.Paid()})
	require.ErrorIs(t, err, ErrInsufficientStock)

	pending, err := f.repo.ListIncomingOrders(ctx, domain.OrderPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, order.ID, pending[0].ID)
	assert.Equal(t, 1, f.stock(t, domain.GradeLarge))

	rejected, err := f.ledger.RejectIncomingOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, rejected.Status)

	_, _, err = f.ledger.ApproveIncomingOrder(ctx, "order-missing", OrderApproval{UnitPrice: price(1), Status: domain.Paid()})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, events.Event) error { return errors.New("redis down") }

func TestPublishFailureDoesNotFailCommittedOperation(t *testing.T) {
	ctx := context.Background()
	repo := memory.New(nil)
	_, err := repo.InitStock(ctx)
	require.NoError(t, err)
	coordinator := NewCoordinator(repo, brokenPublisher{}, nil)

	movement, err := coordinator.AdjustStock(ctx, StockAdjustment{Grade: domain.GradeSmall, Direction: domain.MovementAdd, Amount: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, movement.Quantity)
}
