package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/store"
)

func newInitializedStore(t *testing.T) *Store {
	t.Helper()
	s := New(nil)
	_, err := s.InitStock(context.Background())
	require.NoError(t, err)
	return s
}

func TestGetStockMissingUntilInitialized(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	_, err := s.GetStock(ctx)
	require.ErrorIs(t, err, store.ErrStockRecordMissing)

	levels, err := s.InitStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.NewStockLevels(), levels)

	levels[domain.GradeSmall] = 99
	again, err := s.InitStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Available(domain.GradeSmall), "init must not reset or alias existing stock")
}

func TestRunTransactionCommitsAllWrites(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		levels, err := tx.GetStock(ctx)
		if err != nil {
			return err
		}
		levels[domain.GradeMedium] = 12
		if err := tx.SetStock(ctx, levels); err != nil {
			return err
		}
		if err := tx.CreateSale(ctx, domain.Sale{ID: "sale-1", Grade: domain.GradeMedium, Quantity: 1, Status: domain.Paid()}); err != nil {
			return err
		}
		return tx.AppendInventoryLog(ctx, domain.InventoryLog{ID: "log-1", Type: domain.MovementAdd, Grade: domain.GradeMedium, Quantity: 12})
	})
	require.NoError(t, err)

	levels, err := s.GetStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, levels.Available(domain.GradeMedium))

	_, err = s.GetSale(ctx, "sale-1")
	require.NoError(t, err)

	logs, err := s.ListInventoryLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRunTransactionDiscardsWritesOnError(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetStock(ctx); err != nil {
			return err
		}
		if err := tx.SetStock(ctx, domain.StockLevels{domain.GradeJumbo: 5}); err != nil {
			return err
		}
		if err := tx.CreateSale(ctx, domain.Sale{ID: "sale-x"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	levels, err := s.GetStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, levels.Available(domain.GradeJumbo))
	_, err = s.GetSale(ctx, "sale-x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunTransactionDetectsConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		levels, err := tx.GetStock(ctx)
		if err != nil {
			return err
		}

		// A competing writer commits after our read.
		competing := s.RunTransaction(ctx, func(ctx context.Context, other store.Tx) error {
			current, err := other.GetStock(ctx)
			if err != nil {
				return err
			}
			current[domain.GradeSmall] = 3
			return other.SetStock(ctx, current)
		})
		require.NoError(t, competing)

		levels[domain.GradeSmall] = 50
		return tx.SetStock(ctx, levels)
	})
	require.ErrorIs(t, err, store.ErrTransactionConflict)

	levels, err := s.GetStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, levels.Available(domain.GradeSmall), "losing transaction must not apply")
}

func TestRunTransactionRejectsReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.SetStock(ctx, domain.StockLevels{domain.GradeLarge: 4}); err != nil {
			return err
		}
		_, err := tx.GetCustomer(ctx, "cust-1")
		return err
	})
	require.ErrorIs(t, err, store.ErrReadAfterWrite)

	levels, err := s.GetStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, levels.Available(domain.GradeLarge))
}

func TestApplyPaymentBatchChecksExpectedDebt(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	customer, err := s.CreateCustomer(ctx, domain.Customer{Name: "Awa", Debt: decimal.NewFromInt(3000)})
	require.NoError(t, err)
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSale(ctx, domain.Sale{ID: "sale-1", CustomerID: customer.ID, TotalPrice: decimal.NewFromInt(3000), Status: domain.Pending()})
	}))

	stale := store.PaymentBatch{
		CustomerID:   customer.ID,
		ExpectedDebt: decimal.NewFromInt(1000),
		NewDebt:      decimal.Zero,
		Sales:        []store.SalePaymentUpdate{{SaleID: "sale-1", Status: domain.Paid()}},
	}
	require.ErrorIs(t, s.ApplyPaymentBatch(ctx, stale), store.ErrTransactionConflict)

	missingSale := stale
	missingSale.ExpectedDebt = decimal.NewFromInt(3000)
	missingSale.Sales = []store.SalePaymentUpdate{{SaleID: "sale-gone", Status: domain.Paid()}}
	require.ErrorIs(t, s.ApplyPaymentBatch(ctx, missingSale), store.ErrTransactionConflict)

	fresh := stale
	fresh.ExpectedDebt = decimal.NewFromInt(3000)
	require.NoError(t, s.ApplyPaymentBatch(ctx, fresh))

	got, err := s.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, got.Debt.IsZero())
	sale, err := s.GetSale(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaid, sale.Status.State())

	missing := fresh
	missing.CustomerID = "cust-missing"
	assert.ErrorIs(t, s.ApplyPaymentBatch(ctx, missing), store.ErrNotFound)
}

func TestApplyPaymentBatchRejectsAnotherCustomersSale(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	awa, err := s.CreateCustomer(ctx, domain.Customer{Name: "Awa", Debt: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	moussa, err := s.CreateCustomer(ctx, domain.Customer{Name: "Moussa", Debt: decimal.NewFromInt(2000)})
	require.NoError(t, err)
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateSale(ctx, domain.Sale{ID: "sale-moussa", CustomerID: moussa.ID, TotalPrice: decimal.NewFromInt(2000), Status: domain.Pending()})
	}))

	err = s.ApplyPaymentBatch(ctx, store.PaymentBatch{
		CustomerID:   awa.ID,
		ExpectedDebt: decimal.NewFromInt(1000),
		NewDebt:      decimal.Zero,
		Sales:        []store.SalePaymentUpdate{{SaleID: "sale-moussa", Status: domain.Paid()}},
	})
	require.ErrorIs(t, err, store.ErrTransactionConflict)

	sale, err := s.GetSale(ctx, "sale-moussa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, sale.Status.State())
	got, err := s.GetCustomer(ctx, awa.ID)
	require.NoError(t, err)
	assert.True(t, got.Debt.Equal(decimal.NewFromInt(1000)), "nothing is applied")
}

func TestListSalesNewestFirstWithInsertionTieBreak(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, sale := range []domain.Sale{
			{ID: "a", CustomerID: "c1", CreatedAt: at, Status: domain.Pending()},
			{ID: "b", CustomerID: "c1", CreatedAt: at, Status: domain.Paid()},
			{ID: "c", CustomerID: "c1", CreatedAt: at.Add(time.Minute), Status: domain.Partial(decimal.NewFromInt(1))},
			{ID: "d", CustomerID: "c2", CreatedAt: at, Status: domain.Pending()},
		} {
			if err := tx.CreateSale(ctx, sale); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := s.ListSales(ctx, store.SaleFilter{CustomerID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, saleIDs(all))

	open, err := s.ListSales(ctx, store.SaleFilter{CustomerID: "c1", OpenOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, saleIDs(open))

	limited, err := s.ListSales(ctx, store.SaleFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, saleIDs(limited))
}

func TestDeleteCustomerInvalidatesOpenTransactions(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)
	customer, err := s.CreateCustomer(ctx, domain.Customer{Name: "Moussa"})
	require.NoError(t, err)

	err = s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		read, err := tx.GetCustomer(ctx, customer.ID)
		if err != nil {
			return err
		}
		require.NoError(t, s.DeleteCustomer(ctx, customer.ID))
		read.Debt = decimal.NewFromInt(10)
		return tx.PutCustomer(ctx, *read)
	})
	require.ErrorIs(t, err, store.ErrTransactionConflict)

	_, err = s.GetCustomer(ctx, customer.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewSeededHasStockAndUsers(t *testing.T) {
	s := NewSeeded(nil)

	levels, err := s.GetStock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, levels.Available(domain.GradeMedium))

	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "admin", users[0].Username)
	assert.Equal(t, domain.RoleSeller, users[1].Role)
}

func saleIDs(sales []domain.Sale) []string {
	out := make([]string, len(sales))
	for i, sale := range sales {
		out[i] = sale.ID
	}
	return out
}
