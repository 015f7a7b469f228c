package ledger

import (
	"slices"

	"github.com/shopspring/decimal"

	"oeufmaster/backend/internal/domain"
)

type SaleAllocation struct {
	SaleID   string
	Total    decimal.Decimal
	Previous domain.PaymentStatus
	Status   domain.PaymentStatus
}

func (a SaleAllocation) Changed() bool {
	return !a.Previous.Equal(a.Status)
}

type Allocation struct {
	PreviousDebt decimal.Decimal
	Payment      decimal.Decimal
	NewDebt      decimal.Decimal
	Sales        []SaleAllocation
}

// Allocate distributes a payment over a customer's open sales.
//
// It works backward from the debt that must remain: the newest sales keep
// their outstanding balance until that debt is covered, the sale that
// straddles it becomes partial, and every older sale is settled. The
// outstanding balances left on the sales therefore always add up to NewDebt
// whenever the open sales cover it.
func Allocate(currentDebt decimal.Decimal, payment decimal.Decimal, openSales []domain.Sale) Allocation {
	newDebt := currentDebt.Sub(payment)
	if newDebt.IsNegative() {
		newDebt = decimal.Zero
	}

	ordered := slices.Clone(openSales)
	slices.SortStableFunc(ordered, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	allocation := Allocation{
		PreviousDebt: currentDebt,
		Payment:      payment,
		NewDebt:      newDebt,
		Sales:        make([]SaleAllocation, 0, len(ordered)),
	}

	remaining := newDebt
	for _, sale := range ordered {
		total := sale.TotalPrice
		var status domain.PaymentStatus
		switch {
		case !remaining.IsPositive():
			status = domain.Paid()
		case remaining.GreaterThanOrEqual(total):
			status = domain.Pending()
			remaining = remaining.Sub(total)
		default:
			status = domain.Partial(total.Sub(remaining))
			remaining = decimal.Zero
		}
		allocation.Sales = append(allocation.Sales, SaleAllocation{
			SaleID:   sale.ID,
			Total:    total,
			Previous: sale.Status,
			Status:   status,
		})
	}
	return allocation
}
