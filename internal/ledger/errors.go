package ledger

import (
	"errors"
	"fmt"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/store"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderClosed       = errors.New("incoming order is not pending")

	ErrSaleNotFound     = fmt.Errorf("sale %w", store.ErrNotFound)
	ErrCustomerNotFound = fmt.Errorf("customer %w", store.ErrNotFound)
	ErrOrderNotFound    = fmt.Errorf("incoming order %w", store.ErrNotFound)
)

// InsufficientStockError reports a sale that asks for more trays than the
// grade holds.
type InsufficientStockError struct {
	Grade     domain.Grade
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for grade %s: available %d, requested %d", e.Grade, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// IsRetryable reports whether re-running the whole operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, store.ErrTransactionConflict)
}

// IsClientError reports whether the caller can fix the failure by changing
// the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrOrderClosed) ||
		errors.Is(err, store.ErrInvalidTransaction) ||
		errors.Is(err, store.ErrStockRecordMissing) ||
		errors.Is(err, domain.ErrInvalidPaymentStatus)
}

func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, fmt.Sprintf(format, args...))
}
