package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"oeufmaster/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrStockRecordMissing  = errors.New("stock record missing")
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrReadAfterWrite      = errors.New("read after write in transaction")
	ErrInvalidTransaction  = errors.New("invalid transaction")
)

// TxFunc is the body of an atomic transaction. Returning an error rolls back
// every write issued through tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Tx is the transactional view of the store. All reads must be issued before
// the first write.
type Tx interface {
	// GetStock returns ErrStockRecordMissing when stock was never initialized.
	GetStock(ctx context.Context) (domain.StockLevels, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	GetIncomingOrder(ctx context.Context, id string) (*domain.IncomingOrder, error)

	SetStock(ctx context.Context, levels domain.StockLevels) error
	PutCustomer(ctx context.Context, customer domain.Customer) error
	CreateSale(ctx context.Context, sale domain.Sale) error
	UpdateSale(ctx context.Context, sale domain.Sale) error
	DeleteSale(ctx context.Context, id string) error
	AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) error
	PutIncomingOrder(ctx context.Context, order domain.IncomingOrder) error
}

type SaleFilter struct {
	CustomerID string
	// OpenOnly keeps PENDING and PARTIAL sales.
	OpenOnly bool
	Limit    int
}

type SalePaymentUpdate struct {
	SaleID string
	Status domain.PaymentStatus
}

// PaymentBatch is applied atomically without a read phase. The store rejects
// it with ErrTransactionConflict when the customer's debt no longer equals
// ExpectedDebt or when one of the sales is gone.
type PaymentBatch struct {
	CustomerID   string
	ExpectedDebt decimal.Decimal
	NewDebt      decimal.Decimal
	Sales        []SalePaymentUpdate
}

type Repository interface {
	RunTransaction(ctx context.Context, fn TxFunc) error
	ApplyPaymentBatch(ctx context.Context, batch PaymentBatch) error

	// InitStock creates the stock record with zero trays if it is absent and
	// returns the current levels.
	InitStock(ctx context.Context) (domain.StockLevels, error)
	GetStock(ctx context.Context) (domain.StockLevels, error)
	ListInventoryLogs(ctx context.Context, limit int) ([]domain.InventoryLog, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	// ListSales returns newest sales first; equal timestamps keep the most
	// recently inserted sale first.
	ListSales(ctx context.Context, filter SaleFilter) ([]domain.Sale, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error

	CreateIncomingOrder(ctx context.Context, order domain.IncomingOrder) (*domain.IncomingOrder, error)
	ListIncomingOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.IncomingOrder, error)

	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	ListExpenses(ctx context.Context, limit int) ([]domain.Expense, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
