package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WalkInCustomerName is stored on sales recorded without a customer name.
const WalkInCustomerName = "Client de passage"

var (
	ErrInvalidGrade        = errors.New("invalid grade")
	ErrInvalidMovementType = errors.New("invalid movement type")
	ErrInvalidCustomerType = errors.New("invalid customer type")
	ErrInvalidCategory     = errors.New("invalid expense category")
	ErrInvalidOrderStatus  = errors.New("invalid order status")
)

type Grade string

const (
	GradeSmall  Grade = "SMALL"
	GradeMedium Grade = "MEDIUM"
	GradeLarge  Grade = "LARGE"
	GradeJumbo  Grade = "JUMBO"
)

var Grades = []Grade{GradeSmall, GradeMedium, GradeLarge, GradeJumbo}

func ParseGrade(raw string) (Grade, error) {
	grade := Grade(strings.ToUpper(strings.TrimSpace(raw)))
	if !grade.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidGrade, raw)
	}
	return grade, nil
}

func (g Grade) Valid() bool {
	switch g {
	case GradeSmall, GradeMedium, GradeLarge, GradeJumbo:
		return true
	}
	return false
}

// StockLevels maps each grade to its tray count. A missing grade holds zero trays.
type StockLevels map[Grade]int

func NewStockLevels() StockLevels {
	levels := make(StockLevels, len(Grades))
	for _, grade := range Grades {
		levels[grade] = 0
	}
	return levels
}

func (s StockLevels) Available(grade Grade) int {
	return s[grade]
}

// Clone returns a copy holding every known grade.
func (s StockLevels) Clone() StockLevels {
	out := NewStockLevels()
	for grade, qty := range s {
		out[grade] = qty
	}
	return out
}

type MovementType string

const (
	MovementAdd        MovementType = "ADD"
	MovementRemove     MovementType = "REMOVE"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

func ParseMovementType(raw string) (MovementType, error) {
	movement := MovementType(strings.ToUpper(strings.TrimSpace(raw)))
	switch movement {
	case MovementAdd, MovementRemove, MovementAdjustment:
		return movement, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMovementType, raw)
}

type InventoryLog struct {
	ID        string       `json:"id"`
	Type      MovementType `json:"type"`
	Grade     Grade        `json:"grade"`
	Quantity  int          `json:"quantity"`
	Note      string       `json:"note"`
	SaleID    string       `json:"sale_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type Sale struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customer_id,omitempty"`
	CustomerName string          `json:"customer_name"`
	Grade        Grade           `json:"grade"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	Status       PaymentStatus   `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Outstanding is the part of the sale still owed by the customer.
func (s Sale) Outstanding() decimal.Decimal {
	return s.Status.Outstanding(s.TotalPrice)
}

type CustomerType string

const (
	CustomerReseller   CustomerType = "RESELLER"
	CustomerIndividual CustomerType = "INDIVIDUAL"
	CustomerRestaurant CustomerType = "RESTAURANT"
)

// ParseCustomerType defaults an empty value to INDIVIDUAL.
func ParseCustomerType(raw string) (CustomerType, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return CustomerIndividual, nil
	}
	switch ct := CustomerType(trimmed); ct {
	case CustomerReseller, CustomerIndividual, CustomerRestaurant:
		return ct, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCustomerType, raw)
}

type Customer struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone"`
	Address        string          `json:"address"`
	Type           CustomerType    `json:"type"`
	TotalPurchases decimal.Decimal `json:"total_purchases"`
	Debt           decimal.Decimal `json:"debt"`
	LastPurchaseAt *time.Time      `json:"last_purchase_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderProcessed OrderStatus = "PROCESSED"
	OrderRejected  OrderStatus = "REJECTED"
)

// ParseOrderStatus accepts an empty value, which means any status.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case "", OrderPending, OrderProcessed, OrderRejected:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOrderStatus, raw)
}

type IncomingOrder struct {
	ID            string      `json:"id"`
	CustomerName  string      `json:"customer_name"`
	CustomerPhone string      `json:"customer_phone"`
	Grade         Grade       `json:"grade"`
	Quantity      int         `json:"quantity"`
	Note          string      `json:"note,omitempty"`
	Status        OrderStatus `json:"status"`
	SaleID        string      `json:"sale_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	ProcessedAt   *time.Time  `json:"processed_at,omitempty"`
}

type ExpenseCategory string

const (
	ExpensePurchase  ExpenseCategory = "PURCHASE"
	ExpenseTransport ExpenseCategory = "TRANSPORT"
	ExpensePackaging ExpenseCategory = "PACKAGING"
	ExpenseSalary    ExpenseCategory = "SALARY"
	ExpenseRent      ExpenseCategory = "RENT"
	ExpenseEquipment ExpenseCategory = "EQUIPMENT"
	ExpenseMisc      ExpenseCategory = "MISC"
)

func ParseExpenseCategory(raw string) (ExpenseCategory, error) {
	category := ExpenseCategory(strings.ToUpper(strings.TrimSpace(raw)))
	switch category {
	case ExpensePurchase, ExpenseTransport, ExpensePackaging, ExpenseSalary, ExpenseRent, ExpenseEquipment, ExpenseMisc:
		return category, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, raw)
}

type Expense struct {
	ID          string          `json:"id"`
	Category    ExpenseCategory `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	SpentAt     time.Time       `json:"spent_at"`
	RecordedBy  string          `json:"recorded_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type SaleCreateRequest struct {
	CustomerName string          `json:"customer_name"`
	CustomerID   string          `json:"customer_id,omitempty"`
	Grade        string          `json:"grade"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Status       string          `json:"status"`
	AmountPaid   decimal.Decimal `json:"amount_paid"`
}

type SaleStatusUpdateRequest struct {
	Status     string          `json:"status"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type StockAdjustmentRequest struct {
	Grade     string `json:"grade"`
	Direction string `json:"direction"`
	Amount    int    `json:"amount"`
	Note      string `json:"note"`
}

type StockCountRequest struct {
	Grade   string `json:"grade"`
	Counted int    `json:"counted"`
	Note    string `json:"note"`
}

type StockMovementResponse struct {
	Grade    Grade        `json:"grade"`
	Quantity int          `json:"quantity"`
	Log      InventoryLog `json:"log"`
}

type StockResponse struct {
	Levels StockLevels `json:"levels"`
}

type PaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type SaleSettlement struct {
	SaleID     string          `json:"sale_id"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Status     PaymentStatus   `json:"status"`
}

type PaymentResponse struct {
	CustomerID   string           `json:"customer_id"`
	Amount       decimal.Decimal  `json:"amount"`
	PreviousDebt decimal.Decimal  `json:"previous_debt"`
	NewDebt      decimal.Decimal  `json:"new_debt"`
	Sales        []SaleSettlement `json:"sales"`
}

type CustomerCreateRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Type    string `json:"type"`
}

type IncomingOrderCreateRequest struct {
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	Grade         string `json:"grade"`
	Quantity      int    `json:"quantity"`
	Note          string `json:"note"`
}

type OrderApprovalRequest struct {
	UnitPrice  *decimal.Decimal `json:"unit_price,omitempty"`
	Status     string           `json:"status"`
	AmountPaid decimal.Decimal  `json:"amount_paid"`
}

type OrderApprovalResponse struct {
	Order IncomingOrder `json:"order"`
	Sale  *Sale         `json:"sale,omitempty"`
}

type ExpenseCreateRequest struct {
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	SpentAt     string          `json:"spent_at,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
)

type SellerCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SellerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
