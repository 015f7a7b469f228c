package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/events"
	"oeufmaster/backend/internal/ledger"
	"oeufmaster/backend/internal/store"
)

// ErrConfirmationRequired is returned by destructive calls made without an
// explicit confirmation.
var ErrConfirmationRequired = errors.New("confirmation required")

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

var defaultOrderUnitPrice = decimal.NewFromInt(2500)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// ConflictRetries is how many times an operation is re-run after a
	// transaction conflict.
	ConflictRetries int
	OrderUnitPrice  decimal.Decimal
}

type Service struct {
	repo      store.Repository
	ledger    *ledger.Coordinator
	publisher events.Publisher
	logger    *zap.Logger
	opts      Options
}

func New(repo store.Repository, coordinator *ledger.Coordinator, publisher events.Publisher, logger *zap.Logger, opts Options) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	if !opts.OrderUnitPrice.IsPositive() {
		opts.OrderUnitPrice = defaultOrderUnitPrice
	}
	return &Service{
		repo:      repo,
		ledger:    coordinator,
		publisher: publisher,
		logger:    logger.Named("service"),
		opts:      opts,
	}
}

func (s *Service) GetStock(ctx context.Context) (domain.StockResponse, error) {
	levels, err := s.repo.GetStock(ctx)
	if err != nil {
		return domain.StockResponse{}, err
	}
	return domain.StockResponse{Levels: levels}, nil
}

func (s *Service) InitializeStock(ctx context.Context) (domain.StockResponse, error) {
	levels, err := s.ledger.InitializeStock(ctx)
	if err != nil {
		return domain.StockResponse{}, err
	}
	s.logAudit(ctx, "stock_init", "stock", "general")
	return domain.StockResponse{Levels: levels}, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockMovementResponse, error) {
	grade, err := domain.ParseGrade(req.Grade)
	if err != nil {
		return domain.StockMovementResponse{}, invalid(err)
	}
	direction, err := domain.ParseMovementType(req.Direction)
	if err != nil {
		return domain.StockMovementResponse{}, invalid(err)
	}

	movement, err := retry(ctx, s, "adjust_stock", func() (*ledger.StockMovement, error) {
		return s.ledger.AdjustStock(ctx, ledger.StockAdjustment{
			Grade:     grade,
			Direction: direction,
			Amount:    req.Amount,
			Note:      req.Note,
		})
	})
	if err != nil {
		return domain.StockMovementResponse{}, err
	}

	s.logAudit(ctx, "stock_adjust", "stock", string(grade),
		zap.String("direction", string(direction)),
		zap.Int("requested", req.Amount),
		zap.Int("moved", movement.Log.Quantity),
	)
	return toMovementResponse(movement), nil
}

func (s *Service) CountStock(ctx context.Context, req domain.StockCountRequest) (domain.StockMovementResponse, error) {
	grade, err := domain.ParseGrade(req.Grade)
	if err != nil {
		return domain.StockMovementResponse{}, invalid(err)
	}

	movement, err := retry(ctx, s, "count_stock", func() (*ledger.StockMovement, error) {
		return s.ledger.CountStock(ctx, grade, req.Counted, req.Note)
	})
	if err != nil {
		return domain.StockMovementResponse{}, err
	}

	s.logAudit(ctx, "stock_count", "stock", string(grade), zap.Int("counted", req.Counted))
	return toMovementResponse(movement), nil
}

func (s *Service) ListInventoryLogs(ctx context.Context, limit int) ([]domain.InventoryLog, error) {
	return s.repo.ListInventoryLogs(ctx, normalizeLimit(limit))
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	grade, err := domain.ParseGrade(req.Grade)
	if err != nil {
		return domain.Sale{}, invalid(err)
	}
	status, err := parseStatus(req.Status, req.AmountPaid, domain.Paid())
	if err != nil {
		return domain.Sale{}, err
	}

	sale, err := retry(ctx, s, "create_sale", func() (*domain.Sale, error) {
		return s.ledger.CreateSale(ctx, ledger.SaleInput{
			CustomerName: req.CustomerName,
			CustomerID:   req.CustomerID,
			Grade:        grade,
			Quantity:     req.Quantity,
			UnitPrice:    req.UnitPrice,
			Status:       status,
		})
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_create", "sale", sale.ID,
		zap.String("grade", string(sale.Grade)),
		zap.Int("quantity", sale.Quantity),
		zap.String("total", sale.TotalPrice.String()),
		zap.String("status", sale.Status.String()),
	)
	return *sale, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Sale{}, invalidf("sale id is required")
	}
	sale, err := s.repo.GetSale(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, fmt.Errorf("%w: %s", ledger.ErrSaleNotFound, id)
	}
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, customerID string, openOnly bool, limit int) (domain.SaleListResponse, error) {
	sales, err := s.repo.ListSales(ctx, store.SaleFilter{
		CustomerID: strings.TrimSpace(customerID),
		OpenOnly:   openOnly,
		Limit:      normalizeLimit(limit),
	})
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	return domain.SaleListResponse{Sales: sales}, nil
}

func (s *Service) UpdateSaleStatus(ctx context.Context, id string, req domain.SaleStatusUpdateRequest) (domain.Sale, error) {
	if strings.TrimSpace(req.Status) == "" {
		return domain.Sale{}, invalidf("status is required")
	}
	status, err := parseStatus(req.Status, req.AmountPaid, domain.PaymentStatus{})
	if err != nil {
		return domain.Sale{}, err
	}

	sale, err := retry(ctx, s, "update_sale_status", func() (*domain.Sale, error) {
		return s.ledger.UpdateSaleStatus(ctx, id, status)
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_status_update", "sale", sale.ID, zap.String("status", sale.Status.String()))
	return *sale, nil
}

// DeleteSale reverses a sale. confirmed must be true.
func (s *Service) DeleteSale(ctx context.Context, id string, confirmed bool) (domain.Sale, error) {
	if !confirmed {
		return domain.Sale{}, ErrConfirmationRequired
	}

	sale, err := retry(ctx, s, "delete_sale", func() (*domain.Sale, error) {
		return s.ledger.DeleteSale(ctx, id)
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_delete", "sale", sale.ID,
		zap.String("grade", string(sale.Grade)),
		zap.Int("quantity", sale.Quantity),
	)
	return *sale, nil
}

func (s *Service) RegisterCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, invalidf("customer name is required")
	}
	customerType, err := domain.ParseCustomerType(req.Type)
	if err != nil {
		return domain.Customer{}, invalid(err)
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:           name,
		Phone:          strings.TrimSpace(req.Phone),
		Address:        strings.TrimSpace(req.Address),
		Type:           customerType,
		TotalPurchases: decimal.Zero,
		Debt:           decimal.Zero,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", created.ID, zap.String("type", string(created.Type)))
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Customer{}, invalidf("customer id is required")
	}
	customer, err := s.repo.GetCustomer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Customer{}, fmt.Errorf("%w: %s", ledger.ErrCustomerNotFound, id)
	}
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

// DeleteCustomer removes the customer record. Their sales keep the copied
// name. confirmed must be true.
func (s *Service) DeleteCustomer(ctx context.Context, id string, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return invalidf("customer id is required")
	}

	err := s.repo.DeleteCustomer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ledger.ErrCustomerNotFound, id)
	}
	if err != nil {
		return err
	}

	s.logAudit(ctx, "customer_delete", "customer", id)
	return nil
}

func (s *Service) RecordPayment(ctx context.Context, customerID string, req domain.PaymentRequest) (domain.PaymentResponse, error) {
	allocation, err := retry(ctx, s, "record_payment", func() (*ledger.Allocation, error) {
		return s.ledger.RecordPayment(ctx, customerID, req.Amount)
	})
	if err != nil {
		return domain.PaymentResponse{}, err
	}

	resp := domain.PaymentResponse{
		CustomerID:   customerID,
		Amount:       allocation.Payment,
		PreviousDebt: allocation.PreviousDebt,
		NewDebt:      allocation.NewDebt,
		Sales:        make([]domain.SaleSettlement, 0, len(allocation.Sales)),
	}
	for _, sale := range allocation.Sales {
		resp.Sales = append(resp.Sales, domain.SaleSettlement{
			SaleID:     sale.SaleID,
			TotalPrice: sale.Total,
			Status:     sale.Status,
		})
	}

	s.logAudit(ctx, "payment_record", "customer", customerID,
		zap.String("amount", req.Amount.String()),
		zap.String("new_debt", allocation.NewDebt.String()),
	)
	return resp, nil
}

// SubmitIncomingOrder stores an order placed through the public form and
// notifies subscribers.
func (s *Service) SubmitIncomingOrder(ctx context.Context, req domain.IncomingOrderCreateRequest) (domain.IncomingOrder, error) {
	name := strings.TrimSpace(req.CustomerName)
	if name == "" {
		return domain.IncomingOrder{}, invalidf("customer name is required")
	}
	grade, err := domain.ParseGrade(req.Grade)
	if err != nil {
		return domain.IncomingOrder{}, invalid(err)
	}
	if req.Quantity <= 0 {
		return domain.IncomingOrder{}, invalidf("quantity must be greater than zero")
	}

	created, err := s.repo.CreateIncomingOrder(ctx, domain.IncomingOrder{
		CustomerName:  name,
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Grade:         grade,
		Quantity:      req.Quantity,
		Note:          strings.TrimSpace(req.Note),
		Status:        domain.OrderPending,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return domain.IncomingOrder{}, err
	}

	event := events.Event{
		Type:     events.OrderReceived,
		At:       created.CreatedAt,
		OrderID:  created.ID,
		Grade:    created.Grade,
		Quantity: created.Quantity,
		Note:     created.CustomerName,
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("order notification failed", zap.String("order_id", created.ID), zap.Error(err))
	}
	s.logger.Info("incoming order received", zap.String("order_id", created.ID), zap.String("grade", string(grade)), zap.Int("quantity", created.Quantity))
	return *created, nil
}

func (s *Service) ListIncomingOrders(ctx context.Context, status string, limit int) ([]domain.IncomingOrder, error) {
	parsed, err := domain.ParseOrderStatus(status)
	if err != nil {
		return nil, invalid(err)
	}
	return s.repo.ListIncomingOrders(ctx, parsed, normalizeLimit(limit))
}

func (s *Service) ApproveIncomingOrder(ctx context.Context, id string, req domain.OrderApprovalRequest) (domain.OrderApprovalResponse, error) {
	unitPrice := s.opts.OrderUnitPrice
	if req.UnitPrice != nil {
		unitPrice = *req.UnitPrice
	}
	status, err := parseStatus(req.Status, req.AmountPaid, domain.Paid())
	if err != nil {
		return domain.OrderApprovalResponse{}, err
	}

	type approved struct {
		order *domain.IncomingOrder
		sale  *domain.Sale
	}
	result, err := retry(ctx, s, "approve_order", func() (approved, error) {
		order, sale, err := s.ledger.ApproveIncomingOrder(ctx, id, ledger.OrderApproval{UnitPrice: unitPrice, Status: status})
		return approved{order: order, sale: sale}, err
	})
	if err != nil {
		return domain.OrderApprovalResponse{}, err
	}

	s.logAudit(ctx, "order_approve", "incoming_order", result.order.ID, zap.String("sale_id", result.sale.ID))
	return domain.OrderApprovalResponse{Order: *result.order, Sale: result.sale}, nil
}

func (s *Service) RejectIncomingOrder(ctx context.Context, id string) (domain.OrderApprovalResponse, error) {
	order, err := retry(ctx, s, "reject_order", func() (*domain.IncomingOrder, error) {
		return s.ledger.RejectIncomingOrder(ctx, id)
	})
	if err != nil {
		return domain.OrderApprovalResponse{}, err
	}

	s.logAudit(ctx, "order_reject", "incoming_order", order.ID)
	return domain.OrderApprovalResponse{Order: *order}, nil
}

func (s *Service) RecordExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	category, err := domain.ParseExpenseCategory(req.Category)
	if err != nil {
		return domain.Expense{}, invalid(err)
	}
	if !req.Amount.IsPositive() {
		return domain.Expense{}, invalidf("expense amount must be greater than zero")
	}
	if !domain.IsWholeCents(req.Amount) {
		return domain.Expense{}, invalidf("expense amount %s has more than %d decimals", req.Amount, domain.MoneyScale)
	}

	now := time.Now().UTC()
	spentAt := now
	if raw := strings.TrimSpace(req.SpentAt); raw != "" {
		spentAt, err = parseDay(raw)
		if err != nil {
			return domain.Expense{}, invalid(err)
		}
	}

	expense := domain.Expense{
		Category:    category,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		SpentAt:     spentAt,
		CreatedAt:   now,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		expense.RecordedBy = actor.Username
	}

	created, err := s.repo.CreateExpense(ctx, expense)
	if err != nil {
		return domain.Expense{}, err
	}

	s.logAudit(ctx, "expense_create", "expense", created.ID,
		zap.String("category", string(created.Category)),
		zap.String("amount", created.Amount.String()),
	)
	return *created, nil
}

func (s *Service) ListExpenses(ctx context.Context, limit int) ([]domain.Expense, error) {
	return s.repo.ListExpenses(ctx, normalizeLimit(limit))
}

// retry re-runs fn while it fails with a transaction conflict, up to the
// configured number of retries. Business-rule failures return at once.
func retry[T any](ctx context.Context, s *Service, op string, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; attempt <= s.opts.ConflictRetries; attempt++ {
		result, err = fn()
		if err == nil || !ledger.IsRetryable(err) {
			return result, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		s.logger.Debug("transaction conflict, retrying", zap.String("op", op), zap.Int("attempt", attempt+1))
	}
	s.logger.Warn("transaction conflict retries exhausted", zap.String("op", op), zap.Int("retries", s.opts.ConflictRetries))
	return result, err
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "anonymous", Role: "unknown"}
	}
	base := []zap.Field{
		zap.String("action", action),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("role", actor.Role),
	}
	s.logger.Info("audit", append(base, fields...)...)
}

func parseStatus(raw string, amountPaid decimal.Decimal, fallback domain.PaymentStatus) (domain.PaymentStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	status, err := domain.ParsePaymentStatus(raw, amountPaid)
	if err != nil {
		return domain.PaymentStatus{}, invalid(err)
	}
	return status, nil
}

func parseDay(raw string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return at.UTC(), nil
	}
	at, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return at.UTC(), nil
}

func toMovementResponse(movement *ledger.StockMovement) domain.StockMovementResponse {
	return domain.StockMovementResponse{
		Grade:    movement.Grade,
		Quantity: movement.Quantity,
		Log:      movement.Log,
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, fmt.Sprintf(format, args...))
}
