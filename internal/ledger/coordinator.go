package ledger

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
	"oeufmaster/backend/internal/store"
	"oeufmaster/backend/internal/xid"
)

// Coordinator runs every multi-document mutation of the shop as a single
// store transaction and publishes an event once the transaction committed.
type Coordinator struct {
	repo      store.Repository
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCoordinator(repo store.Repository, publisher events.Publisher, logger *zap.Logger, opts ...Option) *Coordinator {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		repo:      repo,
		publisher: publisher,
		logger:    logger.Named("ledger"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type SaleInput struct {
	CustomerName string
	CustomerID   string
	Grade        domain.Grade
	Quantity     int
	UnitPrice    decimal.Decimal
	Status       domain.PaymentStatus
}

func (in SaleInput) total() decimal.Decimal {
	return in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity)))
}

func (in SaleInput) validate() error {
	if !in.Grade.Valid() {
		return invalidf("unknown grade %q", in.Grade)
	}
	if in.Quantity <= 0 {
		return invalidf("quantity must be greater than zero")
	}
	if in.UnitPrice.IsNegative() {
		return invalidf("unit price must not be negative")
	}
	if !domain.IsWholeCents(in.UnitPrice) {
		return invalidf("unit price %s has more than %d decimals", in.UnitPrice, domain.MoneyScale)
	}
	if in.Status.IsZero() || in.Status.State() == domain.StateCancelled {
		return invalidf("a new sale must be PAID, PENDING or PARTIAL")
	}
	if err := in.Status.Validate(in.total()); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	return nil
}

// salePlan holds everything a sale writes, computed from the read phase.
type salePlan struct {
	levels   domain.StockLevels
	customer *domain.Customer
	sale     domain.Sale
	log      domain.InventoryLog
}

func (c *Coordinator) planSale(ctx context.Context, tx store.Tx, in SaleInput) (*salePlan, error) {
	levels, err := tx.GetStock(ctx)
	if err != nil {
		return nil, err
	}

	var customer *domain.Customer
	if id := strings.TrimSpace(in.CustomerID); id != "" {
		customer, err = tx.GetCustomer(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.logger.Warn("sale references unknown customer, recording without account effects", zap.String("customer_id", id))
			customer = nil
		case err != nil:
			return nil, err
		}
	}

	name := strings.TrimSpace(in.CustomerName)
	if name == "" && customer != nil {
		name = customer.Name
	}
	if name == "" {
		name = domain.WalkInCustomerName
	}

	now := c.now()
	stock := NewStockLedger(levels, c.now)
	if _, _, err := stock.Apply(in.Grade, -in.Quantity, FailOnShortage, ""); err != nil {
		return nil, err
	}

	sale := domain.Sale{
		ID:           xid.New("sale"),
		CustomerName: name,
		Grade:        in.Grade,
		Quantity:     in.Quantity,
		UnitPrice:    in.UnitPrice,
		TotalPrice:   in.total(),
		Status:       in.Status,
		CreatedAt:    now,
	}
	if customer != nil {
		sale.CustomerID = customer.ID
		customer.TotalPurchases = customer.TotalPurchases.Add(sale.TotalPrice)
		customer.Debt = customer.Debt.Add(sale.Outstanding())
		customer.LastPurchaseAt = &now
	}

	entry := domain.InventoryLog{
		ID:        xid.New("log"),
		Type:      domain.MovementRemove,
		Grade:     sale.Grade,
		Quantity:  sale.Quantity,
		Note:      "Vente: " + name,
		SaleID:    sale.ID,
		CreatedAt: now,
	}

	return &salePlan{levels: stock.Levels(), customer: customer, sale: sale, log: entry}, nil
}

func (p *salePlan) write(ctx context.Context, tx store.Tx) error {
	if err := tx.SetStock(ctx, p.levels); err != nil {
		return err
	}
	if p.customer != nil {
		if err := tx.PutCustomer(ctx, *p.customer); err != nil {
			return err
		}
	}
	if err := tx.CreateSale(ctx, p.sale); err != nil {
		return err
	}
	return tx.AppendInventoryLog(ctx, p.log)
}

// CreateSale deducts stock, charges the customer and records the sale
// atomically.
func (c *Coordinator) CreateSale(ctx context.Context, in SaleInput) (*domain.Sale, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var plan *salePlan
	err := c.repo.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		plan, err = c.planSale(ctx, tx, in)
		if err != nil {
			return err
		}
		return plan.write(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	sale := plan.sale
	total := sale.TotalPrice
	c.publish(ctx, events.Event{
		Type:       events.SaleCreated,
		SaleID:     sale.ID,
		CustomerID: sale.CustomerID,
		Grade:      sale.Grade,
		Quantity:   sale.Quantity,
		Amount:     &total,
	})
	return &sale, nil
}

// DeleteSale reverses a sale: trays go back to stock and the customer's
// purchases and debt are reduced.
func (c *Coordinator) DeleteSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, invalidf("sale id is required")
	}

	var deleted domain.Sale
	err := c.repo.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSale(ctx, saleID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSaleNotFound, saleID)
		}
		if err != nil {
			return err
		}

		levels, err := tx.GetStock(ctx)
		switch {
		case errors.Is(err, store.ErrStockRecordMissing):
			c.logger.Warn("stock record missing, deleting sale without restocking", zap.String("sale_id", saleID))
			levels = nil
		case err != nil:
			return err
		}

		var customer *domain.Customer
		if sale.CustomerID != "" {
			customer, err = tx.GetCustomer(ctx, sale.CustomerID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				customer = nil
			case err != nil:
				return err
			}
		}

		var entry *domain.InventoryLog
		if levels != nil {
			stock := NewStockLedger(levels, c.now)
			_, restock, err := stock.Apply(sale.Grade, sale.Quantity, FailOnShortage, "Annulation vente "+sale.ID)
			if err != nil {
				return err
			}
			restock.SaleID = sale.ID
			entry = &restock
			levels = stock.Levels()
		}
		if customer != nil {
			customer.Debt = floorZero(customer.Debt.Sub(sale.Outstanding()))
			customer.TotalPurchases = floorZero(customer.TotalPurchases.Sub(sale.TotalPrice))
		}

		if levels != nil {
			if err := tx.SetStock(ctx, levels); err != nil {
				return err
			}
		}
		if customer != nil {
			if err := tx.PutCustomer(ctx, *customer); err != nil {
				return err
			}
		}
		if err := tx.DeleteSale(ctx, sale.ID); err != nil {
			return err
		}
		if entry != nil {
			if err := tx.AppendInventoryLog(ctx, *entry); err != nil {
				return err
			}
		}
		deleted = *sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	total := deleted.TotalPrice
	c.publish(ctx, events.Event{
		Type:       events.SaleDeleted,
		SaleID:     deleted.ID,
		CustomerID: deleted.CustomerID,
		Grade:      deleted.Grade,
		Quantity:   deleted.Quantity,
		Amount:     &total,
	})
	return &deleted, nil
}

// UpdateSaleStatus changes the payment status of a sale and moves the
// customer's debt by the change in outstanding balance.
func (c *Coordinator) UpdateSaleStatus(ctx context.Context, saleID string, status domain.PaymentStatus) (*domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, invalidf("sale id is required")
	}
	if status.IsZero() {
		return nil, invalidf("status is required")
	}

	var updated domain.Sale
	err := c.repo.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSale(ctx, saleID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSaleNotFound, saleID)
		}
		if err != nil {
			return err
		}

		var customer *domain.Customer
		if sale.CustomerID != "" {
			customer, err = tx.GetCustomer(ctx, sale.CustomerID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				customer = nil
			case err != nil:
				return err
			}
		}

		if err := status.Validate(sale.TotalPrice); err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
		}

		previous := sale.Outstanding()
		sale.Status = status
		if customer != nil {
			delta := sale.Outstanding().Sub(previous)
			customer.Debt = floorZero(customer.Debt.Add(delta))
		}

		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}
		if customer != nil {
			if err := tx.PutCustomer(ctx, *customer); err != nil {
				return err
			}
		}
		updated = *sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, events.Event{
		Type:       events.SaleStatusUpdated,
		SaleID:     updated.ID,
		CustomerID: updated.CustomerID,
		Note:       updated.Status.String(),
	})
	return &updated, nil
}

type StockAdjustment struct {
	Grade     domain.Grade
	Direction domain.MovementType
	Amount    int
	Note      string
}

type StockMovement struct {
	Grade    domain.Grade        `json:"grade"`
	Quantity int                 `json:"quantity"`
	Log      domain.InventoryLog `json:"log"`
}

// AdjustStock adds trays or removes them manually. Removal never goes below
// zero.
func (c *Coordinator) AdjustStock(ctx context.Context, adj StockAdjustment) (*StockMovement, error) {
	if !adj.Grade.Valid() {
		return nil, invalidf("unknown grade %q", adj.Grade)
	}
	if adj.Amount <= 0 {
		return nil, invalidf("amount must be greater than zero")
	}

	delta := adj.Amount
	note := strings.TrimSpace(adj.Note)
	switch adj.Direction {
	case domain.MovementAdd:
		if note == "" {
			note = "Ajout manuel"
		}
	case domain.MovementRemove:
		delta = -adj.Amount
		if note == "" {
			note = "Retrait manuel"
		}
	default:
		return nil, invalidf("direction must be ADD or REMOVE")
	}

	return c.moveStock(ctx, func(stock *StockLedger) (int, domain.InventoryLog, error) {
		return stock.Apply(adj.Grade, delta, ClampAtZero, note)
	})
}

// CountStock records a physical count for one grade.
func (c *Coordinator) CountStock(ctx context.Context, grade domain.Grade, counted int, note string) (*StockMovement, error) {
	if !grade.Valid() {
		return nil, invalidf("unknown grade %q", grade)
	}
	if counted < 0 {
		return nil, invalidf("counted quantity must not be negative")
	}
	return c.moveStock(ctx, func(stock *StockLedger) (int, domain.InventoryLog, error) {
		return stock.Count(grade, counted, note)
	})
}

func (c *Coordinator) moveStock(ctx context.Context, move func(*StockLedger) (int, domain.InventoryLog, error)) (*StockMovement, error) {
	var movement StockMovement
	err := c.repo.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		levels, err := tx.GetStock(ctx)
		if err != nil {
			return err
		}
		stock := NewStockLedger(levels, c.now)
		quantity, entry, err := move(stock)
		if err != nil {
			return err
		}
		if err := tx.SetStock(ctx, stock.Levels()); err != nil {
			return err
		}
		if err := tx.AppendInventoryLog(ctx, entry); err != nil {
			return err
		}
		movement = StockMovement{Grade: entry.Grade, Quantity: quantity, Log: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, events.Event{
		Type:     events.StockAdjusted,
		Grade:    movement.Grade,
		Quantity: movement.Log.Quantity,
		Note:     string(movement.Log.Type),
	})
	return &movement, nil
}

// InitializeStock creates the stock record with zero trays when it is
// missing. Existing levels are left untouched.
func (c *Coordinator) InitializeStock(ctx context.Context) (domain.StockLevels, error) {
	levels, err := c.repo.InitStock(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("stock record initialized")
	return levels, nil
}

// RecordPayment reduces a customer's debt and settles their open sales,
// newest first. The whole change is applied as one batch that fails with
// store.ErrTransactionConflict if the debt moved in the meantime.
func (c *Coordinator) RecordPayment(ctx context.Context, customerID string, amount decimal.Decimal) (*Allocation, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, invalidf("customer id is required")
	}
	if !amount.IsPositive() {
		return nil, invalidf("payment amount must be greater than zero")
	}
	if !domain.IsWholeCents(amount) {
		return nil, invalidf("payment amount %s has more than %d decimals", amount, domain.MoneyScale)
	}

	customer, err := c.repo.GetCustomer(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, customerID)
	}
	if err != nil {
		return nil, err
	}

	open, err := c.repo.ListSales(ctx, store.SaleFilter{CustomerID: customerID, OpenOnly: true})
	if err != nil {
		return nil, err
	}

	allocation := Allocate(customer.Debt, amount, open)
	batch := store.PaymentBatch{
		CustomerID:   customerID,
		ExpectedDebt: customer.Debt,
		NewDebt:      allocation.NewDebt,
	}
	for _, sale := range allocation.Sales {
		if sale.Changed() {
			batch.Sales = append(batch.Sales, store.SalePaymentUpdate{SaleID: sale.SaleID, Status: sale.Status})
		}
	}

	if err := c.repo.ApplyPaymentBatch(ctx, batch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, customerID)
		}
		return nil, err
	}

	c.publish(ctx, events.Event{
		Type:       events.PaymentRecorded,
		CustomerID: customerID,
		Amount:     &amount,
	})
	return &allocation, nil
}

type OrderApproval struct {
	UnitPrice decimal.Decimal
	Status    domain.PaymentStatus
}

// ApproveIncomingOrder turns a pending order into a sale in the same
// transaction that marks the order processed.
func (c *Coordinator) ApproveIncomingOrder(ctx context.Context, orderID string, approval OrderApproval) (*domain.IncomingOrder, *domain.Sale, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, nil, invalidf("order id is required")
	}

	var (
		processed domain.IncomingOrder
		plan      *salePlan
	)
	err := c.repo.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetIncomingOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}
		if order.Status != domain.OrderPending {
			return fmt.Errorf("%w: %s is %s", ErrOrderClosed, order.ID, order.Status)
		}

		in := SaleInput{
			CustomerName: order.CustomerName,
			Grade:        order.Grade,
			Quantity:     order.Quantity,
			UnitPrice:    approval.UnitPrice,
			Status:       approval.Status,
		}
		if err := in.validate(); err != nil {
			return err
		}
		plan, err = c.planSale(ctx, tx, in)
		if err != nil {
			return err
		}

		now := c.now()
		order.Status = domain.OrderProcessed
		order.SaleID = plan.sale.ID
		order.ProcessedAt = &now

		if err := plan.write(ctx, tx); err != nil {
			return err
		}
		if err := tx.PutIncomingOrder(ctx, *order); err != nil {
			return err
		}
		processed = *order
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sale := plan.sale
	total := sale.TotalPrice
	c.publish(ctx, events.Event{
		Type:     events.SaleCreated,
		SaleID:   sale.ID,
		Grade:    sale.Grade,
		Quantity: sale.Quantity,
		Amount:   &total,
	})
	c.publish(ctx, events.Event{
		Type:    events.OrderProcessed,
		OrderID: processed.ID,
		SaleID:  sale.ID,
	})
	return &processed, &sale, nil
}

func (c *Coordinator) RejectIncomingOrder(ctx context.Context, orderID string) (*domain.IncomingOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, invalidf("order id is required")
	}

	var rejected domain.IncomingOrder
	err := c.repo.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetIncomingOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}
		if order.Status != domain.OrderPending {
			return fmt.Errorf("%w: %s is %s", ErrOrderClosed, order.ID, order.Status)
		}
		now := c.now()
		order.Status = domain.OrderRejected
		order.ProcessedAt = &now
		if err := tx.PutIncomingOrder(ctx, *order); err != nil {
			return err
		}
		rejected = *order
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, events.Event{Type: events.OrderRejected, OrderID: rejected.ID})
	return &rejected, nil
}

// publish runs after commit. A failing publisher never undoes a committed
// change, so its error is only logged.
func (c *Coordinator) publish(ctx context.Context, event events.Event) {
	if event.At.IsZero() {
		event.At = c.now()
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("event publish failed", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
