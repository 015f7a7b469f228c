package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"oeufmaster/backend/internal/domain"
)

type Type string

const (
	SaleCreated       Type = "sale.created"
	SaleDeleted       Type = "sale.deleted"
	SaleStatusUpdated Type = "sale.status_updated"
	StockAdjusted     Type = "stock.adjusted"
	PaymentRecorded   Type = "payment.recorded"
	OrderReceived     Type = "order.received"
	OrderProcessed    Type = "order.processed"
	OrderRejected     Type = "order.rejected"
)

// Event describes a committed change. Publishers only ever see events for
// writes that are already durable.
type Event struct {
	Type       Type             `json:"type"`
	At         time.Time        `json:"at"`
	SaleID     string           `json:"sale_id,omitempty"`
	CustomerID string           `json:"customer_id,omitempty"`
	OrderID    string           `json:"order_id,omitempty"`
	Grade      domain.Grade     `json:"grade,omitempty"`
	Quantity   int              `json:"quantity,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Note       string           `json:"note,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Noop struct{}

func (Noop) Publish(_ context.Context, _ Event) error {
	return nil
}

// LogPublisher writes every event to the application log.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	fields := []zap.Field{zap.String("type", string(event.Type)), zap.Time("at", event.At)}
	if event.SaleID != "" {
		fields = append(fields, zap.String("sale_id", event.SaleID))
	}
	if event.CustomerID != "" {
		fields = append(fields, zap.String("customer_id", event.CustomerID))
	}
	if event.OrderID != "" {
		fields = append(fields, zap.String("order_id", event.OrderID))
	}
	if event.Grade != "" {
		fields = append(fields, zap.String("grade", string(event.Grade)), zap.Int("quantity", event.Quantity))
	}
	if event.Amount != nil {
		fields = append(fields, zap.String("amount", event.Amount.String()))
	}
	p.logger.Info("event", fields...)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range m {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, event := range r.events {
		out[i] = event.Type
	}
	return out
}
