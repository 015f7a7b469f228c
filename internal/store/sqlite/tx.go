package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/store"
)

type liteTx struct {
	tx *sql.Tx
}

func (t *liteTx) GetStock(ctx context.Context) (domain.StockLevels, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT grade, qty FROM stock_levels`)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	return scanStock(rows)
}

func (t *liteTx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, t.tx, id)
}

func (t *liteTx) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, t.tx, id)
}

func (t *liteTx) GetIncomingOrder(ctx context.Context, id string) (*domain.IncomingOrder, error) {
	order, err := scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM incoming_orders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translateError(err)
	}
	return order, nil
}

func (t *liteTx) SetStock(ctx context.Context, levels domain.StockLevels) error {
	now := formatTime(time.Now())
	for _, grade := range domain.Grades {
		qty := levels.Available(grade)
		if qty < 0 {
			return store.ErrInvalidTransaction
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO stock_levels (grade, qty, updated_at)
			VALUES (?,?,?)
			ON CONFLICT (grade)
			DO UPDATE SET qty = excluded.qty, updated_at = excluded.updated_at
		`, string(grade), qty, now)
		if err != nil {
			return translateError(err)
		}
	}
	return nil
}

func (t *liteTx) PutCustomer(ctx context.Context, customer domain.Customer) error {
	if customer.ID == "" || customer.Debt.IsNegative() {
		return store.ErrInvalidTransaction
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET name = ?, phone = ?, address = ?, type = ?,
		    total_purchases = ?, debt = ?, last_purchase_at = ?
		WHERE id = ?
	`, customer.Name, customer.Phone, customer.Address, string(customer.Type),
		customer.TotalPurchases.String(), customer.Debt.String(), nullTime(customer.LastPurchaseAt), customer.ID)
	if err != nil {
		return translateError(err)
	}
	return requireRow(res)
}

func (t *liteTx) CreateSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" {
		return store.ErrInvalidTransaction
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, customer_id, customer_name, grade, quantity, unit_price, total_price, status, amount_paid, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, sale.ID, sale.CustomerID, sale.CustomerName, string(sale.Grade), sale.Quantity,
		sale.UnitPrice.String(), sale.TotalPrice.String(), string(sale.Status.State()),
		sale.Status.PartialAmount().String(), formatTime(sale.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return translateError(err)
	}
	return nil
}

func (t *liteTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET customer_name = ?, status = ?, amount_paid = ?
		WHERE id = ?
	`, sale.CustomerName, string(sale.Status.State()), sale.Status.PartialAmount().String(), sale.ID)
	if err != nil {
		return translateError(err)
	}
	return requireRow(res)
}

func (t *liteTx) DeleteSale(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM sales WHERE id = ?`, id)
	return translateError(err)
}

func (t *liteTx) AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) error {
	if entry.ID == "" || entry.Quantity < 0 {
		return store.ErrInvalidTransaction
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_logs (id, type, grade, quantity, note, sale_id, created_at)
		VALUES (?,?,?,?,?,?,?)
	`, entry.ID, string(entry.Type), string(entry.Grade), entry.Quantity, entry.Note, entry.SaleID, formatTime(entry.CreatedAt))
	return translateError(err)
}

func (t *liteTx) PutIncomingOrder(ctx context.Context, order domain.IncomingOrder) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE incoming_orders
		SET status = ?, sale_id = ?, processed_at = ?, note = ?
		WHERE id = ?
	`, string(order.Status), order.SaleID, nullTime(order.ProcessedAt), order.Note, order.ID)
	if err != nil {
		return translateError(err)
	}
	return requireRow(res)
}
