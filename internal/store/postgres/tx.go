package postgres

import (
	"context"
	"database/sql"
	"errors"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/store"
)

// pgTx locks every row it reads so competing writers serialize on it.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetStock(ctx context.Context) (domain.StockLevels, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT grade, qty FROM stock_levels FOR UPDATE`)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	return scanStock(rows)
}

func (t *pgTx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(t.tx.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translateError(err)
	}
	return sale, nil
}

func (t *pgTx) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	customer, err := scanCustomer(t.tx.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translateError(err)
	}
	return customer, nil
}

func (t *pgTx) GetIncomingOrder(ctx context.Context, id string) (*domain.IncomingOrder, error) {
	order, err := scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM incoming_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translateError(err)
	}
	return order, nil
}

func (t *pgTx) SetStock(ctx context.Context, levels domain.StockLevels) error {
	for _, grade := range domain.Grades {
		qty := levels.Available(grade)
		if qty < 0 {
			return store.ErrInvalidTransaction
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO stock_levels (grade, qty, updated_at)
			VALUES ($1,$2,now())
			ON CONFLICT (grade)
			DO UPDATE SET qty = EXCLUDED.qty, updated_at = now()
		`, string(grade), qty)
		if err != nil {
			return translateError(err)
		}
	}
	return nil
}

func (t *pgTx) PutCustomer(ctx context.Context, customer domain.Customer) error {
	if customer.ID == "" || customer.Debt.IsNegative() {
		return store.ErrInvalidTransaction
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET name = $2, phone = $3, address = $4, type = $5,
		    total_purchases = $6, debt = $7, last_purchase_at = $8
		WHERE id = $1
	`, customer.ID, customer.Name, customer.Phone, customer.Address, string(customer.Type),
		customer.TotalPurchases, customer.Debt, nullTime(customer.LastPurchaseAt))
	if err != nil {
		return translateError(err)
	}
	return requireRow(res)
}

func (t *pgTx) CreateSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" {
		return store.ErrInvalidTransaction
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, customer_id, customer_name, grade, quantity, unit_price, total_price, status, amount_paid, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, nullIfEmpty(sale.CustomerID), sale.CustomerName, string(sale.Grade), sale.Quantity,
		sale.UnitPrice, sale.TotalPrice, string(sale.Status.State()), sale.Status.PartialAmount(), sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return translateError(err)
	}
	return nil
}

func (t *pgTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET customer_name = $2, status = $3, amount_paid = $4
		WHERE id = $1
	`, sale.ID, sale.CustomerName, string(sale.Status.State()), sale.Status.PartialAmount())
	if err != nil {
		return translateError(err)
	}
	return requireRow(res)
}

func (t *pgTx) DeleteSale(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
	return translateError(err)
}

func (t *pgTx) AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) error {
	if entry.ID == "" || entry.Quantity < 0 {
		return store.ErrInvalidTransaction
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_logs (id, type, grade, quantity, note, sale_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, string(entry.Type), string(entry.Grade), entry.Quantity, entry.Note, nullIfEmpty(entry.SaleID), entry.CreatedAt)
	return translateError(err)
}

func (t *pgTx) PutIncomingOrder(ctx context.Context, order domain.IncomingOrder) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE incoming_orders
		SET status = $2, sale_id = $3, processed_at = $4, note = $5
		WHERE id = $1
	`, order.ID, string(order.Status), nullIfEmpty(order.SaleID), nullTime(order.ProcessedAt), order.Note)
	if err != nil {
		return translateError(err)
	}
	return requireRow(res)
}

// requireRow treats an update that matched nothing as a lost race.
func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrTransactionConflict
	}
	return nil
}
