package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/store"
	"oeufmaster/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables the store needs. It is safe to run on every
// start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RunTransaction runs fn in a serializable transaction. Serialization
// failures surface as store.ErrTransactionConflict so callers can retry the
// whole operation.
func (s *Store) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translateError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, store.Ordered(&pgTx{tx: sqlTx})); err != nil {
		return translateError(err)
	}
	return translateError(sqlTx.Commit())
}

func (s *Store) ApplyPaymentBatch(ctx context.Context, batch store.PaymentBatch) error {
	if batch.CustomerID == "" || batch.NewDebt.IsNegative() {
		return store.ErrInvalidTransaction
	}

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translateError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE customers
		SET debt = $3
		WHERE id = $1 AND debt = $2
	`, batch.CustomerID, batch.ExpectedDebt, batch.NewDebt)
	if err != nil {
		return translateError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := sqlTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, batch.CustomerID).Scan(&exists); err != nil {
			return translateError(err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrTransactionConflict
	}

	for _, update := range batch.Sales {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE sales
			SET status = $3, amount_paid = $4
			WHERE id = $1 AND customer_id = $2
		`, update.SaleID, batch.CustomerID, string(update.Status.State()), update.Status.PartialAmount())
		if err != nil {
			return translateError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrTransactionConflict
		}
	}

	return translateError(sqlTx.Commit())
}

func (s *Store) InitStock(ctx context.Context) (domain.StockLevels, error) {
	for _, grade := range domain.Grades {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stock_levels (grade, qty, updated_at)
			VALUES ($1, 0, now())
			ON CONFLICT (grade) DO NOTHING
		`, string(grade))
		if err != nil {
			return nil, translateError(err)
		}
	}
	return s.GetStock(ctx)
}

func (s *Store) GetStock(ctx context.Context) (domain.StockLevels, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT grade, qty FROM stock_levels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStock(rows)
}

func (s *Store) ListInventoryLogs(ctx context.Context, limit int) ([]domain.InventoryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, grade, quantity, note, COALESCE(sale_id, ''), created_at
		FROM inventory_logs
		ORDER BY seq DESC
		LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.InventoryLog, 0, 64)
	for rows.Next() {
		var entry domain.InventoryLog
		var movement, grade string
		if err := rows.Scan(&entry.ID, &movement, &grade, &entry.Quantity, &entry.Note, &entry.SaleID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Type = domain.MovementType(movement)
		entry.Grade = domain.Grade(grade)
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

const saleColumns = `id, COALESCE(customer_id, ''), customer_name, grade, quantity, unit_price, total_price, status, amount_paid, created_at`

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1 = '' OR customer_id = $1)
		  AND (NOT $2 OR status IN ('PENDING', 'PARTIAL'))
		ORDER BY created_at DESC, seq DESC
		LIMIT $3
	`, filter.CustomerID, filter.OpenOnly, nullLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

const customerColumns = `id, name, phone, address, type, total_purchases, debt, last_purchase_at, created_at`

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" || customer.Debt.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.Type == "" {
		customer.Type = domain.CustomerIndividual
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, address, type, total_purchases, debt, last_purchase_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, customer.ID, customer.Name, customer.Phone, customer.Address, string(customer.Type),
		customer.TotalPurchases, customer.Debt, nullTime(customer.LastPurchaseAt), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	customer, err := scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return customer, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY lower(name), id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const orderColumns = `id, customer_name, customer_phone, grade, quantity, note, status, COALESCE(sale_id, ''), created_at, processed_at`

func (s *Store) CreateIncomingOrder(ctx context.Context, order domain.IncomingOrder) (*domain.IncomingOrder, error) {
	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if order.Status == "" {
		order.Status = domain.OrderPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incoming_orders (id, customer_name, customer_phone, grade, quantity, note, status, sale_id, created_at, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, order.ID, order.CustomerName, order.CustomerPhone, string(order.Grade), order.Quantity, order.Note,
		string(order.Status), nullIfEmpty(order.SaleID), order.CreatedAt, nullTime(order.ProcessedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, translateError(err)
	}

	created := order
	return &created, nil
}

func (s *Store) ListIncomingOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.IncomingOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM incoming_orders
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, string(status), nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.IncomingOrder, 0, 32)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if !expense.Amount.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	if expense.SpentAt.IsZero() {
		expense.SpentAt = expense.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, category, amount, description, spent_at, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, expense.ID, string(expense.Category), expense.Amount, expense.Description, expense.SpentAt, expense.RecordedBy, expense.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, translateError(err)
	}

	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(ctx context.Context, limit int) ([]domain.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, amount, description, spent_at, recorded_by, created_at
		FROM expenses
		ORDER BY spent_at DESC, seq DESC
		LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 32)
	for rows.Next() {
		var expense domain.Expense
		var category string
		if err := rows.Scan(&expense.ID, &category, &expense.Amount, &expense.Description, &expense.SpentAt, &expense.RecordedBy, &expense.CreatedAt); err != nil {
			return nil, err
		}
		expense.Category = domain.ExpenseCategory(category)
		expenses = append(expenses, expense)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expenses, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStock(rows *sql.Rows) (domain.StockLevels, error) {
	levels := domain.NewStockLevels()
	found := false
	for rows.Next() {
		var grade string
		var qty int
		if err := rows.Scan(&grade, &qty); err != nil {
			return nil, err
		}
		levels[domain.Grade(grade)] = qty
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, store.ErrStockRecordMissing
	}
	return levels, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var (
		sale       domain.Sale
		grade      string
		state      string
		amountPaid decimal.Decimal
	)
	if err := row.Scan(&sale.ID, &sale.CustomerID, &sale.CustomerName, &grade, &sale.Quantity,
		&sale.UnitPrice, &sale.TotalPrice, &state, &amountPaid, &sale.CreatedAt); err != nil {
		return nil, err
	}
	status, err := domain.ParsePaymentStatus(state, amountPaid)
	if err != nil {
		return nil, err
	}
	sale.Grade = domain.Grade(grade)
	sale.Status = status
	return &sale, nil
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var (
		customer     domain.Customer
		customerType string
		lastPurchase sql.NullTime
	)
	if err := row.Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.Address, &customerType,
		&customer.TotalPurchases, &customer.Debt, &lastPurchase, &customer.CreatedAt); err != nil {
		return nil, err
	}
	customer.Type = domain.CustomerType(customerType)
	if lastPurchase.Valid {
		at := lastPurchase.Time
		customer.LastPurchaseAt = &at
	}
	return &customer, nil
}

func scanOrder(row rowScanner) (*domain.IncomingOrder, error) {
	var (
		order       domain.IncomingOrder
		grade       string
		status      string
		processedAt sql.NullTime
	)
	if err := row.Scan(&order.ID, &order.CustomerName, &order.CustomerPhone, &grade, &order.Quantity,
		&order.Note, &status, &order.SaleID, &order.CreatedAt, &processedAt); err != nil {
		return nil, err
	}
	order.Grade = domain.Grade(grade)
	order.Status = domain.OrderStatus(status)
	if processedAt.Valid {
		at := processedAt.Time
		order.ProcessedAt = &at
	}
	return &order, nil
}

// translateError maps postgres failures onto the store sentinels. Errors that
// are not postgres errors pass through unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return errors.Join(store.ErrTransactionConflict, err)
	case "42501":
		return errors.Join(store.ErrPermissionDenied, err)
	case "23514", "23502":
		return errors.Join(store.ErrInvalidTransaction, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
