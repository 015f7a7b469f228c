package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/store"
	"oeufmaster/backend/internal/xid"
)

//go:embed schema.sql
var schema string

// timeLayout keeps a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists the shop in a single SQLite file. Every transaction takes
// the write lock when it begins, so transactions never interleave.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, store.Ordered(&liteTx{tx: sqlTx})); err != nil {
		return translateError(err)
	}
	return translateError(sqlTx.Commit())
}

func (s *Store) ApplyPaymentBatch(ctx context.Context, batch store.PaymentBatch) error {
	if batch.CustomerID == "" || batch.NewDebt.IsNegative() {
		return store.ErrInvalidTransaction
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	var rawDebt string
	err = sqlTx.QueryRowContext(ctx, `SELECT debt FROM customers WHERE id = ?`, batch.CustomerID).Scan(&rawDebt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return translateError(err)
	}
	debt, err := parseDecimal(rawDebt)
	if err != nil {
		return err
	}
	if !debt.Equal(batch.ExpectedDebt) {
		return store.ErrTransactionConflict
	}

	if _, err := sqlTx.ExecContext(ctx, `UPDATE customers SET debt = ? WHERE id = ?`, batch.NewDebt.String(), batch.CustomerID); err != nil {
		return translateError(err)
	}
	for _, update := range batch.Sales {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE sales
			SET status = ?, amount_paid = ?
			WHERE id = ? AND customer_id = ?
		`, string(update.Status.State()), update.Status.PartialAmount().String(), update.SaleID, batch.CustomerID)
		if err != nil {
			return translateError(err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
	}

	return translateError(sqlTx.Commit())
}

func (s *Store) InitStock(ctx context.Context) (domain.StockLevels, error) {
	now := formatTime(time.Now())
	for _, grade := range domain.Grades {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stock_levels (grade, qty, updated_at)
			VALUES (?, 0, ?)
			ON CONFLICT (grade) DO NOTHING
		`, string(grade), now)
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
		SELECT id, type, grade, quantity, note, sale_id, created_at
		FROM inventory_logs
		ORDER BY seq DESC
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.InventoryLog, 0, 64)
	for rows.Next() {
		var (
			entry           domain.InventoryLog
			movement, grade string
			createdAt       string
		)
		if err := rows.Scan(&entry.ID, &movement, &grade, &entry.Quantity, &entry.Note, &entry.SaleID, &createdAt); err != nil {
			return nil, err
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
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

const saleColumns = `id, customer_id, customer_name, grade, quantity, unit_price, total_price, status, amount_paid, created_at`

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, s.db, id)
}

func (s *Store) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE 1 = 1`
	args := make([]any, 0, 2)
	if filter.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	if filter.OpenOnly {
		query += ` AND status IN ('PENDING', 'PARTIAL')`
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, sqlLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		VALUES (?,?,?,?,?,?,?,?,?)
	`, customer.ID, customer.Name, customer.Phone, customer.Address, string(customer.Type),
		customer.TotalPurchases.String(), customer.Debt.String(), nullTime(customer.LastPurchaseAt), formatTime(customer.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, translateError(err)
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, id)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, id)
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

const orderColumns = `id, customer_name, customer_phone, grade, quantity, note, status, sale_id, created_at, processed_at`

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
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, order.ID, order.CustomerName, order.CustomerPhone, string(order.Grade), order.Quantity, order.Note,
		string(order.Status), order.SaleID, formatTime(order.CreatedAt), nullTime(order.ProcessedAt))
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
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, string(status), string(status), sqlLimit(limit))
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
		VALUES (?,?,?,?,?,?,?)
	`, expense.ID, string(expense.Category), expense.Amount.String(), expense.Description,
		formatTime(expense.SpentAt), expense.RecordedBy, formatTime(expense.CreatedAt))
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
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 32)
	for rows.Next() {
		var (
			expense            domain.Expense
			category, amount   string
			spentAt, createdAt string
		)
		if err := rows.Scan(&expense.ID, &category, &amount, &expense.Description, &spentAt, &expense.RecordedBy, &createdAt); err != nil {
			return nil, err
		}
		if expense.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if expense.SpentAt, err = parseTime(spentAt); err != nil {
			return nil, err
		}
		if expense.CreatedAt, err = parseTime(createdAt); err != nil {
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
		VALUES (?,?,?,1,?)
	`, username, user.Password, user.Role, formatTime(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return translateError(err)
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
		var createdAt string
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &createdAt); err != nil {
			return nil, err
		}
		if user.CreatedAt, err = parseTime(createdAt); err != nil {
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
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE username = ?`, password, username)
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

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getSale(ctx context.Context, q querier, id string) (*domain.Sale, error) {
	sale, err := scanSale(q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translateError(err)
	}
	return sale, nil
}

func getCustomer(ctx context.Context, q querier, id string) (*domain.Customer, error) {
	customer, err := scanCustomer(q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, translateError(err)
	}
	return customer, nil
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
		sale                         domain.Sale
		grade, state                 string
		unitPrice, total, amountPaid string
		createdAt                    string
	)
	if err := row.Scan(&sale.ID, &sale.CustomerID, &sale.CustomerName, &grade, &sale.Quantity,
		&unitPrice, &total, &state, &amountPaid, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if sale.UnitPrice, err = parseDecimal(unitPrice); err != nil {
		return nil, err
	}
	if sale.TotalPrice, err = parseDecimal(total); err != nil {
		return nil, err
	}
	paid, err := parseDecimal(amountPaid)
	if err != nil {
		return nil, err
	}
	if sale.Status, err = domain.ParsePaymentStatus(state, paid); err != nil {
		return nil, err
	}
	if sale.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	sale.Grade = domain.Grade(grade)
	return &sale, nil
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var (
		customer             domain.Customer
		customerType         string
		totalPurchases, debt string
		lastPurchase         sql.NullString
		createdAt            string
	)
	if err := row.Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.Address, &customerType,
		&totalPurchases, &debt, &lastPurchase, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if customer.TotalPurchases, err = parseDecimal(totalPurchases); err != nil {
		return nil, err
	}
	if customer.Debt, err = parseDecimal(debt); err != nil {
		return nil, err
	}
	if customer.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if lastPurchase.Valid {
		at, err := parseTime(lastPurchase.String)
		if err != nil {
			return nil, err
		}
		customer.LastPurchaseAt = &at
	}
	customer.Type = domain.CustomerType(customerType)
	return &customer, nil
}

func scanOrder(row rowScanner) (*domain.IncomingOrder, error) {
	var (
		order         domain.IncomingOrder
		grade, status string
		createdAt     string
		processedAt   sql.NullString
	)
	if err := row.Scan(&order.ID, &order.CustomerName, &order.CustomerPhone, &grade, &order.Quantity,
		&order.Note, &status, &order.SaleID, &createdAt, &processedAt); err != nil {
		return nil, err
	}

	var err error
	if order.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if processedAt.Valid {
		at, err := parseTime(processedAt.String)
		if err != nil {
			return nil, err
		}
		order.ProcessedAt = &at
	}
	order.Grade = domain.Grade(grade)
	order.Status = domain.OrderStatus(status)
	return &order, nil
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var liteErr sqlite3.Error
	if !errors.As(err, &liteErr) {
		return err
	}
	switch {
	case liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked:
		return errors.Join(store.ErrTransactionConflict, err)
	case liteErr.Code == sqlite3.ErrReadonly || liteErr.Code == sqlite3.ErrPerm || liteErr.Code == sqlite3.ErrAuth:
		return errors.Join(store.ErrPermissionDenied, err)
	case liteErr.ExtendedCode == sqlite3.ErrConstraintCheck || liteErr.ExtendedCode == sqlite3.ErrConstraintNotNull:
		return errors.Join(store.ErrInvalidTransaction, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

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

// sqlLimit maps "no limit" onto SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(timeLayout, raw)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return formatTime(*val)
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
