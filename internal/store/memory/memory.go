package memory

import (
	"cmp"
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/store"
	"oeufmaster/backend/internal/xid"
)

const stockKey = "settings/general"

func saleKey(id string) string     { return "sales/" + id }
func customerKey(id string) string { return "customers/" + id }
func orderKey(id string) string    { return "incoming_orders/" + id }

type storedSale struct {
	sale domain.Sale
	seq  uint64
}

type storedOrder struct {
	order domain.IncomingOrder
	seq   uint64
}

// Store keeps every collection in process memory. Each document carries a
// version that transactions validate at commit time.
type Store struct {
	mu              sync.RWMutex
	logger          *zap.Logger
	seq             uint64
	versions        map[string]uint64
	stock           domain.StockLevels
	sales           map[string]storedSale
	customers       map[string]domain.Customer
	orders          map[string]storedOrder
	inventoryLogs   []domain.InventoryLog
	expenses        []domain.Expense
	usersByUsername map[string]domain.UserAccount
}

// New returns an empty store whose stock record is not yet initialized.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:          logger.Named("memory-store"),
		versions:        make(map[string]uint64),
		sales:           make(map[string]storedSale),
		customers:       make(map[string]domain.Customer),
		orders:          make(map[string]storedOrder),
		inventoryLogs:   make([]domain.InventoryLog, 0, 128),
		expenses:        make([]domain.Expense, 0, 32),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store for dev/demo mode with initialized stock and the
// seed user accounts.
func NewSeeded(logger *zap.Logger) *Store {
	s := New(logger)
	s.stock = domain.StockLevels{
		domain.GradeSmall:  60,
		domain.GradeMedium: 120,
		domain.GradeLarge:  120,
		domain.GradeJumbo:  40,
	}
	s.versions[stockKey] = 1
	s.usersByUsername = seedUsers(s.logger)
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD; if
// unset, dev defaults are used and a warning is logged.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		logger.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"seller", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	tx := &memTx{store: s, reads: make(map[string]uint64)}
	if err := fn(ctx, store.Ordered(tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) ApplyPaymentBatch(ctx context.Context, batch store.PaymentBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customers[batch.CustomerID]
	if !ok {
		return store.ErrNotFound
	}
	if !customer.Debt.Equal(batch.ExpectedDebt) {
		return store.ErrTransactionConflict
	}
	for _, update := range batch.Sales {
		stored, ok := s.sales[update.SaleID]
		if !ok || stored.sale.CustomerID != batch.CustomerID {
			return store.ErrTransactionConflict
		}
	}

	customer.Debt = batch.NewDebt
	s.customers[batch.CustomerID] = customer
	s.versions[customerKey(batch.CustomerID)]++
	for _, update := range batch.Sales {
		stored := s.sales[update.SaleID]
		stored.sale.Status = update.Status
		s.sales[update.SaleID] = stored
		s.versions[saleKey(update.SaleID)]++
	}
	return nil
}

func (s *Store) InitStock(_ context.Context) (domain.StockLevels, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stock == nil {
		s.stock = domain.NewStockLevels()
		s.versions[stockKey]++
		s.logger.Info("stock record initialized")
	}
	return s.stock.Clone(), nil
}

func (s *Store) GetStock(_ context.Context) (domain.StockLevels, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stock == nil {
		return nil, store.ErrStockRecordMissing
	}
	return s.stock.Clone(), nil
}

func (s *Store) ListInventoryLogs(_ context.Context, limit int) ([]domain.InventoryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InventoryLog, 0, len(s.inventoryLogs))
	for i := len(s.inventoryLogs) - 1; i >= 0; i-- {
		out = append(out, s.inventoryLogs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := stored.sale
	return &sale, nil
}

func (s *Store) ListSales(_ context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	matched := make([]storedSale, 0, len(s.sales))
	for _, stored := range s.sales {
		if filter.CustomerID != "" && stored.sale.CustomerID != filter.CustomerID {
			continue
		}
		if filter.OpenOnly && !stored.sale.Status.IsOpen() {
			continue
		}
		matched = append(matched, stored)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b storedSale) int {
		if c := b.sale.CreatedAt.Compare(a.sale.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]domain.Sale, len(matched))
	for i, stored := range matched {
		out[i] = stored.sale
	}
	return out, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customers[customer.ID] = cloneCustomer(customer)
	s.versions[customerKey(customer.ID)]++

	created := cloneCustomer(customer)
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneCustomer(customer)
	return &out, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	out := make([]domain.Customer, 0, len(s.customers))
	for _, customer := range s.customers {
		out = append(out, cloneCustomer(customer))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Customer) int {
		if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.customers, id)
	s.versions[customerKey(id)]++
	return nil
}

func (s *Store) CreateIncomingOrder(_ context.Context, order domain.IncomingOrder) (*domain.IncomingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if _, exists := s.orders[order.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = domain.OrderPending
	}
	s.seq++
	s.orders[order.ID] = storedOrder{order: cloneOrder(order), seq: s.seq}
	s.versions[orderKey(order.ID)]++

	created := cloneOrder(order)
	return &created, nil
}

func (s *Store) ListIncomingOrders(_ context.Context, status domain.OrderStatus, limit int) ([]domain.IncomingOrder, error) {
	s.mu.RLock()
	matched := make([]storedOrder, 0, len(s.orders))
	for _, stored := range s.orders {
		if status != "" && stored.order.Status != status {
			continue
		}
		matched = append(matched, stored)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b storedOrder) int {
		if c := b.order.CreatedAt.Compare(a.order.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]domain.IncomingOrder, len(matched))
	for i, stored := range matched {
		out[i] = cloneOrder(stored.order)
	}
	return out, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	if expense.SpentAt.IsZero() {
		expense.SpentAt = expense.CreatedAt
	}
	s.expenses = append(s.expenses, expense)
	return &expense, nil
}

func (s *Store) ListExpenses(_ context.Context, limit int) ([]domain.Expense, error) {
	s.mu.RLock()
	out := make([]domain.Expense, len(s.expenses))
	copy(out, s.expenses)
	s.mu.RUnlock()

	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b domain.Expense) int {
		return b.SpentAt.Compare(a.SpentAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrAlreadyExists
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneCustomer(src domain.Customer) domain.Customer {
	dup := src
	if src.LastPurchaseAt != nil {
		at := *src.LastPurchaseAt
		dup.LastPurchaseAt = &at
	}
	return dup
}

func cloneOrder(src domain.IncomingOrder) domain.IncomingOrder {
	dup := src
	if src.ProcessedAt != nil {
		at := *src.ProcessedAt
		dup.ProcessedAt = &at
	}
	return dup
}
