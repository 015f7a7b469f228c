package memory

import (
	"context"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/store"
)

type pendingWrite struct {
	key   string
	check func(s *Store) error
	apply func(s *Store)
}

// memTx records the version of every document it reads and buffers its
// writes. commit applies the writes only if no read document changed since.
type memTx struct {
	store  *Store
	reads  map[string]uint64
	writes []pendingWrite
}

// observe must be called with the store lock held.
func (t *memTx) observe(key string) {
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = t.store.versions[key]
	}
}

func (t *memTx) buffer(write pendingWrite) {
	t.writes = append(t.writes, write)
}

func (t *memTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, seen := range t.reads {
		if s.versions[key] != seen {
			return store.ErrTransactionConflict
		}
	}
	for _, write := range t.writes {
		if write.check == nil {
			continue
		}
		if err := write.check(s); err != nil {
			return err
		}
	}
	for _, write := range t.writes {
		write.apply(s)
		s.versions[write.key]++
	}
	return nil
}

func (t *memTx) GetStock(ctx context.Context) (domain.StockLevels, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	t.observe(stockKey)
	if t.store.stock == nil {
		return nil, store.ErrStockRecordMissing
	}
	return t.store.stock.Clone(), nil
}

func (t *memTx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	t.observe(saleKey(id))
	stored, ok := t.store.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := stored.sale
	return &sale, nil
}

func (t *memTx) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	t.observe(customerKey(id))
	customer, ok := t.store.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneCustomer(customer)
	return &out, nil
}

func (t *memTx) GetIncomingOrder(ctx context.Context, id string) (*domain.IncomingOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	t.observe(orderKey(id))
	stored, ok := t.store.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(stored.order)
	return &out, nil
}

func (t *memTx) SetStock(_ context.Context, levels domain.StockLevels) error {
	for _, qty := range levels {
		if qty < 0 {
			return store.ErrInvalidTransaction
		}
	}
	snapshot := levels.Clone()
	t.buffer(pendingWrite{
		key:   stockKey,
		apply: func(s *Store) { s.stock = snapshot },
	})
	return nil
}

func (t *memTx) PutCustomer(_ context.Context, customer domain.Customer) error {
	if customer.ID == "" || customer.Debt.IsNegative() {
		return store.ErrInvalidTransaction
	}
	snapshot := cloneCustomer(customer)
	t.buffer(pendingWrite{
		key:   customerKey(customer.ID),
		apply: func(s *Store) { s.customers[snapshot.ID] = snapshot },
	})
	return nil
}

func (t *memTx) CreateSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" {
		return store.ErrInvalidTransaction
	}
	t.buffer(pendingWrite{
		key: saleKey(sale.ID),
		check: func(s *Store) error {
			if _, exists := s.sales[sale.ID]; exists {
				return store.ErrAlreadyExists
			}
			return nil
		},
		apply: func(s *Store) {
			s.seq++
			s.sales[sale.ID] = storedSale{sale: sale, seq: s.seq}
		},
	})
	return nil
}

func (t *memTx) UpdateSale(_ context.Context, sale domain.Sale) error {
	t.buffer(pendingWrite{
		key: saleKey(sale.ID),
		check: func(s *Store) error {
			if _, exists := s.sales[sale.ID]; !exists {
				return store.ErrTransactionConflict
			}
			return nil
		},
		apply: func(s *Store) {
			stored := s.sales[sale.ID]
			stored.sale = sale
			s.sales[sale.ID] = stored
		},
	})
	return nil
}

func (t *memTx) DeleteSale(_ context.Context, id string) error {
	t.buffer(pendingWrite{
		key:   saleKey(id),
		apply: func(s *Store) { delete(s.sales, id) },
	})
	return nil
}

func (t *memTx) AppendInventoryLog(_ context.Context, entry domain.InventoryLog) error {
	if entry.ID == "" || entry.Quantity < 0 {
		return store.ErrInvalidTransaction
	}
	t.buffer(pendingWrite{
		key:   "inventory_logs/" + entry.ID,
		apply: func(s *Store) { s.inventoryLogs = append(s.inventoryLogs, entry) },
	})
	return nil
}

func (t *memTx) PutIncomingOrder(_ context.Context, order domain.IncomingOrder) error {
	snapshot := cloneOrder(order)
	t.buffer(pendingWrite{
		key: orderKey(order.ID),
		check: func(s *Store) error {
			if _, exists := s.orders[snapshot.ID]; !exists {
				return store.ErrTransactionConflict
			}
			return nil
		},
		apply: func(s *Store) {
			stored := s.orders[snapshot.ID]
			stored.order = snapshot
			s.orders[snapshot.ID] = stored
		},
	})
	return nil
}
