package store

import (
	"context"

	"oeufmaster/backend/internal/domain"
)

// Ordered wraps tx so that a read issued after any write fails with
// ErrReadAfterWrite instead of reaching the underlying store.
func Ordered(tx Tx) Tx {
	return &orderedTx{inner: tx}
}

type orderedTx struct {
	inner Tx
	wrote bool
}

func (o *orderedTx) checkRead() error {
	if o.wrote {
		return ErrReadAfterWrite
	}
	return nil
}

func (o *orderedTx) GetStock(ctx context.Context) (domain.StockLevels, error) {
	if err := o.checkRead(); err != nil {
		return nil, err
	}
	return o.inner.GetStock(ctx)
}

func (o *orderedTx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	if err := o.checkRead(); err != nil {
		return nil, err
	}
	return o.inner.GetSale(ctx, id)
}

func (o *orderedTx) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	if err := o.checkRead(); err != nil {
		return nil, err
	}
	return o.inner.GetCustomer(ctx, id)
}

func (o *orderedTx) GetIncomingOrder(ctx context.Context, id string) (*domain.IncomingOrder, error) {
	if err := o.checkRead(); err != nil {
		return nil, err
	}
	return o.inner.GetIncomingOrder(ctx, id)
}

func (o *orderedTx) SetStock(ctx context.Context, levels domain.StockLevels) error {
	o.wrote = true
	return o.inner.SetStock(ctx, levels)
}

func (o *orderedTx) PutCustomer(ctx context.Context, customer domain.Customer) error {
	o.wrote = true
	return o.inner.PutCustomer(ctx, customer)
}

func (o *orderedTx) CreateSale(ctx context.Context, sale domain.Sale) error {
	o.wrote = true
	return o.inner.CreateSale(ctx, sale)
}

func (o *orderedTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	o.wrote = true
	return o.inner.UpdateSale(ctx, sale)
}

func (o *orderedTx) DeleteSale(ctx context.Context, id string) error {
	o.wrote = true
	return o.inner.DeleteSale(ctx, id)
}

func (o *orderedTx) AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) error {
	o.wrote = true
	return o.inner.AppendInventoryLog(ctx, entry)
}

func (o *orderedTx) PutIncomingOrder(ctx context.Context, order domain.IncomingOrder) error {
	o.wrote = true
	return o.inner.PutIncomingOrder(ctx, order)
}
