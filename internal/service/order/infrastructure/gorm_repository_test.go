package infrastructure

import (
	"context"
	"testing"
	"time"

	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormOrderRepository_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewGormOrderRepository(newTestDB(t))

	order, err := domain.NewOrder("o-1", "actor-1", "card", []domain.LineItem{
		{ProductKey: "sku-1", Quantity: 2, UnitPrice: decimal.RequireFromString("9.99")},
	})
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, order))

	require.NoError(t, order.MarkQueued())
	require.NoError(t, repo.Save(ctx, order))

	got, err := repo.FindByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, "actor-1", got.ActorID)
	require.Len(t, got.Items, 1)
	assert.True(t, decimal.RequireFromString("19.98").Equal(got.Total()))

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestGormSales_RecordIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	sales := NewGormSales(newTestDB(t))
	order, err := domain.NewOrder("o-1", "actor-1", "card", []domain.LineItem{{ProductKey: "sku", Quantity: 1}})
	require.NoError(t, err)
	receipt := &port.PaymentReceipt{TransactionID: "tx-1", OrderID: "o-1", Amount: decimal.NewFromInt(10), ApprovedAt: time.Now()}

	id1, err := sales.Record(ctx, order, receipt)
	require.NoError(t, err)
	id2, err := sales.Record(ctx, order, receipt)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	require.NoError(t, sales.Void(ctx, id1))
	rec, ok, err := sales.Get(ctx, id1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SaleVoided, rec.Status)
	assert.True(t, decimal.NewFromInt(10).Equal(rec.Amount))

	_, ok, err = sales.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
