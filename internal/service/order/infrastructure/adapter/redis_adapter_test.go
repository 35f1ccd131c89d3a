package adapter

import (
	"context"
	"testing"
	"time"

	"checkout/internal/pkg/redis"
	"checkout/internal/service/order/domain"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestInventoryRedisAdapter_Lifecycle(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedis(t)
	inv, err := NewInventoryRedisAdapter(client)
	require.NoError(t, err)
	require.NoError(t, inv.SetStock(ctx, "sku-1", 5))

	require.NoError(t, inv.Reserve(ctx, "o-1", "sku-1", 3))
	require.NoError(t, inv.Reserve(ctx, "o-1", "sku-1", 3), "reserve is idempotent")

	stock, err := inv.GetStock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stock)

	err = inv.Reserve(ctx, "o-2", "sku-1", 3)
	require.ErrorIs(t, err, domain.ErrStockInsufficient)
	var se *domain.StockInsufficientError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Available)

	require.NoError(t, inv.Confirm(ctx, "o-1", "sku-1", 3))
	require.NoError(t, inv.Confirm(ctx, "o-1", "sku-1", 3))
	assert.Equal(t, "2", mr.HGet("inventory:{sku-1}", "on_hand"))
	assert.Equal(t, "0", mr.HGet("inventory:{sku-1}", "reserved"))
	assert.Equal(t, "CONFIRMED:3", mr.HGet("inventory:{sku-1}:reservations", "o-1"))

	require.NoError(t, inv.Release(ctx, "o-1", "sku-1", 3))
	require.NoError(t, inv.Release(ctx, "o-1", "sku-1", 3))
	assert.Equal(t, "5", mr.HGet("inventory:{sku-1}", "on_hand"))
	assert.Error(t, inv.Confirm(ctx, "o-1", "sku-1", 3))
}

func TestInventoryRedisAdapter_ReleaseReservedAndUnknown(t *testing.T) {
	ctx := context.Background()
	client, _ := newRedis(t)
	inv, err := NewInventoryRedisAdapter(client)
	require.NoError(t, err)
	require.NoError(t, inv.SetStock(ctx, "sku-1", 2))

	require.NoError(t, inv.Release(ctx, "nobody", "sku-1", 1))
	require.NoError(t, inv.Reserve(ctx, "o-1", "sku-1", 2))
	require.NoError(t, inv.Release(ctx, "o-1", "sku-1", 2))

	stock, err := inv.GetStock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stock)

	// 撤销后可以重新预占
	require.NoError(t, inv.Reserve(ctx, "o-1", "sku-1", 1))
	stock, err = inv.GetStock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stock)
}

func TestInventoryRedisAdapter_RedisDownIsTransient(t *testing.T) {
	client, mr := newRedis(t)
	inv, err := NewInventoryRedisAdapter(client)
	require.NoError(t, err)
	mr.Close()

	err = inv.Reserve(context.Background(), "o-1", "sku-1", 1)
	assert.ErrorIs(t, err, domain.ErrTransientService)
	_, err = inv.GetStock(context.Background(), "sku-1")
	assert.ErrorIs(t, err, domain.ErrTransientService)
}

func TestRedisWindow_FixedWindow(t *testing.T) {
	ctx := context.Background()
	client, _ := newRedis(t)
	w, err := NewRedisWindow(client, "checkout")
	require.NoError(t, err)

	now := time.UnixMilli(10_000)
	w.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := w.TryAcquire(ctx, 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := w.TryAcquire(ctx, 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Second)
	ok, err = w.TryAcquire(ctx, 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "next window starts empty")
}
