package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout/internal/service/order/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindow_ResetsEachWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := NewFixedWindow()
	w.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := w.TryAcquire(ctx, 2, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := w.TryAcquire(ctx, 2, time.Second)
	assert.False(t, ok)

	now = now.Add(999 * time.Millisecond)
	ok, _ = w.TryAcquire(ctx, 2, time.Second)
	assert.False(t, ok, "same window must stay closed")

	now = now.Add(time.Millisecond)
	ok, _ = w.TryAcquire(ctx, 2, time.Second)
	assert.True(t, ok)
}

func TestFixedWindow_ZeroCapacity(t *testing.T) {
	ok, err := NewFixedWindow().TryAcquire(context.Background(), 0, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

type brokenWindow struct{}

func (brokenWindow) TryAcquire(ctx context.Context, capacity int, window time.Duration) (bool, error) {
	return false, errors.New("redis unavailable")
}

func TestThrottlingGate_WindowFailureQueues(t *testing.T) {
	f := newFixture(t)
	gate := NewThrottlingGate(brokenWindow{}, f.queue, func() domain.Settings { return f.settings }, nil)
	o, err := domain.NewOrder("order-1", "alice", "card", []domain.LineItem{item("sku-1", 1)})
	require.NoError(t, err)

	decision, err := gate.Admit(context.Background(), o)

	require.NoError(t, err)
	assert.Equal(t, DecisionQueue, decision)
	assert.Equal(t, domain.StatusQueued, f.orderStatus(t, "order-1"))
}

func TestThrottlingGate_PriorityPolicyApplied(t *testing.T) {
	f := newFixture(t, withSettings(func(s *domain.Settings) { s.RateLimitCapacity = 0 }))
	policy, err := NewPriorityPolicy("amount >= 100.0 ? priority + 5 : priority")
	require.NoError(t, err)
	f.gate.SetPriorityPolicy(policy)

	small, err := domain.NewOrder("small", "alice", "card", []domain.LineItem{item("sku-1", 1)})
	require.NoError(t, err)
	large, err := domain.NewOrder("large", "bob", "card", []domain.LineItem{item("sku-1", 10)})
	require.NoError(t, err)

	_, err = f.gate.Admit(context.Background(), small)
	require.NoError(t, err)
	_, err = f.gate.Admit(context.Background(), large)
	require.NoError(t, err)

	e, err := f.store.FindActive(context.Background(), "large")
	require.NoError(t, err)
	assert.Equal(t, 5, e.Priority)
	pos, _, _ := f.queue.Position(context.Background(), "large")
	assert.Equal(t, 1, pos)
}
