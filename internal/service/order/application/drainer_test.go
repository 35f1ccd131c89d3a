package application

import (
	"context"
	"testing"
	"time"

	"checkout/internal/pkg/breaker"
	"checkout/internal/service/order/application/saga"
	"checkout/internal/service/order/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderQueue_PriorityThenArrivalOrder(t *testing.T) {
	f := newFixture(t)
	low1, _ := f.queuedOrder(t, 0, item("sku-1", 1))
	high, _ := f.queuedOrder(t, 5, item("sku-1", 1))
	low2, _ := f.queuedOrder(t, 0, item("sku-1", 1))

	for want, o := range []*domain.Order{high, low1, low2} {
		pos, ok, err := f.queue.Position(context.Background(), o.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want+1, pos)
	}

	var claimed []string
	for {
		e, err := f.store.ClaimNext(context.Background(), f.now())
		require.NoError(t, err)
		if e == nil {
			break
		}
		claimed = append(claimed, e.OrderID)
	}
	assert.Equal(t, []string{high.ID, low1.ID, low2.ID}, claimed)
}

func TestOrderQueue_EnqueueMarksOrderQueued(t *testing.T) {
	f := newFixture(t)
	o, entry := f.queuedOrder(t, 3, item("sku-1", 1))

	assert.Equal(t, domain.StatusQueued, f.orderStatus(t, o.ID))
	assert.NotZero(t, entry.Seq)
	assert.Equal(t, domain.EntryPending, entry.Status)
	assert.Equal(t, f.settings.MaxAttempts, entry.MaxAttempts)

	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestOrderQueue_FullQueueRejects(t *testing.T) {
	f := newFixture(t, withSettings(func(s *domain.Settings) { s.QueueCapacity = 1 }))
	f.queuedOrder(t, 0, item("sku-1", 1))

	o, err := domain.NewOrder("order-overflow", "actor-1", "card", []domain.LineItem{item("sku-1", 1)})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(context.Background(), o, 0)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestDrainer_CompletesQueuedOrder(t *testing.T) {
	f := newFixture(t)
	f.inventory.SetStock("sku-1", 5)
	o, entry := f.queuedOrder(t, 0, item("sku-1", 2))

	processed, err := f.drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	stored, ok := f.store.Entry(entry.Seq)
	require.True(t, ok)
	assert.Equal(t, domain.EntryCompleted, stored.Status)
	assert.Equal(t, domain.StatusCompleted, f.orderStatus(t, o.ID))
	assert.Equal(t, 3, f.inventory.OnHand("sku-1"))

	processed, err = f.drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestDrainer_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, withSettings(func(s *domain.Settings) { s.MaxAttempts = 3 }))
	f.inventory.SetStock("sku-1", 5)
	f.gateway.setFallback(errGatewayTimeout)
	o, entry := f.queuedOrder(t, 0, item("sku-1", 1))

	for attempt := 1; attempt <= 2; attempt++ {
		processed, err := f.drainer.DrainOnce(context.Background())
		require.NoError(t, err)
		require.True(t, processed)

		stored, _ := f.store.Entry(entry.Seq)
		assert.Equal(t, domain.EntryPending, stored.Status)
		assert.Equal(t, attempt, stored.Attempts)
		assert.Equal(t, f.now().Add(time.Duration(1<<(attempt-1))*100*time.Millisecond), stored.ScheduledFor)
		assert.Equal(t, domain.StatusQueued, f.orderStatus(t, o.ID))

		// 退避时间未到，不会被认领
		processed, err = f.drainer.DrainOnce(context.Background())
		require.NoError(t, err)
		assert.False(t, processed)
		f.advance(time.Minute)
	}

	processed, err := f.drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	stored, _ := f.store.Entry(entry.Seq)
	assert.Equal(t, domain.EntryDeadLettered, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, domain.StatusDeadLettered, f.orderStatus(t, o.ID))
	assert.Equal(t, []string{o.ID}, f.notifier.deadLettered())
	assert.Equal(t, 3, f.gateway.chargeCount())

	f.advance(time.Hour)
	processed, err = f.drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 3, f.gateway.chargeCount())
	assert.Equal(t, 5, f.inventory.OnHand("sku-1"))
}

func TestDrainer_OpenCircuitDefersWithoutConsumingAttempts(t *testing.T) {
	f := newFixture(t, withSettings(func(s *domain.Settings) { s.FailureThreshold = 1 }))
	f.inventory.SetStock("sku-1", 5)
	_, err := f.breakers.Call(context.Background(), saga.PaymentService, func(ctx context.Context) (any, error) {
		return nil, errGatewayTimeout
	})
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, f.breakers.Health(saga.PaymentService).State)

	o, entry := f.queuedOrder(t, 0, item("sku-1", 1))
	processed, err := f.drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	stored, _ := f.store.Entry(entry.Seq)
	assert.Equal(t, domain.EntryPending, stored.Status)
	assert.Zero(t, stored.Attempts)
	next := f.breakers.Health(saga.PaymentService).NextAttemptTime
	require.NotNil(t, next)
	assert.False(t, stored.ScheduledFor.Before(next.UTC()))
	assert.Equal(t, domain.StatusQueued, f.orderStatus(t, o.ID))
	assert.Zero(t, f.gateway.chargeCount())
}

func TestDrainer_InsufficientStockFailsOrder(t *testing.T) {
	f := newFixture(t)
	f.inventory.SetStock("sku-1", 1)
	o, entry := f.queuedOrder(t, 0, item("sku-1", 3))

	processed, err := f.drainer.DrainOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	stored, _ := f.store.Entry(entry.Seq)
	assert.Equal(t, domain.EntryDeadLettered, stored.Status)
	assert.Equal(t, domain.StatusFailed, f.orderStatus(t, o.ID))
	status, ok := f.notifier.settledStatus(o.ID)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusFailed, status)
}

func TestDrainer_DeclinedPaymentFailsOrder(t *testing.T) {
	f := newFixture(t)
	f.inventory.SetStock("sku-1", 5)
	f.gateway.setFallback(domain.NewDeclinedError(saga.PaymentService, "card expired"))
	o, _ := f.queuedOrder(t, 0, item("sku-1", 1))

	_, err := f.drainer.DrainOnce(context.Background())
	require.NoError(t, err)

	saved, err := f.orders.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, saved.Status)
	assert.Contains(t, saved.FailureReason, "card expired")
	assert.Equal(t, 5, f.inventory.OnHand("sku-1"))
}

func TestDrainer_ReleasesStaleClaims(t *testing.T) {
	f := newFixture(t, withSettings(func(s *domain.Settings) { s.ClaimTTL = time.Minute }))
	_, entry := f.queuedOrder(t, 0, item("sku-1", 1))

	claimed, err := f.store.ClaimNext(context.Background(), f.now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	f.drainer.reclaim(context.Background())
	stored, _ := f.store.Entry(entry.Seq)
	assert.Equal(t, domain.EntryClaimed, stored.Status)

	f.advance(2 * time.Minute)
	f.drainer.reclaim(context.Background())
	stored, _ = f.store.Entry(entry.Seq)
	assert.Equal(t, domain.EntryPending, stored.Status)
	assert.Nil(t, stored.ClaimedAt)
}

func TestDrainer_RunDrainsUntilCancelled(t *testing.T) {
	f := newFixture(t, withSettings(func(s *domain.Settings) {
		s.DrainWorkers = 2
		s.DrainPollInterval = 10 * time.Millisecond
	}))
	f.drainer.now = func() time.Time { return time.Now().UTC() }
	f.inventory.SetStock("sku-1", 10)
	var ids []string
	for i := 0; i < 4; i++ {
		o, _ := f.queuedOrder(t, 0, item("sku-1", 1))
		ids = append(ids, o.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.drainer.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			o, err := f.orders.FindByID(context.Background(), id)
			if err != nil || o.Status != domain.StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drainer did not stop")
	}
	assert.Equal(t, 6, f.inventory.OnHand("sku-1"))
}
