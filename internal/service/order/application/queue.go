// internal/service/order/application/queue.go
package application

import (
	"context"
	"fmt"
	"time"

	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/metrics"
	"checkout/internal/service/order/domain"
)

// OrderQueue 是无法同步完成的订单的持久化等待区。条目由 Drainer 按优先级出队处理。
type OrderQueue struct {
	store    domain.QueueStore
	orders   domain.OrderRepository
	settings SettingsFunc
	metrics  *metrics.Metrics
	wake     chan struct{}
	now      func() time.Time
}

func NewOrderQueue(store domain.QueueStore, orders domain.OrderRepository, settings SettingsFunc, m *metrics.Metrics) *OrderQueue {
	return &OrderQueue{
		store:    store,
		orders:   orders,
		settings: settings,
		metrics:  m,
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue 先把订单保存为 QUEUED，再写入 PENDING 条目，保证出队时订单状态已经落盘。
// 队列已满时返回 ErrQueueFull，此时订单停留在 QUEUED，由调用方决定终态。
func (q *OrderQueue) Enqueue(ctx context.Context, order *domain.Order, priority int) (*domain.QueueEntry, error) {
	s := q.settings()
	from := order.Status
	if err := order.MarkQueued(); err != nil {
		return nil, err
	}
	if err := q.orders.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save queued order: %w", err)
	}
	auditTransition(ctx, order, from, "enqueue")

	entry := &domain.QueueEntry{
		OrderID:      order.ID,
		Priority:     priority,
		MaxAttempts:  max(s.MaxAttempts, 1),
		ScheduledFor: q.now(),
	}
	if err := q.store.Insert(ctx, entry, s.QueueCapacity); err != nil {
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("order_id", order.ID).Uint64("seq", entry.Seq).Int("priority", priority).
		Msg("Order queued")

	q.RefreshDepth(ctx)
	q.Notify()
	return entry, nil
}

// Position 返回订单在等待条目中的名次（从 1 开始）
func (q *OrderQueue) Position(ctx context.Context, orderID string) (int, bool, error) {
	return q.store.Position(ctx, orderID)
}

// Discard 删除订单尚未被认领的条目
func (q *OrderQueue) Discard(ctx context.Context, orderID string) (bool, error) {
	ok, err := q.store.Discard(ctx, orderID)
	if ok {
		q.RefreshDepth(ctx)
	}
	return ok, err
}

func (q *OrderQueue) Depth(ctx context.Context) (int, error) {
	return q.store.Depth(ctx)
}

// RefreshDepth 更新队列深度指标
func (q *OrderQueue) RefreshDepth(ctx context.Context) {
	depth, err := q.store.Depth(ctx)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Failed to read queue depth")
		return
	}
	q.metrics.SetQueueDepth(depth)
}

// Notify 唤醒一个空闲的出队 worker
func (q *OrderQueue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *OrderQueue) Wake() <-chan struct{} {
	return q.wake
}

// auditTransition 记录订单状态变更，作为审计流水
func auditTransition(ctx context.Context, order *domain.Order, from domain.Status, cause string) {
	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("from", string(from)).
		Str("to", string(order.Status)).
		Str("cause", cause).
		Msg("Order status changed")
}
