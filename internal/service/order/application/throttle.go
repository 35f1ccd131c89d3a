// internal/service/order/application/throttle.go
package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/metrics"
	"checkout/internal/service/order/domain"
)

// Decision 是准入结果
type Decision string

const (
	DecisionAdmit  Decision = "admit"
	DecisionQueue  Decision = "queue"
	DecisionReject Decision = "reject"
)

// WindowStore 维护固定窗口计数。TryAcquire 在当前窗口未满时占用一个名额。
type WindowStore interface {
	TryAcquire(ctx context.Context, capacity int, window time.Duration) (bool, error)
}

// FixedWindow 是进程内的固定窗口计数器，窗口按 window 对齐到时钟。
type FixedWindow struct {
	mu    sync.Mutex
	start time.Time
	count int
	now   func() time.Time
}

func NewFixedWindow() *FixedWindow {
	return &FixedWindow{now: time.Now}
}

func (w *FixedWindow) TryAcquire(ctx context.Context, capacity int, window time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := w.now().Truncate(window)
	if !start.Equal(w.start) {
		w.start = start
		w.count = 0
	}
	if w.count >= capacity {
		return false, nil
	}
	w.count++
	return true, nil
}

// ThrottlingGate 是下单入口的准入控制：窗口未满直接放行，已满则转入队列，队列也满时拒绝。
type ThrottlingGate struct {
	window   WindowStore
	queue    *OrderQueue
	settings SettingsFunc
	metrics  *metrics.Metrics
	policy   atomic.Pointer[PriorityPolicy]
}

func NewThrottlingGate(window WindowStore, queue *OrderQueue, settings SettingsFunc, m *metrics.Metrics) *ThrottlingGate {
	return &ThrottlingGate{window: window, queue: queue, settings: settings, metrics: m}
}

// SetPriorityPolicy 替换溢出订单的优先级策略，nil 表示使用固定优先级。
func (g *ThrottlingGate) SetPriorityPolicy(p *PriorityPolicy) {
	g.policy.Store(p)
}

// Priority 计算订单入队优先级
func (g *ThrottlingGate) Priority(ctx context.Context, order *domain.Order, base int) int {
	return g.policy.Load().Evaluate(ctx, order, base)
}

// Admit 返回准入结果。Queue 表示订单已经入队；Reject 时返回 ErrQueueFull。
func (g *ThrottlingGate) Admit(ctx context.Context, order *domain.Order) (Decision, error) {
	s := g.settings()

	ok, err := g.window.TryAcquire(ctx, s.RateLimitCapacity, s.RateLimitWindow)
	if err != nil {
		// 计数存储不可用时按窗口已满处理，不放大突发流量
		logger.Ctx(ctx).Warn().Err(err).Msg("Rate window unavailable, treating as at capacity")
		ok = false
	}
	if ok {
		g.metrics.ObserveSubmission(string(DecisionAdmit))
		return DecisionAdmit, nil
	}

	priority := g.Priority(ctx, order, s.OverflowPriority)
	if _, err := g.queue.Enqueue(ctx, order, priority); err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			g.metrics.ObserveSubmission(string(DecisionReject))
			logger.Ctx(ctx).Warn().Str("order_id", order.ID).Msg("Admission rejected, queue is full")
			return DecisionReject, err
		}
		return DecisionReject, err
	}
	g.metrics.ObserveSubmission(string(DecisionQueue))
	return DecisionQueue, nil
}
