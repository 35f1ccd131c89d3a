// internal/service/order/application/drainer.go
package application

import (
	"context"
	"errors"
	"time"

	"checkout/internal/pkg/backoff"
	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/metrics"
	"checkout/internal/service/order/application/saga"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Drainer 从队列中认领就绪条目并交给 Coordinator 处理。认领是比较并交换，
// 多个 worker（或多个实例）不会处理同一条目。
type Drainer struct {
	queue       *OrderQueue
	coordinator *Coordinator
	notifier    port.Notifier
	settings    SettingsFunc
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

func NewDrainer(queue *OrderQueue, coordinator *Coordinator, notifier port.Notifier, settings SettingsFunc, m *metrics.Metrics) *Drainer {
	return &Drainer{
		queue:       queue,
		coordinator: coordinator,
		notifier:    notifier,
		settings:    settings,
		metrics:     m,
		tracer:      otel.Tracer("checkout/drainer"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run 启动 DrainWorkers 个出队 worker 和一个过期认领回收协程，ctx 结束后返回。
func (d *Drainer) Run(ctx context.Context) error {
	s := d.settings()
	d.reclaim(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(s.DrainWorkers, 1); i++ {
		worker := i
		g.Go(func() error {
			d.work(gctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		d.reaper(gctx)
		return nil
	})
	logger.Ctx(ctx).Info().Int("workers", s.DrainWorkers).Msg("✅ Queue drainer started")
	return g.Wait()
}

func (d *Drainer) work(ctx context.Context, worker int) {
	log := logger.Ctx(ctx).With().Str("component", "drainer").Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := d.DrainOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Drain iteration failed")
		}
		if processed {
			continue
		}
		timer := time.NewTimer(d.settings().DrainPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.queue.Wake():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *Drainer) reaper(ctx context.Context) {
	for {
		interval := max(d.settings().ClaimTTL/2, time.Second)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.reclaim(ctx)
		}
	}
}

// reclaim 把认领超过 ClaimTTL 仍未推进的条目放回队列（worker 崩溃后的恢复）
func (d *Drainer) reclaim(ctx context.Context) {
	n, err := d.queue.store.ReleaseStale(ctx, d.now().Add(-d.settings().ClaimTTL))
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to release stale claims")
		return
	}
	if n > 0 {
		logger.Ctx(ctx).Warn().Int("count", n).Msg("Released stale queue claims")
		d.queue.Notify()
	}
}

// DrainOnce 认领并处理一个就绪条目，没有可处理条目时返回 false。
func (d *Drainer) DrainOnce(ctx context.Context) (bool, error) {
	entry, err := d.queue.store.ClaimNext(ctx, d.now())
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	ctx, span := d.tracer.Start(ctx, "queue.Drain", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", entry.OrderID),
		attribute.Int64("queue.seq", int64(entry.Seq)),
		attribute.Int("queue.attempts", entry.Attempts),
	)
	defer d.queue.RefreshDepth(context.WithoutCancel(ctx))

	// 认领后立即登记，CancelOrder 在读取订单期间也能找到它
	flightCtx, f, done := d.coordinator.register(ctx, entry.OrderID)
	defer done()

	order, err := d.queue.orders.FindByID(ctx, entry.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			logger.Ctx(ctx).Error().Str("order_id", entry.OrderID).Msg("🚨 Queued order no longer exists, dead-lettering entry")
			return true, d.queue.store.DeadLetter(ctx, entry.Seq, entry.Attempts, err.Error())
		}
		// 读取失败不消耗尝试次数
		if rErr := d.queue.store.Reschedule(context.WithoutCancel(ctx), entry.Seq, entry.Attempts, d.now(), err.Error()); rErr != nil {
			return true, errors.Join(err, rErr)
		}
		return true, err
	}

	if order.Status != domain.StatusQueued && order.Status != domain.StatusProcessing {
		logger.Ctx(ctx).Warn().Str("order_id", order.ID).Str("status", string(order.Status)).
			Msg("Queued entry refers to a settled order, removing")
		return true, d.queue.store.Remove(ctx, entry.Seq)
	}

	from := order.Status
	if err := order.MarkProcessing(); err != nil {
		return true, err
	}
	if err := d.queue.orders.Save(ctx, order); err != nil {
		rErr := d.queue.store.Reschedule(context.WithoutCancel(ctx), entry.Seq, entry.Attempts, d.now(), err.Error())
		return true, errors.Join(err, rErr)
	}
	auditTransition(ctx, order, from, "drain")

	result := d.coordinator.processOnce(flightCtx, f, order, entry.Attempts+1)
	return true, d.settle(ctx, entry, order, result)
}

// settle 根据处理结果推进条目与订单状态
func (d *Drainer) settle(ctx context.Context, entry *domain.QueueEntry, order *domain.Order, result Result) error {
	store := d.queue.store
	// 关闭过程中被打断的条目放回队列，不消耗尝试次数
	if ctx.Err() != nil && result.Outcome != domain.OutcomeOk && result.Outcome != domain.OutcomeCancelled {
		bg := context.WithoutCancel(ctx)
		return errors.Join(
			store.Reschedule(bg, entry.Seq, entry.Attempts, d.now(), errorText(result.Err)),
			d.saveOrder(bg, order, order.MarkQueued, "shutdown"),
		)
	}

	switch result.Outcome {
	case domain.OutcomeOk:
		return store.Complete(ctx, entry.Seq)

	case domain.OutcomeCancelled:
		return errors.Join(
			store.Remove(ctx, entry.Seq),
			d.settleOrder(ctx, order, func() error { return order.MarkRolledBack("cancelled by request") }, "cancel"),
		)

	case domain.OutcomeDegrade:
		// 熔断打开时支付没有被调用，不消耗尝试次数，等到熔断器允许试探时再处理
		at := d.resumeAt()
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Time("resume_at", at).Msg("Payment circuit open, deferring queued order")
		return errors.Join(
			store.Reschedule(ctx, entry.Seq, entry.Attempts, at, errorText(result.Err)),
			d.saveOrder(ctx, order, order.MarkQueued, "circuit open"),
		)

	case domain.OutcomeFatal:
		return d.fail(ctx, entry, order, result.Err)

	case domain.OutcomeRejected:
		// 锁超时在队列路径上只是暂时的竞争，按可重试处理
		if !errors.Is(result.Err, domain.ErrLockTimeout) {
			return d.fail(ctx, entry, order, result.Err)
		}
	}

	attempts := entry.Attempts + 1
	if entry.Exhausted() {
		return d.deadLetter(ctx, entry, order, attempts, result.Err)
	}

	s := d.settings()
	delay := backoff.Delay(s.BackoffBase, s.BackoffCap, attempts)
	d.metrics.IncRetries()
	logger.Ctx(ctx).Warn().Err(result.Err).Str("order_id", order.ID).Int("attempts", attempts).
		Dur("backoff", delay).Msg("Queued order failed, rescheduling")
	return errors.Join(
		store.Reschedule(ctx, entry.Seq, attempts, d.now().Add(delay), errorText(result.Err)),
		d.saveOrder(ctx, order, order.MarkQueued, "reschedule"),
	)
}

func (d *Drainer) resumeAt() time.Time {
	s := d.settings()
	at := d.now().Add(backoff.Delay(s.BackoffBase, s.BackoffCap, 1))
	if breakers := d.coordinator.deps.Breakers; breakers != nil {
		if next := breakers.Health(saga.PaymentService).NextAttemptTime; next != nil && next.After(at) {
			at = next.UTC()
		}
	}
	return at
}

// fail 处理不可重试的失败：条目移出队列，订单进入 FAILED
func (d *Drainer) fail(ctx context.Context, entry *domain.QueueEntry, order *domain.Order, cause error) error {
	return errors.Join(
		d.queue.store.DeadLetter(ctx, entry.Seq, min(entry.Attempts+1, entry.MaxAttempts), errorText(cause)),
		d.settleOrder(ctx, order, func() error { return order.MarkFailed(errorText(cause)) }, "drain failure"),
	)
}

func (d *Drainer) deadLetter(ctx context.Context, entry *domain.QueueEntry, order *domain.Order, attempts int, cause error) error {
	reason := errorText(cause)
	if err := d.queue.store.DeadLetter(ctx, entry.Seq, attempts, reason); err != nil {
		return err
	}
	d.metrics.IncDeadLetters()
	logger.Ctx(ctx).Error().Err(cause).Str("order_id", order.ID).Int("attempts", attempts).
		Msg("🚨 Order dead-lettered after exhausting attempts")

	err := d.settleOrder(ctx, order, func() error { return order.MarkDeadLettered(reason) }, "dead letter")
	if d.notifier != nil {
		dead := *entry
		dead.Attempts = attempts
		dead.LastError = reason
		dead.Status = domain.EntryDeadLettered
		if nErr := d.notifier.OrderDeadLettered(ctx, order, &dead); nErr != nil {
			logger.Ctx(ctx).Error().Err(nErr).Str("order_id", order.ID).Msg("Failed to publish dead-letter event")
		}
	}
	return err
}

// settleOrder 把订单推进到终态并发送通知
func (d *Drainer) settleOrder(ctx context.Context, order *domain.Order, mark func() error, cause string) error {
	if err := d.saveOrder(ctx, order, mark, cause); err != nil {
		return err
	}
	if d.notifier != nil {
		if err := d.notifier.OrderSettled(ctx, order); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("Failed to publish notification")
		}
	}
	return nil
}

func (d *Drainer) saveOrder(ctx context.Context, order *domain.Order, mark func() error, cause string) error {
	from := order.Status
	if err := mark(); err != nil {
		return err
	}
	if err := d.queue.orders.Save(ctx, order); err != nil {
		return err
	}
	auditTransition(ctx, order, from, cause)
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
