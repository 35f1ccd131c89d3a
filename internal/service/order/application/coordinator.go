// internal/service/order/application/coordinator.go
package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"checkout/internal/pkg/backoff"
	"checkout/internal/pkg/breaker"
	"checkout/internal/pkg/lock"
	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/metrics"
	"checkout/internal/service/order/application/saga"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SettingsFunc 返回当前生效的运行参数，配置热更新后立即可见。
type SettingsFunc func() domain.Settings

// StaticSettings 把固定参数包装成 SettingsFunc
func StaticSettings(s domain.Settings) SettingsFunc {
	return func() domain.Settings { return s }
}

// Dependencies 是事务链需要的出站端口
type Dependencies struct {
	Locker    lock.Locker
	Breakers  *breaker.Registry
	Inventory port.InventoryStore
	Payment   port.PaymentGateway
	Sales     port.SalePersistence
	Orders    domain.OrderRepository
	Notifier  port.Notifier
}

// Result 是一次 Process 的结果
type Result struct {
	Outcome  domain.Outcome
	Err      error
	SaleID   string
	Attempts int
}

// 在途订单所处的阶段，只有 open 阶段允许取消
const (
	phaseOpen int32 = iota
	phaseLocking
	phaseCancelled
)

type flight struct {
	phase  atomic.Int32
	cancel context.CancelFunc
}

// enterLocking 在加锁前调用，订单已被取消时返回 ErrOrderCancelled。
func (f *flight) enterLocking() error {
	if f.phase.CompareAndSwap(phaseOpen, phaseLocking) {
		return nil
	}
	return domain.ErrOrderCancelled
}

func (f *flight) cancelled() bool {
	return f.phase.Load() == phaseCancelled
}

// Coordinator 以“加锁 -> 校验 -> 预占 -> 扣款 -> 记账 -> 确认”为一个整体执行订单，
// 失败时按相反顺序补偿，并根据错误分类决定重试、降级入队还是直接返回。
type Coordinator struct {
	deps     Dependencies
	settings SettingsFunc
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	chain    saga.Handler
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	flights map[string]*flight
}

type CoordinatorOption func(*Coordinator)

func WithTracer(t trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = t }
}

func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSleep 替换退避等待函数，测试中用来记录退避时长。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = fn }
}

func NewCoordinator(deps Dependencies, settings SettingsFunc, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		deps:     deps,
		settings: settings,
		tracer:   otel.Tracer("checkout/coordinator"),
		chain:    saga.BuildChain(),
		sleep:    backoff.SleepWithContext,
		flights:  make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process 是同步路径：本地最多重试 MaxAttempts 次，每次失败都已完成补偿。
// 熔断打开时立即返回 Degrade；重试耗尽同样降级为 Degrade，由调用方转入队列。
func (c *Coordinator) Process(ctx context.Context, order *domain.Order) Result {
	ctx, span := c.tracer.Start(ctx, "coordinator.Process")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.ID))

	ctx, f, done := c.register(ctx, order.ID)
	defer done()

	s := c.settings()
	maxAttempts := max(s.MaxAttempts, 1)

	var result Result
	for attempt := 1; ; attempt++ {
		err := c.runAttempt(ctx, f, order, attempt)
		outcome := domain.Classify(err)
		result = Result{Outcome: outcome, Err: err, SaleID: order.SaleID, Attempts: attempt}
		if outcome != domain.OutcomeRetryable {
			break
		}
		if attempt >= maxAttempts {
			result.Outcome = domain.OutcomeDegrade
			result.Err = fmt.Errorf("%w after %d attempts: %w", domain.ErrMaxAttemptsExceeded, attempt, err)
			break
		}

		delay := backoff.Delay(s.BackoffBase, s.BackoffCap, attempt)
		c.metrics.IncRetries()
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Int("attempt", attempt).
			Dur("backoff", delay).Msg("Transient failure, retrying after backoff")

		// 退避期间订单不持有任何锁，允许取消
		f.phase.Store(phaseOpen)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			if f.cancelled() {
				result.Outcome = domain.OutcomeCancelled
				result.Err = fmt.Errorf("%w: %w", domain.ErrOrderCancelled, sleepErr)
			} else {
				result.Outcome = domain.OutcomeDegrade
				result.Err = fmt.Errorf("retry interrupted: %w", sleepErr)
			}
			break
		}
	}

	c.finish(ctx, span, order, result)
	return result
}

// processOnce 只执行一次事务单元，重试预算由队列负责。
// 调用方需先 register；登记后到加锁前都可以被 Cancel，此时返回 OutcomeCancelled。
func (c *Coordinator) processOnce(ctx context.Context, f *flight, order *domain.Order, attempt int) Result {
	ctx, span := c.tracer.Start(ctx, "coordinator.ProcessOnce")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.ID))

	err := c.runAttempt(ctx, f, order, attempt)
	result := Result{Outcome: domain.Classify(err), Err: err, SaleID: order.SaleID, Attempts: attempt}
	c.finish(ctx, span, order, result)
	return result
}

// Cancel 请求取消一个在途订单。found 表示订单当前是否在途；
// 订单已经开始加锁或之后的步骤时返回 ErrCancelNotAllowed。
func (c *Coordinator) Cancel(orderID string) (found bool, err error) {
	c.mu.Lock()
	f, ok := c.flights[orderID]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if !f.phase.CompareAndSwap(phaseOpen, phaseCancelled) {
		return true, domain.ErrCancelNotAllowed
	}
	f.cancel()
	return true, nil
}

// InFlight 返回当前在途订单数
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

func (c *Coordinator) register(ctx context.Context, orderID string) (context.Context, *flight, func()) {
	ctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}

	c.mu.Lock()
	c.flights[orderID] = f
	c.mu.Unlock()
	c.metrics.AddInFlight(1)

	return ctx, f, func() {
		c.mu.Lock()
		if c.flights[orderID] == f {
			delete(c.flights, orderID)
		}
		c.mu.Unlock()
		c.metrics.AddInFlight(-1)
		cancel()
	}
}

func (c *Coordinator) runAttempt(ctx context.Context, f *flight, order *domain.Order, attempt int) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Attempt")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int("attempt", attempt))

	s := c.settings()
	orderCtx := &saga.OrderContext{
		Ctx:        ctx,
		Order:      order,
		Attempt:    attempt,
		AttemptID:  uuid.NewString(),
		Tracer:     c.tracer,
		Metrics:    c.metrics,
		Locker:     c.deps.Locker,
		LockWait:   s.LockWaitTimeout,
		Breakers:   c.deps.Breakers,
		Inventory:  c.deps.Inventory,
		Payment:    c.deps.Payment,
		Sales:      c.deps.Sales,
		Orders:     c.deps.Orders,
		Notifier:   c.deps.Notifier,
		BeforeLock: f.enterLocking,
	}

	err := c.chain.Handle(orderCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
	}
	return err
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, order *domain.Order, result Result) {
	c.metrics.ObserveOutcome(string(result.Outcome))
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)), attribute.Int("attempts", result.Attempts))

	log := logger.Ctx(ctx)
	if result.Outcome == domain.OutcomeOk {
		log.Info().Str("order_id", order.ID).Str("sale_id", result.SaleID).Int("attempts", result.Attempts).
			Msg("✅ Order processed")
		return
	}
	span.RecordError(result.Err)
	span.SetStatus(codes.Error, string(result.Outcome))
	log.Warn().Err(result.Err).Str("order_id", order.ID).Str("outcome", string(result.Outcome)).
		Int("attempts", result.Attempts).Msg("Order processing did not complete")
}
