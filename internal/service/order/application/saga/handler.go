package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"checkout/internal/pkg/breaker"
	"checkout/internal/pkg/lock"
	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/metrics"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PaymentService 是支付依赖在熔断器注册表中的名字
const PaymentService = "payment"

// OrderContext 在一次事务尝试的各个步骤之间传递数据。
// 外部依赖都是抽象接口，补偿动作按登记的相反顺序执行。
type OrderContext struct {
	Ctx       context.Context
	Order     *domain.Order
	Attempt   int
	AttemptID string // 每次尝试唯一，作为支付幂等键的一部分
	Tracer    trace.Tracer
	Metrics   *metrics.Metrics

	// 依赖出站端口
	Locker    lock.Locker
	LockWait  time.Duration
	Breakers  *breaker.Registry
	Inventory port.InventoryStore
	Payment   port.PaymentGateway
	Sales     port.SalePersistence
	Orders    domain.OrderRepository
	Notifier  port.Notifier

	// BeforeLock 在加锁前调用，返回错误则放弃本次尝试（用于取消）。
	BeforeLock func() error

	// 各步骤的产出
	Receipt *port.PaymentReceipt
	SaleID  string

	compensations []*compensation
	compLock      sync.Mutex
}

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// AddCompensation 登记一个补偿动作。新登记的排在最前面，回滚时最先执行。
func (c *OrderContext) AddCompensation(name string, undo func(ctx context.Context) error) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]*compensation{{name: name, undo: undo}}, c.compensations...)
}

// PendingCompensations 返回尚未执行的补偿动作名称，按执行顺序。
func (c *OrderContext) PendingCompensations() []string {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	names := make([]string, len(c.compensations))
	for i, comp := range c.compensations {
		names[i] = comp.name
	}
	return names
}

// TriggerCompensation 按相反顺序执行并清空全部补偿动作。某个动作失败不会中断后续动作；
// 每个动作最多执行一次，重复触发不会产生额外影响。
func (c *OrderContext) TriggerCompensation(ctx context.Context) error {
	c.compLock.Lock()
	comps := c.compensations
	c.compensations = nil
	c.compLock.Unlock()

	if len(comps) == 0 {
		return nil
	}
	logger.Ctx(ctx).Info().Str("order_id", c.Order.ID).Int("count", len(comps)).Msg("Executing compensation functions")

	var errs []error
	for _, comp := range comps {
		compCtx, span := c.Tracer.Start(ctx, "saga.compensation."+comp.name)
		span.SetAttributes(attribute.String("order.id", c.Order.ID))

		err := comp.undo(compCtx)
		c.Metrics.ObserveCompensation(comp.name, err)
		if err != nil {
			// 补偿失败需要记录严重错误，可能需要人工介入
			span.RecordError(err)
			span.SetStatus(codes.Error, "compensation failed")
			logger.Ctx(compCtx).Error().Err(err).Str("order_id", c.Order.ID).Str("action", comp.name).
				Msg("🚨 CRITICAL: compensation failed")
			errs = append(errs, fmt.Errorf("%s: %w", comp.name, err))
		}
		span.End()
	}
	return errors.Join(errs...)
}

// Commit 事务已提交，丢弃所有补偿动作。
func (c *OrderContext) Commit() {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = nil
}

// Handler 是事务链上的一个步骤
type Handler interface {
	SetNext(handler Handler) Handler
	Handle(orderCtx *OrderContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(orderCtx *OrderContext) error {
	if h.next != nil {
		return h.next.Handle(orderCtx)
	}
	return nil
}

// BuildChain 组装一次事务尝试的完整步骤：
// 加锁 -> 校验库存 -> 预占 -> 扣款 -> 记账 -> 确认扣减 -> 提交 -> 通知。
func BuildChain() Handler {
	chain := new(LockHandler)
	chain.SetNext(new(StockCheckHandler)).
		SetNext(new(ReserveHandler)).
		SetNext(new(PaymentHandler)).
		SetNext(new(SaleHandler)).
		SetNext(new(ConfirmHandler)).
		SetNext(new(CommitHandler)).
		SetNext(new(NotificationHandler))
	return chain
}

// asTransient 把未分类的依赖错误包装成可重试错误，已分类的保持不变。
func asTransient(service string, err error) error {
	if err == nil {
		return nil
	}
	var te *domain.TransientServiceError
	var pe *domain.PermanentServiceError
	if errors.As(err, &te) || errors.As(err, &pe) || errors.Is(err, domain.ErrStockInsufficient) {
		return err
	}
	return domain.NewTransientError(service, err)
}
