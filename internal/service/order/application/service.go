// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout/internal/pkg/backoff"
	"checkout/internal/pkg/breaker"
	"checkout/internal/pkg/logger"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OrderApplicationService 编排下单流程：准入 -> 同步处理 -> 降级入队，并提供状态查询与取消。
type OrderApplicationService struct {
	orders      domain.OrderRepository
	coordinator *Coordinator
	gate        *ThrottlingGate
	queue       *OrderQueue
	breakers    *breaker.Registry
	notifier    port.Notifier
	settings    SettingsFunc
	tracer      trace.Tracer
}

func NewOrderApplicationService(orders domain.OrderRepository, coordinator *Coordinator, gate *ThrottlingGate, queue *OrderQueue, breakers *breaker.Registry, notifier port.Notifier, settings SettingsFunc) *OrderApplicationService {
	return &OrderApplicationService{
		orders: orders, coordinator: coordinator,
		gate: gate, queue: queue,
		breakers: breakers, notifier: notifier,
		settings: settings, tracer: otel.Tracer("checkout/order-service"),
	}
}

// SubmitOrder 是同步下单入口，返回 Completed、Queued、Rejected 或 Failed。
// 只有请求非法或存储故障时返回 error，业务结果都通过响应表达。
func (s *OrderApplicationService) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*SubmitOrderResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.SubmitOrder")
	defer span.End()

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	} else if existing, err := s.orders.FindByID(ctx, orderID); err == nil {
		// 重复提交同一个订单号时直接返回当前进度
		span.AddEvent("Duplicate submission")
		return s.responseFor(ctx, existing), nil
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("actor.id", req.ActorID))

	order, err := domain.NewOrder(orderID, req.ActorID, req.PaymentMethod, req.Items)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid order")
		return nil, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	if err := s.orders.Save(ctx, order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to save initial order")
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("actor_id", order.ActorID).
		Str("amount", order.Total().String()).Msg("Order received")

	decision, err := s.gate.Admit(ctx, order)
	span.SetAttributes(attribute.String("admission", string(decision)))
	switch {
	case decision == DecisionReject && errors.Is(err, domain.ErrQueueFull):
		return s.reject(ctx, order, err)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission failed")
		return nil, err
	case decision == DecisionQueue:
		return s.queued(ctx, order), nil
	}

	return s.process(ctx, order)
}

func (s *OrderApplicationService) process(ctx context.Context, order *domain.Order) (*SubmitOrderResponse, error) {
	from := order.Status
	if err := order.MarkProcessing(); err != nil {
		return nil, err
	}
	if err := s.orders.Save(ctx, order); err != nil {
		return nil, err
	}
	auditTransition(ctx, order, from, "admitted")

	result := s.coordinator.Process(ctx, order)
	resp := &SubmitOrderResponse{OrderID: order.ID, Cause: result.Err}

	switch result.Outcome {
	case domain.OutcomeOk:
		resp.Status = SubmitCompleted
		resp.SaleID = result.SaleID
		return resp, nil

	case domain.OutcomeDegrade, domain.OutcomeRetryable:
		// 依赖不可用：订单转入队列，请求本身可能已经结束，入队不受其取消影响
		qctx := context.WithoutCancel(ctx)
		priority := s.gate.Priority(qctx, order, s.settings().DegradedPriority)
		if _, err := s.queue.Enqueue(qctx, order, priority); err != nil {
			if !errors.Is(err, domain.ErrQueueFull) {
				return nil, err
			}
			return s.settle(qctx, order, SubmitFailed, errors.Join(result.Err, err))
		}
		return s.queued(qctx, order), nil

	case domain.OutcomeRejected:
		return s.settle(ctx, order, SubmitRejected, result.Err)

	case domain.OutcomeCancelled:
		return s.settle(context.WithoutCancel(ctx), order, SubmitFailed, result.Err)

	default:
		return s.settle(ctx, order, SubmitFailed, result.Err)
	}
}

// reject 处理准入阶段的拒绝（队列已满）
func (s *OrderApplicationService) reject(ctx context.Context, order *domain.Order, cause error) (*SubmitOrderResponse, error) {
	return s.settle(ctx, order, SubmitRejected, cause)
}

// settle 把订单推进到终态、持久化并通知
func (s *OrderApplicationService) settle(ctx context.Context, order *domain.Order, status SubmitStatus, cause error) (*SubmitOrderResponse, error) {
	reason := errorText(cause)
	from := order.Status

	var err error
	if errors.Is(cause, domain.ErrOrderCancelled) {
		err = order.MarkRolledBack(reason)
	} else {
		err = order.MarkFailed(reason)
	}
	if err != nil {
		return nil, err
	}
	if err := s.orders.Save(ctx, order); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("CRITICAL: failed to persist terminal order status")
		return nil, err
	}
	auditTransition(ctx, order, from, string(status))

	if s.notifier != nil {
		if err := s.notifier.OrderSettled(ctx, order); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("Failed to publish notification")
		}
	}
	return &SubmitOrderResponse{OrderID: order.ID, Status: status, Reason: reason, Cause: cause}, nil
}

func (s *OrderApplicationService) queued(ctx context.Context, order *domain.Order) *SubmitOrderResponse {
	resp := &SubmitOrderResponse{OrderID: order.ID, Status: SubmitQueued}
	if pos, ok, err := s.queue.Position(ctx, order.ID); err == nil && ok {
		resp.QueuePosition = pos
	}
	return resp
}

func (s *OrderApplicationService) responseFor(ctx context.Context, order *domain.Order) *SubmitOrderResponse {
	view := s.viewOf(ctx, order)
	resp := &SubmitOrderResponse{OrderID: order.ID, Status: view.Result, Reason: view.Reason, SaleID: view.SaleID}
	if view.QueuePosition != nil {
		resp.QueuePosition = *view.QueuePosition
	}
	if resp.Status == "" {
		resp.Status = SubmitQueued
	}
	return resp
}

// GetOrderStatus 返回订单进度，排队中的订单附带出队名次
func (s *OrderApplicationService) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatusView, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.viewOf(ctx, order), nil
}

func (s *OrderApplicationService) viewOf(ctx context.Context, order *domain.Order) *OrderStatusView {
	view := &OrderStatusView{
		OrderID:   order.ID,
		Status:    order.Status,
		Result:    resultOf(order.Status),
		Reason:    order.FailureReason,
		SaleID:    order.SaleID,
		UpdatedAt: order.UpdatedAt,
	}
	if order.Status == domain.StatusQueued {
		if pos, ok, err := s.queue.Position(ctx, order.ID); err == nil && ok {
			view.QueuePosition = &pos
		}
	}
	return view
}

// GetServiceHealth 返回某个依赖的熔断器状态，未调用过的依赖视为 CLOSED
func (s *OrderApplicationService) GetServiceHealth(serviceName string) breaker.Health {
	return s.breakers.Health(serviceName)
}

// SystemHealth 汇总所有熔断器、队列深度和在途订单数
func (s *OrderApplicationService) SystemHealth(ctx context.Context) (*SystemHealthView, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	return &SystemHealthView{
		Services:   s.breakers.Snapshot(),
		QueueDepth: depth,
		InFlight:   s.coordinator.InFlight(),
	}, nil
}

// CancelOrder 取消排队中或尚未加锁的订单。在途订单的取消是异步生效的：
// 处理流程在下一个检查点放弃并回滚，返回的视图可能仍是 PROCESSING。
func (s *OrderApplicationService) CancelOrder(ctx context.Context, orderID string) (*OrderStatusView, error) {
	ctx, span := s.tracer.Start(ctx, "app.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, domain.ErrCancelNotAllowed
	}

	if found, err := s.coordinator.Cancel(orderID); found {
		if err != nil {
			return nil, err
		}
		span.AddEvent("In-flight order cancelled")
		return s.viewOf(ctx, order), nil
	}

	discarded, err := s.queue.Discard(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !discarded {
		// 条目刚被认领时 drainer 还没来得及登记，稍等再试
		found, err := s.cancelClaimed(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, domain.ErrCancelNotAllowed
		}
		return s.viewOf(ctx, order), nil
	}

	if _, err := s.settle(ctx, order, SubmitFailed, fmt.Errorf("%w by request", domain.ErrOrderCancelled)); err != nil {
		return nil, err
	}
	return s.viewOf(ctx, order), nil
}

const (
	cancelClaimTries = 3
	cancelClaimDelay = 5 * time.Millisecond
)

func (s *OrderApplicationService) cancelClaimed(ctx context.Context, orderID string) (bool, error) {
	for i := 0; i < cancelClaimTries; i++ {
		if found, err := s.coordinator.Cancel(orderID); found {
			return true, err
		}
		if err := backoff.SleepWithContext(ctx, cancelClaimDelay); err != nil {
			return false, err
		}
	}
	return false, nil
}
