package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout/internal/pkg/lock"
	"checkout/internal/pkg/logger"
	"checkout/internal/service/order/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// LockHandler 为订单涉及的全部商品加锁。后续步骤失败时，补偿在锁释放之前执行，
// 保证库存的撤销同样处于锁的保护之下。
type LockHandler struct {
	NextHandler
}

func (h *LockHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.AcquireLocks")
	defer span.End()

	keys := orderCtx.Order.ProductKeys()
	span.SetAttributes(attribute.StringSlice("lock.keys", keys))

	if orderCtx.BeforeLock != nil {
		if err := orderCtx.BeforeLock(); err != nil {
			span.SetStatus(codes.Error, "cancelled before lock acquisition")
			return err
		}
	}

	start := time.Now()
	lease, err := lock.AcquireAll(ctx, orderCtx.Locker, keys, orderCtx.LockWait)
	orderCtx.Metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock acquisition failed")
		switch {
		case errors.Is(err, lock.ErrTimeout):
			return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
		case ctx.Err() != nil:
			return err
		default:
			return domain.NewTransientError("lock", err)
		}
	}
	span.AddEvent("All locks acquired")

	err = h.executeNext(orderCtx)
	if err != nil {
		if compErr := orderCtx.TriggerCompensation(context.WithoutCancel(ctx)); compErr != nil {
			span.RecordError(compErr)
		}
	}

	if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
		// 凭证不匹配说明锁在持有期间被强制回收过，属于需要排查的故障
		span.RecordError(relErr)
		logger.Ctx(ctx).Error().Err(relErr).Str("order_id", orderCtx.Order.ID).Msg("🚨 Failed to release resource locks")
	}
	return err
}
