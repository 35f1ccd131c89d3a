package saga

import (
	"checkout/internal/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
)

// NotificationHandler 是链的最后一步，负责发送订单完成通知。
type NotificationHandler struct {
	NextHandler
}

func (h *NotificationHandler) Handle(orderCtx *OrderContext) error {
	if orderCtx.Notifier == nil {
		return h.executeNext(orderCtx)
	}

	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Notification")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "kafka"))

	// 订单已经提交，通知失败不影响结果，只记录下来
	if err := orderCtx.Notifier.OrderSettled(ctx, orderCtx.Order); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderCtx.Order.ID).Msg("Failed to publish notification")
		span.RecordError(err)
	}

	return h.executeNext(orderCtx)
}
