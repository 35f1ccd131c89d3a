package saga

import (
	"checkout/internal/service/order/domain"

	"go.opentelemetry.io/otel/codes"
)

// CommitHandler 将订单标记为完成并持久化。持久化成功即为提交点，之后不再补偿。
type CommitHandler struct {
	NextHandler
}

func (h *CommitHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Commit")
	defer span.End()

	completed := orderCtx.Order.Clone()
	if err := completed.MarkCompleted(orderCtx.SaleID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := orderCtx.Orders.Save(ctx, completed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to save completed order")
		return domain.NewTransientError("orders", err)
	}
	*orderCtx.Order = *completed
	orderCtx.Commit()
	span.AddEvent("Order committed")

	return h.executeNext(orderCtx)
}
