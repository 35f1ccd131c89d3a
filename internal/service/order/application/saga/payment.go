package saga

import (
	"context"
	"errors"
	"fmt"

	"checkout/internal/pkg/breaker"
	"checkout/internal/pkg/logger"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PaymentHandler 通过熔断器调用支付网关，扣款成功后登记退款补偿。
type PaymentHandler struct {
	NextHandler
}

func (h *PaymentHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Payment")
	defer span.End()

	order := orderCtx.Order
	req := port.PaymentRequest{
		OrderID:        order.ID,
		ActorID:        order.ActorID,
		Amount:         order.Total(),
		Method:         order.PaymentMethod,
		IdempotencyKey: fmt.Sprintf("%s-%d-%s", order.ID, orderCtx.Attempt, orderCtx.AttemptID),
	}
	span.SetAttributes(
		attribute.String("payment.amount", req.Amount.String()),
		attribute.String("payment.method", req.Method),
	)

	out, err := orderCtx.Breakers.Call(ctx, PaymentService, func(ctx context.Context) (any, error) {
		return orderCtx.Payment.Charge(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment failed")
		switch {
		case errors.Is(err, breaker.ErrOpen):
			return fmt.Errorf("%w: %w", domain.ErrCircuitOpen, err)
		case errors.Is(err, domain.ErrPaymentDeclined):
			logger.Ctx(ctx).Warn().Str("order_id", order.ID).Err(err).Msg("Payment declined")
			return err
		default:
			return asTransient(PaymentService, err)
		}
	}

	receipt, ok := out.(*port.PaymentReceipt)
	if !ok || receipt == nil {
		return domain.NewTransientError(PaymentService, fmt.Errorf("unexpected charge result %T", out))
	}
	orderCtx.Receipt = receipt
	orderCtx.AddCompensation("refund_payment", func(compCtx context.Context) error {
		return orderCtx.Payment.Refund(compCtx, receipt)
	})
	span.AddEvent("Payment approved")

	return h.executeNext(orderCtx)
}

// SaleHandler 记录成交流水，并登记作废补偿。
type SaleHandler struct {
	NextHandler
}

func (h *SaleHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.RecordSale")
	defer span.End()

	saleID, err := orderCtx.Sales.Record(ctx, orderCtx.Order, orderCtx.Receipt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sale persistence failed")
		return asTransient("sales", err)
	}
	orderCtx.SaleID = saleID
	orderCtx.AddCompensation("void_sale", func(compCtx context.Context) error {
		return orderCtx.Sales.Void(compCtx, saleID)
	})
	span.SetAttributes(attribute.String("sale.id", saleID))

	return h.executeNext(orderCtx)
}
