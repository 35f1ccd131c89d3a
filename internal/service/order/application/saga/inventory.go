package saga

import (
	"context"
	"errors"

	"checkout/internal/service/order/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StockCheckHandler 在持锁状态下校验库存是否足够。库存不足是业务规则，不重试。
type StockCheckHandler struct {
	NextHandler
}

func (h *StockCheckHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.StockCheck")
	defer span.End()

	quantities := orderCtx.Order.Quantities()
	for _, key := range orderCtx.Order.ProductKeys() {
		available, err := orderCtx.Inventory.GetStock(ctx, key)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stock lookup failed")
			return asTransient("inventory", err)
		}
		if available < quantities[key] {
			err := &domain.StockInsufficientError{ProductKey: key, Requested: quantities[key], Available: available}
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	span.AddEvent("Stock verified")

	return h.executeNext(orderCtx)
}

// ReserveHandler 负责库存预占步骤。补偿动作在预占之前登记，
// 预占只完成一半时撤销同样安全。
type ReserveHandler struct {
	NextHandler
}

func (h *ReserveHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.InventoryReserve")
	defer span.End()

	span.SetAttributes(attribute.StringSlice("items", orderCtx.Order.ProductKeys()))

	quantities := orderCtx.Order.Quantities()
	for _, key := range orderCtx.Order.ProductKeys() {
		key, qty := key, quantities[key]
		orderCtx.AddCompensation("release_stock", func(compCtx context.Context) error {
			return orderCtx.Inventory.Release(compCtx, orderCtx.Order.ID, key, qty)
		})

		if err := orderCtx.Inventory.Reserve(ctx, orderCtx.Order.ID, key, qty); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Inventory reservation failed")
			if errors.Is(err, domain.ErrStockInsufficient) {
				return err
			}
			return asTransient("inventory", err)
		}
	}
	span.AddEvent("All items reserved successfully")

	return h.executeNext(orderCtx)
}

// ConfirmHandler 扣款与记账都成功后，把预占转为实际扣减。
type ConfirmHandler struct {
	NextHandler
}

func (h *ConfirmHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.InventoryConfirm")
	defer span.End()

	quantities := orderCtx.Order.Quantities()
	for _, key := range orderCtx.Order.ProductKeys() {
		if err := orderCtx.Inventory.Confirm(ctx, orderCtx.Order.ID, key, quantities[key]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Inventory confirmation failed")
			return asTransient("inventory", err)
		}
	}
	span.AddEvent("Stock decrement confirmed")

	return h.executeNext(orderCtx)
}
