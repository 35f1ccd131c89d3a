package infrastructure

import (
	"context"
	"encoding/json"

	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/mq"
	"checkout/internal/service/order/domain"
)

// OrderProducerAdapter 把异步下单请求写入 order-creation 主题，由 OrderConsumerAdapter 消费
type OrderProducerAdapter struct {
	writer mq.MessageWriter
}

func NewOrderProducerAdapter(writer mq.MessageWriter) *OrderProducerAdapter {
	return &OrderProducerAdapter{writer: writer}
}

// Publish 以 actor 为 key 保证同一用户的请求落在同一分区、按序消费
func (p *OrderProducerAdapter) Publish(ctx context.Context, event *domain.OrderCreationRequested) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to marshal order creation event")
		return err
	}

	if err := mq.ProduceMessage(ctx, p.writer, []byte(event.ActorID), eventBytes); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("event_id", event.EventID).Msg("Failed to produce message to Kafka")
		return err
	}
	return nil
}
