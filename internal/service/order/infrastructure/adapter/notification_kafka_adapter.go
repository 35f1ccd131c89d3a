package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"checkout/internal/pkg/mq"
	"checkout/internal/service/order/domain"

	"github.com/segmentio/kafka-go"
)

// QueueSourceTopic 标记死信消息来自订单队列而不是某个 Kafka 主题
const QueueSourceTopic = "order-queue"

// NotificationKafkaAdapter 实现了 port.Notifier 接口。
type NotificationKafkaAdapter struct {
	writer mq.MessageWriter
	dlt    mq.MessageWriter
}

// NewNotificationKafkaAdapter 创建通知生产者，writer 写通知主题，dlt 写死信主题
func NewNotificationKafkaAdapter(writer, dlt mq.MessageWriter) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer, dlt: dlt}
}

// OrderSettled 发布订单终态通知，以 actor 为 key
func (a *NotificationKafkaAdapter) OrderSettled(ctx context.Context, order *domain.Order) error {
	event := domain.OrderSettled{
		OrderID:   order.ID,
		ActorID:   order.ActorID,
		Status:    order.Status,
		Reason:    order.FailureReason,
		SaleID:    order.SaleID,
		Amount:    order.Total(),
		SettledAt: time.Now().UTC(),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(order.ActorID), eventBytes)
}

// OrderDeadLettered 把耗尽重试的订单写入死信主题，消息头格式与消费失败转发的死信一致
func (a *NotificationKafkaAdapter) OrderDeadLettered(ctx context.Context, order *domain.Order, entry *domain.QueueEntry) error {
	event := domain.OrderDeadLettered{
		OrderID:   order.ID,
		ActorID:   order.ActorID,
		Attempts:  entry.Attempts,
		LastError: entry.LastError,
		At:        time.Now().UTC(),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter event: %w", err)
	}

	headers := []kafka.Header{
		{Key: mq.HeaderOriginalTopic, Value: []byte(QueueSourceTopic)},
		{Key: mq.HeaderOriginalOffset, Value: []byte(strconv.FormatUint(entry.Seq, 10))},
		{Key: mq.HeaderExceptionFqcn, Value: []byte("MaxAttemptsExceeded")},
		{Key: mq.HeaderExceptionMessage, Value: []byte(entry.LastError)},
	}
	return mq.ProduceMessage(ctx, a.dlt, []byte(order.ID), eventBytes, headers...)
}
