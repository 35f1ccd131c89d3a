// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"checkout/internal/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// 死信消息附带的消息头
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
)

// FailureHandler 把处理失败的消息连同失败原因转发到死信主题。
type FailureHandler struct {
	dlt MessageWriter
}

func NewFailureHandler(dlt MessageWriter) *FailureHandler {
	return &FailureHandler{dlt: dlt}
}

// Handle 转发失败消息。写入死信主题失败时只记录日志，不阻塞消费。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	headers = append(headers, msg.Headers...)
	carrier := KafkaHeaderCarrier(headers)
	carrier.Set(HeaderOriginalTopic, msg.Topic)
	carrier.Set(HeaderOriginalPartition, strconv.Itoa(msg.Partition))
	carrier.Set(HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	carrier.Set(HeaderExceptionFqcn, fmt.Sprintf("%T", cause))
	carrier.Set(HeaderExceptionMessage, cause.Error())

	dead := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: carrier}
	if err := h.dlt.WriteMessages(ctx, dead); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
			Msg("🚨 Failed to forward message to DLT")
		return
	}
	logger.Ctx(ctx).Warn().Err(cause).Str("topic", msg.Topic).Int64("offset", msg.Offset).
		Msg("Message forwarded to DLT")
}
