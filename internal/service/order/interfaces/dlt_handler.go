package interfaces

import (
	"context"
	"sync"
	"time"

	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
)

// DltConsumerAdapter 监听死信主题并记录日志，死信来自消费失败的消息与耗尽重试的队列条目
type DltConsumerAdapter struct {
	reader MessageReader
	topic  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDltConsumerAdapter(reader MessageReader, topic string) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader, topic: topic}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter started.")
		for {
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("Could not read dead letter, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			logDeadLetter(mq.ExtractTraceContext(ctx, msg), msg)

			// 死信只需要记录，记录后直接提交
			if err := a.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit dead letter")
			}
		}
	}()
	return nil
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	_ = a.reader.Close()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter stopped.")
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers[mq.HeaderOriginalTopic]).
		Str("original_partition", headers[mq.HeaderOriginalPartition]).
		Str("original_offset", headers[mq.HeaderOriginalOffset]).
		Str("exception_fqcn", headers[mq.HeaderExceptionFqcn]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
