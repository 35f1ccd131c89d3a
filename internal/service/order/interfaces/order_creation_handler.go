package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/mq"
	"checkout/internal/service/order/application"
	"checkout/internal/service/order/domain"

	"github.com/segmentio/kafka-go"
)

// MessageReader 是 *kafka.Reader 中消费者用到的部分
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FailureSink 接收处理失败的消息，生产环境是 *mq.FailureHandler
type FailureSink interface {
	Handle(ctx context.Context, msg kafka.Message, cause error)
}

// OrderConsumerAdapter 是一个驱动适配器，它监听 order-creation 主题并驱动应用服务。
type OrderConsumerAdapter struct {
	reader         MessageReader
	topic          string
	appSvc         *application.OrderApplicationService
	failureHandler FailureSink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrderConsumerAdapter(reader MessageReader, topic string, appSvc *application.OrderApplicationService, failureHandler FailureSink) *OrderConsumerAdapter {
	return &OrderConsumerAdapter{
		reader:         reader,
		topic:          topic,
		appSvc:         appSvc,
		failureHandler: failureHandler,
	}
}

// Start 在后台协程中消费，直到 ctx 取消或调用 Stop
func (a *OrderConsumerAdapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ Kafka Consumer Adapter started.")
		for {
			// 使用 FetchMessage 而不是 ReadMessage，处理完成后再手动提交
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("🛑 Kafka Consumer Adapter shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("Could not read message, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg)
			if processingErr := a.processMessage(msgCtx, msg); processingErr != nil {
				a.failureHandler.Handle(msgCtx, msg, processingErr)
			}

			// 无论成功或失败（已移交死信），都提交 offset
			if err := a.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit messages")
			}
		}
	}()
	return nil
}

func (a *OrderConsumerAdapter) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	_ = a.reader.Close()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ Kafka Consumer Adapter stopped.")
}

// processMessage 反序列化消息并调用应用服务。业务结果（拒绝、失败）不算处理失败。
func (a *OrderConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var event domain.OrderCreationRequested
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return err
	}

	resp, err := a.appSvc.SubmitOrder(ctx, application.ToSubmitOrderRequest(&event))
	if err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Str("order_id", resp.OrderID).Str("status", string(resp.Status)).
		Msg("Async order submitted")
	return nil
}
