// internal/service/order/domain/port/notification.go
package port

import (
	"context"

	"checkout/internal/service/order/domain"
)

// Notifier 是消息生产者的出站端口。
type Notifier interface {
	// OrderSettled 通知订单已到达终态（完成、失败、取消）。
	OrderSettled(ctx context.Context, order *domain.Order) error

	// OrderDeadLettered 把耗尽重试的订单投递到死信主题。
	OrderDeadLettered(ctx context.Context, order *domain.Order, entry *domain.QueueEntry) error
}
