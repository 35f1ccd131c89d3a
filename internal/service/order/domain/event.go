// internal/service/order/domain/event.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderCreationRequested 是异步入口收到的下单命令
type OrderCreationRequested struct {
	TraceID       string     `json:"traceId,omitempty"`
	EventID       string     `json:"eventId"`
	ActorID       string     `json:"actorId"`
	PaymentMethod string     `json:"paymentMethod"`
	Items         []LineItem `json:"items"`
}

// OrderSettled 是订单到达终态时发布的通知事件
type OrderSettled struct {
	OrderID   string          `json:"orderId"`
	ActorID   string          `json:"actorId"`
	Status    Status          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	SaleID    string          `json:"saleId,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	SettledAt time.Time       `json:"settledAt"`
}

// OrderDeadLettered 是投递到死信主题的事件
type OrderDeadLettered struct {
	OrderID   string    `json:"orderId"`
	ActorID   string    `json:"actorId"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	At        time.Time `json:"at"`
}
