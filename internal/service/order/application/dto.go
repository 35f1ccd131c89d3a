// internal/service/order/application/dto.go
package application

import (
	"errors"
	"time"

	"checkout/internal/pkg/breaker"
	"checkout/internal/service/order/domain"
)

// ErrInvalidOrder 表示请求本身不合法（缺少字段、数量非正等）
var ErrInvalidOrder = errors.New("invalid order request")

// SubmitStatus 是 SubmitOrder 对调用方的回答
type SubmitStatus string

const (
	SubmitCompleted SubmitStatus = "COMPLETED"
	SubmitQueued    SubmitStatus = "QUEUED"
	SubmitRejected  SubmitStatus = "REJECTED"
	SubmitFailed    SubmitStatus = "FAILED"
)

// SubmitOrderRequest 是下单用例的输入数据
type SubmitOrderRequest struct {
	// OrderID 可选，由调用方提供时用于幂等（例如消息重投）
	OrderID       string            `json:"orderId,omitempty"`
	ActorID       string            `json:"actorId"`
	PaymentMethod string            `json:"paymentMethod"`
	Items         []domain.LineItem `json:"items"`
}

// SubmitOrderResponse 是下单用例的输出数据
type SubmitOrderResponse struct {
	OrderID       string       `json:"orderId"`
	Status        SubmitStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	SaleID        string       `json:"saleId,omitempty"`
	QueuePosition int          `json:"queuePosition,omitempty"`
	Cause         error        `json:"-"`
}

// OrderStatusView 是可轮询的订单进度
type OrderStatusView struct {
	OrderID       string        `json:"orderId"`
	Status        domain.Status `json:"status"`
	Result        SubmitStatus  `json:"result,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	SaleID        string        `json:"saleId,omitempty"`
	QueuePosition *int          `json:"queuePosition,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// SystemHealthView 汇总熔断器、队列与在途订单
type SystemHealthView struct {
	Services   []breaker.Health `json:"services"`
	QueueDepth int              `json:"queueDepth"`
	InFlight   int              `json:"inFlight"`
}

// ToSubmitOrderRequest 从异步下单命令转换为应用层请求
func ToSubmitOrderRequest(event *domain.OrderCreationRequested) *SubmitOrderRequest {
	return &SubmitOrderRequest{
		OrderID:       event.EventID,
		ActorID:       event.ActorID,
		PaymentMethod: event.PaymentMethod,
		Items:         event.Items,
	}
}

// resultOf 把订单状态映射为调用方可见的结果，未到终态时为空
func resultOf(status domain.Status) SubmitStatus {
	switch status {
	case domain.StatusCompleted:
		return SubmitCompleted
	case domain.StatusQueued:
		return SubmitQueued
	case domain.StatusFailed, domain.StatusRolledBack, domain.StatusDeadLettered:
		return SubmitFailed
	}
	return ""
}
