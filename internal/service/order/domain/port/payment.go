// internal/service/order/domain/port/payment.go
package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRequest 是一次扣款请求。IdempotencyKey 让网关在重试时不会重复扣款。
type PaymentRequest struct {
	OrderID        string
	ActorID        string
	Amount         decimal.Decimal
	Method         string
	IdempotencyKey string
}

// PaymentReceipt 是扣款成功的凭据
type PaymentReceipt struct {
	TransactionID string
	OrderID       string
	Amount        decimal.Decimal
	Method        string
	ApprovedAt    time.Time
}

// PaymentGateway 是支付网关的出站端口，由熔断器保护。
type PaymentGateway interface {
	// Charge 扣款。拒付返回包装了 domain.ErrPaymentDeclined 的 *domain.PermanentServiceError，
	// 其余失败返回 *domain.TransientServiceError。
	Charge(ctx context.Context, req PaymentRequest) (*PaymentReceipt, error)

	// Refund 是 Charge 的补偿操作，对同一笔交易重复调用必须安全。
	Refund(ctx context.Context, receipt *PaymentReceipt) error
}

