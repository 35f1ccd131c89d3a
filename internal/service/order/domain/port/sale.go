// internal/service/order/domain/port/sale.go
package port

import (
	"context"

	"checkout/internal/service/order/domain"
)

// SalePersistence 记录成交流水，只能在扣款成功之后调用。
type SalePersistence interface {
	// Record 记录一笔销售，同一订单重复记录返回同一个 saleID。
	Record(ctx context.Context, order *domain.Order, receipt *PaymentReceipt) (string, error)

	// Void 作废销售记录，是 Record 的补偿操作，重复调用安全。
	Void(ctx context.Context, saleID string) error
}
