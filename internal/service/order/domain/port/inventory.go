// internal/service/order/domain/port/inventory.go
package port

import "context"

// InventoryStore 是库存的出站端口。所有写操作都只能在持有对应商品锁时调用。
// 预占记录以 (orderID, productKey) 为键，保证重试与补偿都是幂等的。
type InventoryStore interface {
	// GetStock 返回可售数量（总库存减去已预占）。
	GetStock(ctx context.Context, productKey string) (int, error)

	// Reserve 预占库存，不足时返回包装了 domain.ErrStockInsufficient 的错误。
	Reserve(ctx context.Context, orderID, productKey string, quantity int) error

	// Confirm 把预占转为实际扣减。
	Confirm(ctx context.Context, orderID, productKey string, quantity int) error

	// Release 撤销预占或归还已扣减的库存；已撤销或从未预占时是空操作。
	Release(ctx context.Context, orderID, productKey string, quantity int) error
}
