// internal/service/order/domain/order.go
package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem 是订单行，值对象
type LineItem struct {
	ProductKey string          `json:"productKey"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
}

// Order 是订单聚合的根实体
type Order struct {
	ID            string
	ActorID       string
	Items         []LineItem
	PaymentMethod string
	Status        Status
	FailureReason string
	SaleID        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrder 校验输入并创建一个 NEW 状态的订单
func NewOrder(id, actorID, paymentMethod string, items []LineItem) (*Order, error) {
	if id == "" || actorID == "" {
		return nil, errors.New("cannot create order with empty id or actor")
	}
	if len(items) == 0 {
		return nil, errors.New("order must contain at least one line item")
	}
	for _, item := range items {
		if item.ProductKey == "" {
			return nil, errors.New("line item product key is required")
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("line item %s has non-positive quantity %d", item.ProductKey, item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("line item %s has negative unit price", item.ProductKey)
		}
	}

	now := time.Now().UTC()
	return &Order{
		ID:            id,
		ActorID:       actorID,
		Items:         append([]LineItem(nil), items...),
		PaymentMethod: paymentMethod,
		Status:        StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Total 是订单应付金额
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// Quantities 按商品合并数量。同一商品出现在多行时需要合并后再校验库存。
func (o *Order) Quantities() map[string]int {
	out := make(map[string]int, len(o.Items))
	for _, item := range o.Items {
		out[item.ProductKey] += item.Quantity
	}
	return out
}

// ProductKeys 返回去重后按字典序排列的商品 key，也是加锁顺序。
func (o *Order) ProductKeys() []string {
	q := o.Quantities()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TotalQuantity 是所有行的数量之和
func (o *Order) TotalQuantity() int {
	n := 0
	for _, item := range o.Items {
		n += item.Quantity
	}
	return n
}

// Clone 返回深拷贝，仓储实现用它隔离调用方的修改。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	return &c
}

func (o *Order) transition(to Status) error {
	if !o.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.Status, to, o.ID)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkQueued 订单进入队列等待异步处理
func (o *Order) MarkQueued() error {
	return o.transition(StatusQueued)
}

// MarkProcessing 协调器开始处理订单
func (o *Order) MarkProcessing() error {
	return o.transition(StatusProcessing)
}

// MarkCompleted 记录销售单号并完成订单
func (o *Order) MarkCompleted(saleID string) error {
	if err := o.transition(StatusCompleted); err != nil {
		return err
	}
	o.SaleID = saleID
	o.FailureReason = ""
	return nil
}

// MarkFailed 将订单标记为失败
func (o *Order) MarkFailed(reason string) error {
	if err := o.transition(StatusFailed); err != nil {
		return err
	}
	o.FailureReason = reason
	return nil
}

// MarkRolledBack 订单被取消
func (o *Order) MarkRolledBack(reason string) error {
	if err := o.transition(StatusRolledBack); err != nil {
		return err
	}
	o.FailureReason = reason
	return nil
}

// MarkDeadLettered 队列重试耗尽
func (o *Order) MarkDeadLettered(reason string) error {
	if err := o.transition(StatusDeadLettered); err != nil {
		return err
	}
	o.FailureReason = reason
	return nil
}
