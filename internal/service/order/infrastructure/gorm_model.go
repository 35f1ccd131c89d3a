package infrastructure

import (
	"time"

	"checkout/internal/service/order/domain"

	"github.com/shopspring/decimal"
)

// OrderModel 对应数据库中的 orders 表
type OrderModel struct {
	ID            string            `gorm:"primaryKey;size:64"`
	ActorID       string            `gorm:"size:64;index"`
	Items         []domain.LineItem `gorm:"serializer:json;type:text"`
	PaymentMethod string            `gorm:"size:32"`
	Status        string            `gorm:"size:20;index"`
	FailureReason string            `gorm:"type:text"`
	SaleID        string            `gorm:"size:64"`
	CreatedAt     time.Time         `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime:false"`
}

func (OrderModel) TableName() string {
	return "orders"
}

// QueueEntryModel 对应 order_queue 表，自增主键即入队序号
type QueueEntryModel struct {
	Seq          uint64     `gorm:"primaryKey;autoIncrement"`
	OrderID      string     `gorm:"size:64;index"`
	Priority     int        `gorm:"index:idx_queue_claim,priority:2"`
	Attempts     int
	MaxAttempts  int
	ScheduledFor time.Time  `gorm:"index:idx_queue_claim,priority:3"`
	Status       string     `gorm:"size:20;index:idx_queue_claim,priority:1"`
	LastError    string     `gorm:"type:text"`
	ClaimedAt    *time.Time `gorm:"index"`
	CreatedAt    time.Time  `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime:false"`
}

func (QueueEntryModel) TableName() string {
	return "order_queue"
}

// QueueMetaModel 只有一行，入队时对它加行锁，使容量检查与写入串行化
type QueueMetaModel struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:32"`
}

func (QueueMetaModel) TableName() string {
	return "order_queue_meta"
}

// ProductStockModel 对应 product_stock 表
type ProductStockModel struct {
	ProductKey string `gorm:"primaryKey;size:64"`
	OnHand     int
	Reserved   int
	UpdatedAt  time.Time
}

func (ProductStockModel) TableName() string {
	return "product_stock"
}

// StockReservationModel 以 (order_id, product_key) 为主键，保证预占与撤销幂等
type StockReservationModel struct {
	OrderID    string `gorm:"primaryKey;size:64"`
	ProductKey string `gorm:"primaryKey;size:64"`
	Quantity   int
	Status     string `gorm:"size:20"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (StockReservationModel) TableName() string {
	return "stock_reservation"
}

// SaleModel 对应 sales 表，每个订单最多一条
type SaleModel struct {
	ID            string          `gorm:"primaryKey;size:64"`
	OrderID       string          `gorm:"size:64;uniqueIndex"`
	ActorID       string          `gorm:"size:64"`
	Amount        decimal.Decimal `gorm:"type:decimal(12,2)"`
	TransactionID string          `gorm:"size:64"`
	Status        string          `gorm:"size:20"`
	RecordedAt    time.Time
}

func (SaleModel) TableName() string {
	return "sales"
}
