package infrastructure

import (
	"context"
	"sync"
	"time"

	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// 销售记录状态
const (
	SaleRecorded = "RECORDED"
	SaleVoided   = "VOIDED"
)

// SaleRecord 是一条销售流水
type SaleRecord struct {
	ID            string
	OrderID       string
	ActorID       string
	Amount        decimal.Decimal
	TransactionID string
	Status        string
	RecordedAt    time.Time
}

// MemorySales 是 SalePersistence 的内存实现
type MemorySales struct {
	mu      sync.Mutex
	sales   map[string]*SaleRecord
	byOrder map[string]string
}

func NewMemorySales() *MemorySales {
	return &MemorySales{sales: make(map[string]*SaleRecord), byOrder: make(map[string]string)}
}

func (m *MemorySales) Record(ctx context.Context, order *domain.Order, receipt *port.PaymentReceipt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byOrder[order.ID]; ok {
		s := m.sales[id]
		s.Status = SaleRecorded
		s.TransactionID = receipt.TransactionID
		return id, nil
	}
	id := uuid.NewString()
	m.sales[id] = &SaleRecord{
		ID:            id,
		OrderID:       order.ID,
		ActorID:       order.ActorID,
		Amount:        receipt.Amount,
		TransactionID: receipt.TransactionID,
		Status:        SaleRecorded,
		RecordedAt:    time.Now().UTC(),
	}
	m.byOrder[order.ID] = id
	return id, nil
}

func (m *MemorySales) Void(ctx context.Context, saleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sales[saleID]; ok {
		s.Status = SaleVoided
	}
	return nil
}

// Get 返回销售记录快照
func (m *MemorySales) Get(saleID string) (SaleRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[saleID]
	if !ok {
		return SaleRecord{}, false
	}
	return *s, true
}

// CountRecorded 返回有效（未作废）的销售记录数
func (m *MemorySales) CountRecorded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sales {
		if s.Status == SaleRecorded {
			n++
		}
	}
	return n
}
