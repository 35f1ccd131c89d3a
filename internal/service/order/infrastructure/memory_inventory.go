package infrastructure

import (
	"context"
	"fmt"
	"sync"

	"checkout/internal/service/order/domain"
)

// 预占记录的状态
const (
	ReservationReserved  = "RESERVED"
	ReservationConfirmed = "CONFIRMED"
	ReservationReleased  = "RELEASED"
)

type reservationKey struct {
	orderID    string
	productKey string
}

type memoryReservation struct {
	quantity int
	status   string
}

// MemoryInventory 是 InventoryStore 的内存实现。
type MemoryInventory struct {
	mu           sync.Mutex
	onHand       map[string]int
	reserved     map[string]int
	reservations map[reservationKey]*memoryReservation
}

func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		onHand:       make(map[string]int),
		reserved:     make(map[string]int),
		reservations: make(map[reservationKey]*memoryReservation),
	}
}

// SetStock 设置在库数量（测试和管理用）
func (m *MemoryInventory) SetStock(productKey string, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHand[productKey] = quantity
}

// OnHand 返回在库数量（已确认扣减之后的数量，包含仍在预占中的部分）
func (m *MemoryInventory) OnHand(productKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onHand[productKey]
}

func (m *MemoryInventory) GetStock(ctx context.Context, productKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onHand[productKey] - m.reserved[productKey], nil
}

func (m *MemoryInventory) Reserve(ctx context.Context, orderID, productKey string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := reservationKey{orderID, productKey}
	if r, ok := m.reservations[k]; ok && r.status != ReservationReleased {
		return nil
	}
	available := m.onHand[productKey] - m.reserved[productKey]
	if available < quantity {
		return &domain.StockInsufficientError{ProductKey: productKey, Requested: quantity, Available: available}
	}
	m.reserved[productKey] += quantity
	m.reservations[k] = &memoryReservation{quantity: quantity, status: ReservationReserved}
	return nil
}

func (m *MemoryInventory) Confirm(ctx context.Context, orderID, productKey string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationKey{orderID, productKey}]
	if !ok || r.status == ReservationReleased {
		return fmt.Errorf("no active reservation for order %s product %s", orderID, productKey)
	}
	if r.status == ReservationConfirmed {
		return nil
	}
	m.reserved[productKey] -= r.quantity
	m.onHand[productKey] -= r.quantity
	r.status = ReservationConfirmed
	return nil
}

func (m *MemoryInventory) Release(ctx context.Context, orderID, productKey string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationKey{orderID, productKey}]
	if !ok {
		return nil
	}
	switch r.status {
	case ReservationReserved:
		m.reserved[productKey] -= r.quantity
	case ReservationConfirmed:
		m.onHand[productKey] += r.quantity
	default:
		return nil
	}
	r.status = ReservationReleased
	return nil
}
