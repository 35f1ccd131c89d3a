package infrastructure

import (
	"checkout/internal/service/order/domain"
)

// --- 类型转换函数 ---

func toOrderModel(o *domain.Order) *OrderModel {
	return &OrderModel{
		ID:            o.ID,
		ActorID:       o.ActorID,
		Items:         append([]domain.LineItem(nil), o.Items...),
		PaymentMethod: o.PaymentMethod,
		Status:        string(o.Status),
		FailureReason: o.FailureReason,
		SaleID:        o.SaleID,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func toDomainOrder(m *OrderModel) *domain.Order {
	return &domain.Order{
		ID:            m.ID,
		ActorID:       m.ActorID,
		Items:         m.Items,
		PaymentMethod: m.PaymentMethod,
		Status:        domain.Status(m.Status),
		FailureReason: m.FailureReason,
		SaleID:        m.SaleID,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func toQueueEntryModel(e *domain.QueueEntry) *QueueEntryModel {
	return &QueueEntryModel{
		Seq:          e.Seq,
		OrderID:      e.OrderID,
		Priority:     e.Priority,
		Attempts:     e.Attempts,
		MaxAttempts:  e.MaxAttempts,
		ScheduledFor: e.ScheduledFor.UTC(),
		Status:       string(e.Status),
		LastError:    e.LastError,
		ClaimedAt:    e.ClaimedAt,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func toDomainQueueEntry(m *QueueEntryModel) *domain.QueueEntry {
	e := &domain.QueueEntry{
		Seq:          m.Seq,
		OrderID:      m.OrderID,
		Priority:     m.Priority,
		Attempts:     m.Attempts,
		MaxAttempts:  m.MaxAttempts,
		ScheduledFor: m.ScheduledFor.UTC(),
		Status:       domain.EntryStatus(m.Status),
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
	if m.ClaimedAt != nil {
		t := m.ClaimedAt.UTC()
		e.ClaimedAt = &t
	}
	return e
}
