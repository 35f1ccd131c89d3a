package infrastructure

import (
	"context"
	"time"

	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const salesService = "sales-db"

// GormSales 是 SalePersistence 的 GORM 实现，order_id 唯一约束保证每个订单只有一条销售记录
type GormSales struct {
	db *gorm.DB
}

func NewGormSales(db *gorm.DB) *GormSales {
	return &GormSales{db: db}
}

func (s *GormSales) Record(ctx context.Context, order *domain.Order, receipt *port.PaymentReceipt) (string, error) {
	var saleID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SaleModel
		if err := tx.Where("order_id = ?", order.ID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if existing.ID != "" {
			saleID = existing.ID
			return tx.Model(&SaleModel{}).Where("id = ?", existing.ID).
				Updates(map[string]any{"status": SaleRecorded, "transaction_id": receipt.TransactionID}).Error
		}

		sale := SaleModel{
			ID:            uuid.NewString(),
			OrderID:       order.ID,
			ActorID:       order.ActorID,
			Amount:        receipt.Amount,
			TransactionID: receipt.TransactionID,
			Status:        SaleRecorded,
			RecordedAt:    time.Now().UTC(),
		}
		if err := tx.Create(&sale).Error; err != nil {
			return err
		}
		saleID = sale.ID
		return nil
	})
	if isDuplicateKey(err) {
		// 并发写入同一订单时另一方已经落库，直接返回那条记录
		var existing SaleModel
		if err = s.db.WithContext(ctx).Where("order_id = ?", order.ID).Take(&existing).Error; err == nil {
			return existing.ID, nil
		}
	}
	if err != nil {
		return "", domain.NewTransientError(salesService, errors.Wrapf(err, "record sale for order %s", order.ID))
	}
	return saleID, nil
}

func (s *GormSales) Void(ctx context.Context, saleID string) error {
	err := s.db.WithContext(ctx).Model(&SaleModel{}).Where("id = ?", saleID).Update("status", SaleVoided).Error
	if err != nil {
		return domain.NewTransientError(salesService, errors.Wrapf(err, "void sale %s", saleID))
	}
	return nil
}

// Get 返回销售记录，不存在时 ok 为 false
func (s *GormSales) Get(ctx context.Context, saleID string) (SaleRecord, bool, error) {
	var m SaleModel
	if err := s.db.WithContext(ctx).Where("id = ?", saleID).Limit(1).Find(&m).Error; err != nil {
		return SaleRecord{}, false, errors.Wrapf(err, "find sale %s", saleID)
	}
	if m.ID == "" {
		return SaleRecord{}, false, nil
	}
	return SaleRecord{
		ID:            m.ID,
		OrderID:       m.OrderID,
		ActorID:       m.ActorID,
		Amount:        m.Amount,
		TransactionID: m.TransactionID,
		Status:        m.Status,
		RecordedAt:    m.RecordedAt,
	}, true, nil
}
