package infrastructure

import (
	"context"
	"fmt"
	"time"

	"checkout/internal/service/order/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const inventoryService = "inventory-db"

// GormInventory 是 InventoryStore 的 GORM 实现。调用方已经持有商品锁，
// 这里的条件更新只是防止库存被扣成负数的最后一道保护。
type GormInventory struct {
	db *gorm.DB
}

func NewGormInventory(db *gorm.DB) *GormInventory {
	return &GormInventory{db: db}
}

// SetStock 设置在库数量，不影响已有预占
func (g *GormInventory) SetStock(ctx context.Context, productKey string, quantity int) error {
	row := ProductStockModel{ProductKey: productKey, OnHand: quantity, UpdatedAt: time.Now().UTC()}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"on_hand", "updated_at"}),
	}).Create(&row).Error
	return errors.Wrapf(err, "set stock of %s", productKey)
}

func (g *GormInventory) GetStock(ctx context.Context, productKey string) (int, error) {
	var row ProductStockModel
	if err := g.db.WithContext(ctx).Where("product_key = ?", productKey).Limit(1).Find(&row).Error; err != nil {
		return 0, domain.NewTransientError(inventoryService, errors.Wrapf(err, "read stock of %s", productKey))
	}
	return row.OnHand - row.Reserved, nil
}

func (g *GormInventory) Reserve(ctx context.Context, orderID, productKey string, quantity int) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r StockReservationModel
		if err := tx.Where("order_id = ? AND product_key = ?", orderID, productKey).Limit(1).Find(&r).Error; err != nil {
			return err
		}
		if r.OrderID != "" && r.Status != ReservationReleased {
			return nil
		}

		res := tx.Model(&ProductStockModel{}).
			Where("product_key = ? AND on_hand - reserved >= ?", productKey, quantity).
			Updates(map[string]any{"reserved": gorm.Expr("reserved + ?", quantity), "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var row ProductStockModel
			if err := tx.Where("product_key = ?", productKey).Limit(1).Find(&row).Error; err != nil {
				return err
			}
			return &domain.StockInsufficientError{ProductKey: productKey, Requested: quantity, Available: row.OnHand - row.Reserved}
		}

		r = StockReservationModel{OrderID: orderID, ProductKey: productKey, Quantity: quantity, Status: ReservationReserved}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&r).Error
	})
	return g.wrap(err, "reserve", orderID, productKey)
}

func (g *GormInventory) Confirm(ctx context.Context, orderID, productKey string, quantity int) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r StockReservationModel
		if err := tx.Where("order_id = ? AND product_key = ?", orderID, productKey).Limit(1).Find(&r).Error; err != nil {
			return err
		}
		switch r.Status {
		case ReservationConfirmed:
			return nil
		case ReservationReserved:
		default:
			return fmt.Errorf("no active reservation for order %s product %s", orderID, productKey)
		}

		if err := tx.Model(&ProductStockModel{}).Where("product_key = ?", productKey).Updates(map[string]any{
			"on_hand":    gorm.Expr("on_hand - ?", r.Quantity),
			"reserved":   gorm.Expr("reserved - ?", r.Quantity),
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		return g.setReservationStatus(tx, orderID, productKey, ReservationReserved, ReservationConfirmed)
	})
	return g.wrap(err, "confirm", orderID, productKey)
}

func (g *GormInventory) Release(ctx context.Context, orderID, productKey string, quantity int) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r StockReservationModel
		if err := tx.Where("order_id = ? AND product_key = ?", orderID, productKey).Limit(1).Find(&r).Error; err != nil {
			return err
		}

		var updates map[string]any
		switch r.Status {
		case ReservationReserved:
			updates = map[string]any{"reserved": gorm.Expr("reserved - ?", r.Quantity)}
		case ReservationConfirmed:
			updates = map[string]any{"on_hand": gorm.Expr("on_hand + ?", r.Quantity)}
		default:
			return nil
		}
		updates["updated_at"] = time.Now().UTC()
		if err := tx.Model(&ProductStockModel{}).Where("product_key = ?", productKey).Updates(updates).Error; err != nil {
			return err
		}
		return g.setReservationStatus(tx, orderID, productKey, r.Status, ReservationReleased)
	})
	return g.wrap(err, "release", orderID, productKey)
}

func (g *GormInventory) setReservationStatus(tx *gorm.DB, orderID, productKey, from, to string) error {
	res := tx.Model(&StockReservationModel{}).
		Where("order_id = ? AND product_key = ? AND status = ?", orderID, productKey, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: reservation %s/%s is not %s", domain.ErrInvalidTransition, orderID, productKey, from)
	}
	return nil
}

// wrap 库存不足等业务错误原样返回，存储故障归为可重试
func (g *GormInventory) wrap(err error, op, orderID, productKey string) error {
	if err == nil {
		return nil
	}
	var insufficient *domain.StockInsufficientError
	if errors.As(err, &insufficient) {
		return err
	}
	err = errors.Wrapf(err, "%s stock %s for order %s", op, productKey, orderID)
	if errors.Is(err, domain.ErrTransientService) {
		return err
	}
	return domain.NewTransientError(inventoryService, err)
}

// OnHand 返回在库数量，测试与管理用
func (g *GormInventory) OnHand(ctx context.Context, productKey string) (int, error) {
	var row ProductStockModel
	err := g.db.WithContext(ctx).Where("product_key = ?", productKey).Limit(1).Find(&row).Error
	return row.OnHand, errors.Wrapf(err, "read stock of %s", productKey)
}
