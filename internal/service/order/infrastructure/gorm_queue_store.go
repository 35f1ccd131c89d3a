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

const (
	queueMetaID = 1
	// 认领时与其他实例冲突的最大重试次数
	claimRetries = 5
)

var activeStatuses = []string{string(domain.EntryPending), string(domain.EntryClaimed)}

// GormQueueStore 是持久化的 QueueStore，条目状态迁移都用带条件的 UPDATE 实现比较并交换，
// 多个实例可以共享同一张表。
type GormQueueStore struct {
	db *gorm.DB
}

func NewGormQueueStore(db *gorm.DB) (*GormQueueStore, error) {
	meta := QueueMetaModel{ID: queueMetaID, Name: "order_queue"}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&meta).Error; err != nil {
		return nil, errors.Wrap(err, "seed queue meta row")
	}
	return &GormQueueStore{db: db}, nil
}

func (s *GormQueueStore) Insert(ctx context.Context, entry *domain.QueueEntry, capacity int) error {
	now := time.Now().UTC()
	model := toQueueEntryModel(entry)
	model.Seq = 0
	model.Status = string(domain.EntryPending)
	model.ClaimedAt = nil
	model.CreatedAt = now
	model.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meta QueueMetaModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&meta, queueMetaID).Error; err != nil {
			return err
		}
		var active int64
		if err := tx.Model(&QueueEntryModel{}).Where("status IN ?", activeStatuses).Count(&active).Error; err != nil {
			return err
		}
		if active >= int64(capacity) {
			return domain.ErrQueueFull
		}
		return tx.Create(model).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			return domain.ErrQueueFull
		}
		return errors.Wrapf(classifyDBError("queue-db", err), "enqueue order %s", entry.OrderID)
	}

	entry.Seq = model.Seq
	entry.Status = domain.EntryPending
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return nil
}

// ClaimNext 先选出候选条目，再以 status = PENDING 为条件更新；被其他实例抢先时重新选择。
func (s *GormQueueStore) ClaimNext(ctx context.Context, now time.Time) (*domain.QueueEntry, error) {
	now = now.UTC()
	db := s.db.WithContext(ctx)
	for i := 0; i < claimRetries; i++ {
		var candidate QueueEntryModel
		err := db.Where("status = ? AND scheduled_for <= ?", domain.EntryPending, now).
			Order("priority DESC").Order("scheduled_for ASC").Order("seq ASC").
			Limit(1).Find(&candidate).Error
		if err != nil {
			return nil, errors.Wrap(err, "select queue candidate")
		}
		if candidate.Seq == 0 {
			return nil, nil
		}

		res := db.Model(&QueueEntryModel{}).
			Where("seq = ? AND status = ?", candidate.Seq, domain.EntryPending).
			Updates(map[string]any{"status": domain.EntryClaimed, "claimed_at": now, "updated_at": now})
		if res.Error != nil {
			return nil, errors.Wrapf(res.Error, "claim queue entry %d", candidate.Seq)
		}
		if res.RowsAffected == 1 {
			candidate.Status = string(domain.EntryClaimed)
			candidate.ClaimedAt = &now
			candidate.UpdatedAt = now
			return toDomainQueueEntry(&candidate), nil
		}
	}
	return nil, nil
}

func (s *GormQueueStore) Complete(ctx context.Context, seq uint64) error {
	return s.advance(ctx, seq, map[string]any{"status": domain.EntryCompleted})
}

func (s *GormQueueStore) Reschedule(ctx context.Context, seq uint64, attempts int, at time.Time, lastErr string) error {
	return s.advance(ctx, seq, map[string]any{
		"status":        domain.EntryPending,
		"attempts":      attempts,
		"scheduled_for": at.UTC(),
		"last_error":    lastErr,
	})
}

func (s *GormQueueStore) DeadLetter(ctx context.Context, seq uint64, attempts int, lastErr string) error {
	return s.advance(ctx, seq, map[string]any{
		"status":     domain.EntryDeadLettered,
		"attempts":   attempts,
		"last_error": lastErr,
	})
}

// advance 只对 CLAIMED 条目生效
func (s *GormQueueStore) advance(ctx context.Context, seq uint64, updates map[string]any) error {
	updates["claimed_at"] = nil
	updates["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&QueueEntryModel{}).
		Where("seq = ? AND status = ?", seq, domain.EntryClaimed).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrapf(classifyDBError("queue-db", res.Error), "update queue entry %d", seq)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: queue entry %d is not claimed", domain.ErrInvalidTransition, seq)
	}
	return nil
}

func (s *GormQueueStore) Discard(ctx context.Context, orderID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, domain.EntryPending).
		Delete(&QueueEntryModel{})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "discard queue entry of order %s", orderID)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormQueueStore) Remove(ctx context.Context, seq uint64) error {
	res := s.db.WithContext(ctx).
		Where("seq = ? AND status = ?", seq, domain.EntryClaimed).
		Delete(&QueueEntryModel{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "remove queue entry %d", seq)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: queue entry %d is not claimed", domain.ErrInvalidTransition, seq)
	}
	return nil
}

func (s *GormQueueStore) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&QueueEntryModel{}).
		Where("status = ? AND claimed_at < ?", domain.EntryClaimed, before.UTC()).
		Updates(map[string]any{"status": domain.EntryPending, "claimed_at": nil, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "release stale claims")
	}
	return int(res.RowsAffected), nil
}

func (s *GormQueueStore) FindActive(ctx context.Context, orderID string) (*domain.QueueEntry, error) {
	var model QueueEntryModel
	err := s.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, activeStatuses).
		Limit(1).Find(&model).Error
	if err != nil {
		return nil, errors.Wrapf(err, "find active entry of order %s", orderID)
	}
	if model.Seq == 0 {
		return nil, nil
	}
	return toDomainQueueEntry(&model), nil
}

// Position 统计排在该订单之前的 PENDING 条目数
func (s *GormQueueStore) Position(ctx context.Context, orderID string) (int, bool, error) {
	db := s.db.WithContext(ctx)
	var mine QueueEntryModel
	if err := db.Where("order_id = ? AND status = ?", orderID, domain.EntryPending).Limit(1).Find(&mine).Error; err != nil {
		return 0, false, errors.Wrapf(err, "find pending entry of order %s", orderID)
	}
	if mine.Seq == 0 {
		return 0, false, nil
	}

	var ahead int64
	err := db.Model(&QueueEntryModel{}).
		Where("status = ?", domain.EntryPending).
		Where(db.Where("priority > ?", mine.Priority).
			Or("priority = ? AND scheduled_for < ?", mine.Priority, mine.ScheduledFor).
			Or("priority = ? AND scheduled_for = ? AND seq < ?", mine.Priority, mine.ScheduledFor, mine.Seq)).
		Count(&ahead).Error
	if err != nil {
		return 0, false, errors.Wrap(err, "count entries ahead")
	}
	return int(ahead) + 1, true, nil
}

func (s *GormQueueStore) Depth(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&QueueEntryModel{}).Where("status IN ?", activeStatuses).Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "count queue depth")
	}
	return int(n), nil
}
