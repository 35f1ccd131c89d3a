// internal/service/order/domain/repository.go
package domain

import (
	"context"
	"time"
)

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	// Save 保存一个订单聚合（用于创建或更新）。
	Save(ctx context.Context, order *Order) error

	// FindByID 根据 ID 查找一个订单聚合，不存在时返回 ErrOrderNotFound。
	FindByID(ctx context.Context, id string) (*Order, error)
}

// QueueStore 是队列条目的存储。所有状态迁移都以当前状态为条件（比较并交换），
// 条件不满足时返回 ErrInvalidTransition。
type QueueStore interface {
	// Insert 在未完成条目数小于 capacity 时写入 PENDING 条目并分配 Seq，否则返回 ErrQueueFull。
	Insert(ctx context.Context, entry *QueueEntry, capacity int) error

	// ClaimNext 认领一个 ScheduledFor <= now 的最优先 PENDING 条目；没有可处理条目时返回 nil, nil。
	ClaimNext(ctx context.Context, now time.Time) (*QueueEntry, error)

	// Complete CLAIMED -> COMPLETED
	Complete(ctx context.Context, seq uint64) error

	// Reschedule CLAIMED -> PENDING，更新尝试次数与下次调度时间。
	Reschedule(ctx context.Context, seq uint64, attempts int, at time.Time, lastErr string) error

	// DeadLetter CLAIMED -> DEAD_LETTERED
	DeadLetter(ctx context.Context, seq uint64, attempts int, lastErr string) error

	// Discard 删除订单的 PENDING 条目，返回是否删除成功。
	Discard(ctx context.Context, orderID string) (bool, error)

	// Remove 删除一个 CLAIMED 条目（订单在处理前被取消）。
	Remove(ctx context.Context, seq uint64) error

	// ReleaseStale 把认领时间早于 before 的 CLAIMED 条目放回 PENDING。
	ReleaseStale(ctx context.Context, before time.Time) (int, error)

	// FindActive 查找订单当前的 PENDING 或 CLAIMED 条目，不存在时返回 nil, nil。
	FindActive(ctx context.Context, orderID string) (*QueueEntry, error)

	// Position 返回订单在 PENDING 条目中的出队名次（从 1 开始）。
	Position(ctx context.Context, orderID string) (int, bool, error)

	// Depth 返回 PENDING 与 CLAIMED 条目总数。
	Depth(ctx context.Context) (int, error)
}
