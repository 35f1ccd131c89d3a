// internal/service/order/domain/queue.go
package domain

import "time"

// QueueEntry 是订单在队列中的条目。Seq 是入队序号，同优先级同时间时按它保证先来先处理。
type QueueEntry struct {
	Seq          uint64
	OrderID      string
	Priority     int
	Attempts     int
	MaxAttempts  int
	ScheduledFor time.Time
	Status       EntryStatus
	LastError    string
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Exhausted 表示当前这次处理（第 Attempts+1 次）失败后尝试次数已用完，条目应进入死信。
func (e *QueueEntry) Exhausted() bool {
	return e.Attempts+1 >= e.MaxAttempts
}

// Before 定义出队顺序：优先级高者先，其次 ScheduledFor 早者先，最后按入队序号。
func (e *QueueEntry) Before(other *QueueEntry) bool {
	if e.Priority != other.Priority {
		return e.Priority > other.Priority
	}
	if !e.ScheduledFor.Equal(other.ScheduledFor) {
		return e.ScheduledFor.Before(other.ScheduledFor)
	}
	return e.Seq < other.Seq
}
