// internal/service/order/domain/state.go
package domain

// Status 定义了订单的生命周期状态
type Status string

const (
	StatusNew          Status = "NEW"           // 订单已记录，尚未进入处理
	StatusQueued       Status = "QUEUED"        // 在队列中等待异步处理
	StatusProcessing   Status = "PROCESSING"    // 协调器正在处理
	StatusCompleted    Status = "COMPLETED"     // 已扣库存、已支付、已记账
	StatusFailed       Status = "FAILED"        // 业务失败（拒付、库存不足、锁超时、队列已满）
	StatusRolledBack   Status = "ROLLED_BACK"   // 被取消，补偿已执行
	StatusDeadLettered Status = "DEAD_LETTERED" // 队列重试次数耗尽
)

// transitions 是合法的状态迁移表。QUEUED 与 PROCESSING 之间可以在重试中反复往返。
var transitions = map[Status][]Status{
	StatusNew:        {StatusQueued, StatusProcessing, StatusFailed, StatusRolledBack},
	StatusQueued:     {StatusProcessing, StatusFailed, StatusRolledBack, StatusDeadLettered},
	StatusProcessing: {StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusRolledBack, StatusDeadLettered},
}

// CanTransitionTo 判断从当前状态能否迁移到 to。
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal 终态之后订单不再变化。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusDeadLettered:
		return true
	}
	return false
}

// EntryStatus 是队列条目的状态
type EntryStatus string

const (
	EntryPending      EntryStatus = "PENDING"
	EntryClaimed      EntryStatus = "CLAIMED"
	EntryCompleted    EntryStatus = "COMPLETED"
	EntryDeadLettered EntryStatus = "DEAD_LETTERED"
)
