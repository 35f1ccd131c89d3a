package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout/internal/service/order/domain"
)

// MemoryQueueStore 是 QueueStore 的内存实现，进程重启后队列丢失，只用于开发与测试。
type MemoryQueueStore struct {
	mu      sync.Mutex
	seq     uint64
	entries map[uint64]*domain.QueueEntry
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{entries: make(map[uint64]*domain.QueueEntry)}
}

func (s *MemoryQueueStore) Insert(ctx context.Context, entry *domain.QueueEntry, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeLocked() >= capacity {
		return domain.ErrQueueFull
	}
	s.seq++
	now := time.Now().UTC()
	e := *entry
	e.Seq = s.seq
	e.Status = domain.EntryPending
	e.CreatedAt = now
	e.UpdatedAt = now
	s.entries[e.Seq] = &e

	entry.Seq = e.Seq
	entry.Status = e.Status
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return nil
}

func (s *MemoryQueueStore) ClaimNext(ctx context.Context, now time.Time) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.QueueEntry
	for _, e := range s.entries {
		if e.Status != domain.EntryPending || e.ScheduledFor.After(now) {
			continue
		}
		if best == nil || e.Before(best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	claimedAt := now
	best.Status = domain.EntryClaimed
	best.ClaimedAt = &claimedAt
	best.UpdatedAt = now
	out := *best
	return &out, nil
}

func (s *MemoryQueueStore) Complete(ctx context.Context, seq uint64) error {
	return s.advance(seq, func(e *domain.QueueEntry) {
		e.Status = domain.EntryCompleted
	})
}

func (s *MemoryQueueStore) Reschedule(ctx context.Context, seq uint64, attempts int, at time.Time, lastErr string) error {
	return s.advance(seq, func(e *domain.QueueEntry) {
		e.Status = domain.EntryPending
		e.Attempts = attempts
		e.ScheduledFor = at
		e.LastError = lastErr
	})
}

func (s *MemoryQueueStore) DeadLetter(ctx context.Context, seq uint64, attempts int, lastErr string) error {
	return s.advance(seq, func(e *domain.QueueEntry) {
		e.Status = domain.EntryDeadLettered
		e.Attempts = attempts
		e.LastError = lastErr
	})
}

// advance 只对 CLAIMED 条目生效
func (s *MemoryQueueStore) advance(seq uint64, apply func(e *domain.QueueEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[seq]
	if !ok || e.Status != domain.EntryClaimed {
		return fmt.Errorf("%w: queue entry %d is not claimed", domain.ErrInvalidTransition, seq)
	}
	apply(e)
	e.ClaimedAt = nil
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryQueueStore) Discard(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for seq, e := range s.entries {
		if e.OrderID == orderID && e.Status == domain.EntryPending {
			delete(s.entries, seq)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryQueueStore) Remove(ctx context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[seq]
	if !ok || e.Status != domain.EntryClaimed {
		return fmt.Errorf("%w: queue entry %d is not claimed", domain.ErrInvalidTransition, seq)
	}
	delete(s.entries, seq)
	return nil
}

func (s *MemoryQueueStore) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.Status == domain.EntryClaimed && e.ClaimedAt != nil && e.ClaimedAt.Before(before) {
			e.Status = domain.EntryPending
			e.ClaimedAt = nil
			e.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryQueueStore) FindActive(ctx context.Context, orderID string) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.OrderID == orderID && (e.Status == domain.EntryPending || e.Status == domain.EntryClaimed) {
			out := *e
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryQueueStore) Position(ctx context.Context, orderID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*domain.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Status == domain.EntryPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Before(pending[j]) })
	for i, e := range pending {
		if e.OrderID == orderID {
			return i + 1, true, nil
		}
	}
	return 0, false, nil
}

func (s *MemoryQueueStore) Depth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(), nil
}

// Entry 按序号返回条目快照，测试与诊断用。
func (s *MemoryQueueStore) Entry(seq uint64) (domain.QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[seq]
	if !ok {
		return domain.QueueEntry{}, false
	}
	return *e, true
}

func (s *MemoryQueueStore) activeLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.Status == domain.EntryPending || e.Status == domain.EntryClaimed {
			n++
		}
	}
	return n
}
