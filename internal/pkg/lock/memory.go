package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkout/internal/pkg/logger"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token      Token
	acquiredAt time.Time
	expiresAt  time.Time
	released   chan struct{}
}

// MemoryLocker 是进程内的锁实现。超过 hardExpiry 仍未释放的锁会被强制回收。
type MemoryLocker struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	hardExpiry time.Duration

	// OnReclaim 在锁被强制回收时调用，用于上报指标。
	OnReclaim func(key string, heldFor time.Duration)
}

func NewMemoryLocker(hardExpiry time.Duration) *MemoryLocker {
	return &MemoryLocker{
		entries:    make(map[string]*memoryEntry),
		hardExpiry: hardExpiry,
	}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Token, error) {
	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		now := time.Now()
		entry, held := m.entries[key]
		if held && !now.Before(entry.expiresAt) {
			m.reclaimLocked(ctx, key, entry, now)
			held = false
		}
		if !held {
			token := Token(uuid.NewString())
			m.entries[key] = &memoryEntry{
				token:      token,
				acquiredAt: now,
				expiresAt:  now.Add(m.hardExpiry),
				released:   make(chan struct{}),
			}
			m.mu.Unlock()
			return token, nil
		}
		released, expiresAt := entry.released, entry.expiresAt
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: %s", ErrTimeout, key)
		}
		if untilExpiry := time.Until(expiresAt); untilExpiry < remaining {
			remaining = untilExpiry
		}

		timer := time.NewTimer(remaining)
		select {
		case <-released:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
		timer.Stop()
	}
}

func (m *MemoryLocker) Release(ctx context.Context, key string, token Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if entry.token != token {
		return fmt.Errorf("%w: %s", ErrTokenMismatch, key)
	}
	delete(m.entries, key)
	close(entry.released)
	return nil
}

// Held 返回当前被持有的锁数量。
func (m *MemoryLocker) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryLocker) reclaimLocked(ctx context.Context, key string, entry *memoryEntry, now time.Time) {
	heldFor := now.Sub(entry.acquiredAt)
	delete(m.entries, key)
	close(entry.released)

	logger.Ctx(ctx).Error().
		Str("lock_key", key).
		Str("holder", string(entry.token)).
		Dur("held_for", heldFor).
		Msg("🚨 Lock exceeded hard expiry and was reclaimed")
	if m.OnReclaim != nil {
		m.OnReclaim(key, heldFor)
	}
}
