// internal/pkg/lock/lock.go
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrTimeout 表示在等待时间内没有拿到锁。
	ErrTimeout = errors.New("lock wait timeout")
	// ErrTokenMismatch 表示释放锁时持有者凭证与当前持有者不一致。
	ErrTokenMismatch = errors.New("lock token mismatch")
)

// Token 是锁持有者的凭证，释放时必须出示。
type Token string

// Locker 是按资源 key 加互斥锁的抽象。
// Acquire 最多等待 wait；Release 对已释放的锁是空操作，凭证不匹配时返回 ErrTokenMismatch。
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (Token, error)
	Release(ctx context.Context, key string, token Token) error
}

type heldKey struct {
	key   string
	token Token
}

// Lease 代表一次事务持有的一组锁。
type Lease struct {
	locker Locker
	held   []heldKey

	once sync.Once
	err  error
}

// AcquireAll 按 key 的字典序依次加锁，保证多把锁之间不会形成环形等待。
// wait 是整组锁共享的等待预算。任意一把失败时，已拿到的锁会按相反顺序释放。
func AcquireAll(ctx context.Context, locker Locker, keys []string, wait time.Duration) (*Lease, error) {
	sorted := uniqueSorted(keys)
	lease := &Lease{locker: locker, held: make([]heldKey, 0, len(sorted))}

	deadline := time.Now().Add(wait)
	for _, key := range sorted {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		token, err := locker.Acquire(ctx, key, remaining)
		if err != nil {
			_ = lease.Release(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		lease.held = append(lease.held, heldKey{key: key, token: token})
	}
	return lease, nil
}

// Keys 返回已持有的 key，按加锁顺序。
func (l *Lease) Keys() []string {
	keys := make([]string, len(l.held))
	for i, h := range l.held {
		keys[i] = h.key
	}
	return keys
}

// Release 按加锁的相反顺序释放全部锁。多次调用只生效一次。
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		var errs []error
		for i := len(l.held) - 1; i >= 0; i-- {
			h := l.held[i]
			if err := l.locker.Release(ctx, h.key, h.token); err != nil {
				errs = append(errs, fmt.Errorf("release lock %s: %w", h.key, err))
			}
		}
		l.err = errors.Join(errs...)
	})
	return l.err
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
