package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"checkout/internal/pkg/logger"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix  = "lock:"
	defaultRetryDelay = 25 * time.Millisecond
)

// RedisLocker 基于 redsync 实现跨实例的资源锁。锁的 TTL 即硬过期时间。
type RedisLocker struct {
	client     goredislib.UniversalClient
	rs         *redsync.Redsync
	hardExpiry time.Duration
	retryDelay time.Duration
	prefix     string

	// 本实例持有且尚未释放的锁，用来区分过期回收与重复释放
	mu   sync.Mutex
	held map[heldKey]time.Time

	// OnReclaim 在发现锁已被 Redis TTL 回收时调用，用于上报指标。
	OnReclaim func(key string, heldFor time.Duration)
}

type heldKey struct {
	key   string
	token Token
}

func NewRedisLocker(client goredislib.UniversalClient, hardExpiry time.Duration) *RedisLocker {
	return &RedisLocker{
		client:     client,
		rs:         redsync.New(goredis.NewPool(client)),
		hardExpiry: hardExpiry,
		retryDelay: defaultRetryDelay,
		prefix:     defaultKeyPrefix,
		held:       make(map[heldKey]time.Time),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Token, error) {
	tries := int(wait/l.retryDelay) + 1
	mutex := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(l.hardExpiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.retryDelay),
	)

	waitCtx, cancel := context.WithTimeout(ctx, wait+l.retryDelay)
	defer cancel()

	if err := mutex.LockContext(waitCtx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "lock already taken") || waitCtx.Err() != nil {
			return "", fmt.Errorf("%w: %s", ErrTimeout, key)
		}
		return "", fmt.Errorf("redis lock %s: %w", key, err)
	}

	token := Token(mutex.Value())
	l.mu.Lock()
	l.held[heldKey{key: key, token: token}] = time.Now()
	l.mu.Unlock()
	return token, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string, token Token) error {
	current, err := l.client.Get(ctx, l.prefix+key).Result()
	if errors.Is(err, goredislib.Nil) {
		// 本实例仍记着这把锁说明它是被 TTL 回收的，否则是重复释放
		l.forget(ctx, key, token, true)
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis lock %s: %w", key, err)
	}
	if current != string(token) {
		l.forget(ctx, key, token, true)
		return fmt.Errorf("%w: %s", ErrTokenMismatch, key)
	}

	mutex := l.rs.NewMutex(l.prefix+key, redsync.WithValue(string(token)))
	if _, err := mutex.UnlockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			l.forget(ctx, key, token, true)
			return nil
		}
		return fmt.Errorf("redis lock %s: %w", key, err)
	}
	l.forget(ctx, key, token, false)
	return nil
}

// forget 清除本地持有记录。expired 为 true 且记录存在时按强制回收上报。
func (l *RedisLocker) forget(ctx context.Context, key string, token Token, expired bool) {
	hk := heldKey{key: key, token: token}
	l.mu.Lock()
	acquiredAt, ok := l.held[hk]
	delete(l.held, hk)
	l.mu.Unlock()
	if !ok || !expired {
		return
	}

	heldFor := time.Since(acquiredAt)
	logger.Ctx(ctx).Error().
		Str("lock_key", key).
		Str("holder", string(token)).
		Dur("held_for", heldFor).
		Msg("🚨 Lock exceeded hard expiry and was reclaimed")
	if l.OnReclaim != nil {
		l.OnReclaim(key, heldFor)
	}
}
