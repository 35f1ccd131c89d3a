package interfaces

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ActorLimiter 按请求方限流，防止单个用户占满整个准入窗口。
// nil 的 ActorLimiter 不做任何限制。
type ActorLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

// NewActorLimiter perSecond <= 0 时返回 nil
func NewActorLimiter(perSecond float64, burst int) *ActorLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &ActorLimiter{
		limit:    rate.Limit(perSecond),
		burst:    max(burst, 1),
		idle:     3 * time.Minute,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *ActorLimiter) Allow(actorID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	now := l.now()
	l.sweepLocked(now)
	v, ok := l.visitors[actorID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[actorID] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// sweepLocked 每分钟最多一次，清理长时间不活跃的请求方
func (l *ActorLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for id, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, id)
		}
	}
}
