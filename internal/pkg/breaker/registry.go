// internal/pkg/breaker/registry.go
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/metrics"

	"github.com/sony/gobreaker"
)

// ErrOpen 表示熔断器处于打开状态（或半开状态下试探名额已被占用），调用被快速拒绝。
var ErrOpen = errors.New("circuit breaker is open")

// State 是对外暴露的熔断器状态。
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Settings 是所有熔断器共享的可热更新参数。
type Settings struct {
	FailureThreshold uint32
	Timeout          time.Duration
}

// Health 是某个依赖熔断器的快照。
type Health struct {
	Service          string     `json:"service"`
	State            State      `json:"state"`
	FailureCount     uint32     `json:"failureCount"`
	FailureThreshold uint32     `json:"failureThreshold"`
	NextAttemptTime  *time.Time `json:"nextAttemptTime,omitempty"`
}

// StateChangeListener 在熔断器状态变化时被调用。
type StateChangeListener func(service string, from, to State)

// Option 用于定制 Registry。
type Option func(*Registry)

// WithSuccessClassifier 指定哪些错误不计入失败（例如业务上的拒付）。
func WithSuccessClassifier(fn func(err error) bool) Option {
	return func(r *Registry) { r.isSuccessful = fn }
}

// WithMetrics 注入 Prometheus 指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry 按依赖名管理熔断器，每个外部依赖一个实例。
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	timeout  time.Duration

	threshold    atomic.Uint32
	isSuccessful func(err error) bool
	metrics      *metrics.Metrics

	lmu       sync.Mutex
	listeners []StateChangeListener
}

// NewRegistry 创建一个熔断器注册表。
func NewRegistry(settings Settings, opts ...Option) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		timeout:  settings.Timeout,
		isSuccessful: func(err error) bool {
			return err == nil
		},
	}
	r.threshold.Store(settings.FailureThreshold)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStateChange 注册状态变化监听器。
// 监听器在触发变化的 Call/Health/Reconfigure 返回前、gobreaker 内部锁释放之后同步调用，
// 因此可以在监听器里读取熔断器状态。
func (r *Registry) OnStateChange(l StateChangeListener) {
	if l == nil {
		return
	}
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Get 返回指定依赖的熔断器，不存在时按当前参数创建。
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[service]; ok {
		return b
	}

	b = &Breaker{name: service, registry: r}
	b.cb.Store(r.newCircuitBreaker(b, r.timeout))
	r.breakers[service] = b
	r.metrics.SetBreakerState(service, 0)
	return b
}

// Call 通过指定依赖的熔断器执行 fn。
func (r *Registry) Call(ctx context.Context, service string, fn func(ctx context.Context) (any, error)) (any, error) {
	return r.Get(service).Execute(ctx, fn)
}

// Health 返回依赖的熔断器快照。从未调用过的依赖视为 CLOSED。
func (r *Registry) Health(service string) Health {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if !ok {
		return Health{Service: service, State: StateClosed, FailureThreshold: r.threshold.Load()}
	}
	return b.Health()
}

// Snapshot 返回所有已知依赖的快照，按名称排序。
func (r *Registry) Snapshot() []Health {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	out := make([]Health, 0, len(names))
	for _, name := range names {
		out = append(out, r.Health(name))
	}
	return out
}

// Reconfigure 热更新参数。阈值立即对所有熔断器生效；
// 超时时间变化时只重建处于 CLOSED 状态的熔断器，OPEN/HALF_OPEN 的保持当前周期。
func (r *Registry) Reconfigure(settings Settings) {
	r.threshold.Store(settings.FailureThreshold)

	r.mu.Lock()
	if settings.Timeout == r.timeout {
		r.mu.Unlock()
		return
	}
	r.timeout = settings.Timeout
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	// State() 可能触发状态变化，必须在注册表锁之外调用
	for _, b := range list {
		old := b.cb.Load()
		if old.State() == gobreaker.StateClosed {
			b.cb.CompareAndSwap(old, r.newCircuitBreaker(b, settings.Timeout))
		}
		b.dispatch()
	}
}

func (r *Registry) newCircuitBreaker(b *Breaker, timeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: b.name,
		// 半开状态只放行一次试探调用
		MaxRequests: 1,
		Interval:    0,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= r.threshold.Load() {
				b.tripCount.Store(counts.ConsecutiveFailures)
				return true
			}
			return false
		},
		IsSuccessful: r.isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(from, to, timeout)
		},
	})
}

func (r *Registry) notify(service string, from, to State) {
	r.lmu.Lock()
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.lmu.Unlock()

	for _, l := range listeners {
		l(service, from, to)
	}
}

// Breaker 是单个依赖的熔断器。
type Breaker struct {
	name     string
	registry *Registry
	cb       atomic.Pointer[gobreaker.CircuitBreaker]

	tripCount atomic.Uint32

	mu          sync.Mutex
	nextAttempt time.Time
	pending     []transition
}

type transition struct {
	from, to State
	timeout  time.Duration
}

// Execute 在熔断器保护下调用 fn。熔断时返回包装了 ErrOpen 的错误。
// 已取消的 ctx 不会占用半开试探名额，也不计入统计。
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := b.cb.Load().Execute(func() (any, error) {
		return fn(ctx)
	})
	b.dispatch()
	if err == nil {
		return result, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		logger.Ctx(ctx).Warn().Str("service", b.name).Msg("⚡ Circuit breaker is OPEN, call rejected")
		return nil, fmt.Errorf("%w: service %s", ErrOpen, b.name)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		logger.Ctx(ctx).Warn().Str("service", b.name).Msg("⚡ Circuit breaker is HALF_OPEN, trial call already in progress")
		return nil, fmt.Errorf("%w: service %s trial call in progress", ErrOpen, b.name)
	}
	return result, err
}

// Health 返回该熔断器的快照。
func (b *Breaker) Health() Health {
	cb := b.cb.Load()
	state := convertState(cb.State())
	counts := cb.Counts()
	b.dispatch()

	h := Health{
		Service:          b.name,
		State:            state,
		FailureCount:     counts.ConsecutiveFailures,
		FailureThreshold: b.registry.threshold.Load(),
	}
	if state != StateClosed {
		h.FailureCount = b.tripCount.Load()
	}
	if state == StateOpen {
		b.mu.Lock()
		next := b.nextAttempt
		b.mu.Unlock()
		h.NextAttemptTime = &next
	}
	return h
}

// onStateChange 在 gobreaker 持锁期间被调用，这里只记录状态，
// 日志、指标和监听器由 dispatch 在锁外处理。
func (b *Breaker) onStateChange(from, to gobreaker.State, timeout time.Duration) {
	if to == gobreaker.StateClosed {
		b.tripCount.Store(0)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if to == gobreaker.StateOpen {
		b.nextAttempt = time.Now().Add(timeout)
	} else {
		b.nextAttempt = time.Time{}
	}
	b.pending = append(b.pending, transition{from: convertState(from), to: convertState(to), timeout: timeout})
}

// dispatch 发布积压的状态变化。调用方不能持有 gobreaker 的锁。
func (b *Breaker) dispatch() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, t := range pending {
		log := logger.Ctx(context.Background())
		switch t.to {
		case StateOpen:
			log.Error().Str("service", b.name).Str("from", string(t.from)).
				Dur("timeout", t.timeout).Msg("🚨 Circuit breaker OPENED, calls will fast-fail")
		case StateHalfOpen:
			log.Info().Str("service", b.name).Msg("Circuit breaker HALF_OPEN, allowing one trial call")
		case StateClosed:
			log.Info().Str("service", b.name).Msg("✅ Circuit breaker CLOSED, dependency healthy")
		}

		b.registry.metrics.SetBreakerState(b.name, stateValue(t.to))
		b.registry.notify(b.name, t.from, t.to)
	}
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
