// internal/pkg/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "checkout"

// Metrics 汇总订单服务暴露的全部 Prometheus 指标。
// 所有方法对 nil 接收者安全，未注入指标的组件可以直接调用。
type Metrics struct {
	Submissions   *prometheus.CounterVec
	Outcomes      *prometheus.CounterVec
	Compensations *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
	QueueDepth    prometheus.Gauge
	DeadLetters   prometheus.Counter
	LockWait      prometheus.Histogram
	LockReclaims  prometheus.Counter
	InFlight      prometheus.Gauge
	Retries       prometheus.Counter
}

// New 创建并在 reg 上注册全部指标。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Order submissions by throttling decision.",
		}, []string{"decision"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_outcomes_total",
			Help:      "Transaction attempts by outcome.",
		}, []string{"outcome"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating actions executed, by action and result.",
		}, []string{"action", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending or claimed entries in the order queue.",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Queue entries moved to the dead-letter state.",
		}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring resource locks for one transaction.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
		}),
		LockReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_reclaims_total",
			Help:      "Locks forcibly reclaimed after exceeding the hard expiry.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_in_flight",
			Help:      "Transactions currently being coordinated.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_retries_total",
			Help:      "Local retries scheduled after a transient failure.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Submissions, m.Outcomes, m.Compensations, m.BreakerState,
			m.QueueDepth, m.DeadLetters, m.LockWait, m.LockReclaims,
			m.InFlight, m.Retries,
		)
	}
	return m
}

func (m *Metrics) ObserveSubmission(decision string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCompensation(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Compensations.WithLabelValues(action, result).Inc()
}

// SetBreakerState 记录熔断器状态，value 取 0/1/2。
func (m *Metrics) SetBreakerState(service string, value float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(service).Set(value)
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) IncDeadLetters() {
	if m == nil {
		return
	}
	m.DeadLetters.Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) IncLockReclaims() {
	if m == nil {
		return
	}
	m.LockReclaims.Inc()
}

func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}
