package adapter

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"checkout/internal/pkg/backoff"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"github.com/google/uuid"
)

// SimulatedPaymentGateway 是开发环境用的支付网关：可以配置延迟、随机故障率、拒付率，
// 也可以通过 SetOutage 模拟整个网关不可用。
type SimulatedPaymentGateway struct {
	latency     time.Duration
	failureRate float64
	declineRate float64
	outage      atomic.Bool

	mu       sync.Mutex
	charges  map[string]*port.PaymentReceipt // 按幂等键
	refunded map[string]bool
}

func NewSimulatedPaymentGateway(latency time.Duration, failureRate, declineRate float64) *SimulatedPaymentGateway {
	return &SimulatedPaymentGateway{
		latency:     latency,
		failureRate: failureRate,
		declineRate: declineRate,
		charges:     make(map[string]*port.PaymentReceipt),
		refunded:    make(map[string]bool),
	}
}

func (g *SimulatedPaymentGateway) SetOutage(down bool) {
	g.outage.Store(down)
}

func (g *SimulatedPaymentGateway) Charge(ctx context.Context, req port.PaymentRequest) (*port.PaymentReceipt, error) {
	if err := backoff.SleepWithContext(ctx, g.latency); err != nil {
		return nil, domain.NewTransientError("payment", err)
	}
	if g.outage.Load() || rand.Float64() < g.failureRate {
		return nil, domain.NewTransientError("payment", errors.New("gateway unavailable"))
	}
	if rand.Float64() < g.declineRate {
		return nil, domain.NewDeclinedError("payment", "insufficient funds")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.charges[req.IdempotencyKey]; ok {
		return r, nil
	}
	r := &port.PaymentReceipt{
		TransactionID: uuid.NewString(),
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		Method:        req.Method,
		ApprovedAt:    time.Now().UTC(),
	}
	g.charges[req.IdempotencyKey] = r
	return r, nil
}

func (g *SimulatedPaymentGateway) Refund(ctx context.Context, receipt *port.PaymentReceipt) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded[receipt.TransactionID] = true
	return nil
}

// Refunded 返回交易是否已退款
func (g *SimulatedPaymentGateway) Refunded(transactionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[transactionID]
}
