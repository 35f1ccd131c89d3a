package interfaces

import (
	"context"
	"sync"
	"testing"
	"time"

	"checkout/internal/pkg/breaker"
	"checkout/internal/pkg/lock"
	"checkout/internal/service/order/application"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/infrastructure"
	"checkout/internal/service/order/infrastructure/adapter"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type testApp struct {
	svc       *application.OrderApplicationService
	inventory *infrastructure.MemoryInventory
	payment   *adapter.SimulatedPaymentGateway
	orders    *infrastructure.MemoryOrderRepository
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	s := domain.DefaultSettings()
	s.BackoffBase = time.Millisecond
	s.BackoffCap = 5 * time.Millisecond
	s.FailureThreshold = 2
	settings := application.StaticSettings(s)

	orders := infrastructure.NewMemoryOrderRepository()
	inventory := infrastructure.NewMemoryInventory()
	payment := adapter.NewSimulatedPaymentGateway(0, 0, 0)
	breakers := breaker.NewRegistry(
		breaker.Settings{FailureThreshold: s.FailureThreshold, Timeout: s.TimeoutDuration},
		breaker.WithSuccessClassifier(func(err error) bool { return !domain.IsDependencyFailure(err) }),
	)
	queue := application.NewOrderQueue(infrastructure.NewMemoryQueueStore(), orders, settings, nil)
	coordinator := application.NewCoordinator(application.Dependencies{
		Locker:    lock.NewMemoryLocker(s.LockHardExpiry),
		Breakers:  breakers,
		Inventory: inventory,
		Payment:   payment,
		Sales:     infrastructure.NewMemorySales(),
		Orders:    orders,
	}, settings)
	gate := application.NewThrottlingGate(application.NewFixedWindow(), queue, settings, nil)
	svc := application.NewOrderApplicationService(orders, coordinator, gate, queue, breakers, nil, settings)

	return &testApp{svc: svc, inventory: inventory, payment: payment, orders: orders}
}

func items(key string, qty int) []domain.LineItem {
	return []domain.LineItem{{ProductKey: key, Quantity: qty, UnitPrice: decimal.NewFromInt(10)}}
}

// fakeReader 依次返回预置的消息，之后阻塞到 ctx 结束
type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type recordingSink struct {
	mu     sync.Mutex
	causes []error
}

func (s *recordingSink) Handle(_ context.Context, _ kafka.Message, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.causes = append(s.causes, cause)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.causes)
}
