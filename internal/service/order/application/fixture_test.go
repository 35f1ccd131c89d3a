package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"checkout/internal/pkg/breaker"
	"checkout/internal/pkg/lock"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"
	"checkout/internal/service/order/infrastructure"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errGatewayTimeout = errors.New("gateway timeout")

// fakeGateway 按脚本依次返回错误，脚本用完后使用 fallback
type fakeGateway struct {
	mu       sync.Mutex
	script   []error
	fallback error
	charges  []port.PaymentRequest
	refunds  []string
}

func (g *fakeGateway) Charge(ctx context.Context, req port.PaymentRequest) (*port.PaymentReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	err := g.fallback
	if n := len(g.charges); n <= len(g.script) {
		err = g.script[n-1]
	}
	if err != nil {
		return nil, err
	}
	return &port.PaymentReceipt{
		TransactionID: fmt.Sprintf("tx-%d", len(g.charges)),
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		Method:        req.Method,
		ApprovedAt:    time.Now().UTC(),
	}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, receipt *port.PaymentReceipt) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, receipt.TransactionID)
	return nil
}

func (g *fakeGateway) setFallback(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallback = err
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type recordingNotifier struct {
	mu      sync.Mutex
	settled map[string]domain.Status
	dead    []string
}

func (n *recordingNotifier) OrderSettled(ctx context.Context, order *domain.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settled[order.ID] = order.Status
	return nil
}

func (n *recordingNotifier) OrderDeadLettered(ctx context.Context, order *domain.Order, entry *domain.QueueEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dead = append(n.dead, order.ID)
	return nil
}

func (n *recordingNotifier) settledStatus(orderID string) (domain.Status, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.settled[orderID]
	return s, ok
}

func (n *recordingNotifier) deadLettered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.dead...)
}

// failingSales 记账总是失败
type failingSales struct{}

func (failingSales) Record(ctx context.Context, order *domain.Order, receipt *port.PaymentReceipt) (string, error) {
	return "", errors.New("sales ledger unavailable")
}

func (failingSales) Void(ctx context.Context, saleID string) error { return nil }

type fixture struct {
	settings  domain.Settings
	orders    *infrastructure.MemoryOrderRepository
	store     *infrastructure.MemoryQueueStore
	inventory *infrastructure.MemoryInventory
	sales     *infrastructure.MemorySales
	locker    *lock.MemoryLocker
	gateway   *fakeGateway
	breakers  *breaker.Registry
	notifier  *recordingNotifier

	salesOverride port.SalePersistence

	sleepMu sync.Mutex
	sleeps  []time.Duration
	sleepFn func(ctx context.Context, d time.Duration) error

	clockMu sync.Mutex
	clock   time.Time

	coordinator *Coordinator
	queue       *OrderQueue
	window      *FixedWindow
	gate        *ThrottlingGate
	drainer     *Drainer
	service     *OrderApplicationService
}

type fixtureOption func(f *fixture)

func withSettings(mutate func(s *domain.Settings)) fixtureOption {
	return func(f *fixture) { mutate(&f.settings) }
}

func withSales(sales port.SalePersistence) fixtureOption {
	return func(f *fixture) { f.salesOverride = sales }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	s := domain.DefaultSettings()
	s.BackoffBase = 100 * time.Millisecond
	s.BackoffCap = time.Second
	s.LockWaitTimeout = time.Second
	s.RateLimitCapacity = 1000
	s.RateLimitWindow = time.Hour

	f := &fixture{
		settings:  s,
		orders:    infrastructure.NewMemoryOrderRepository(),
		store:     infrastructure.NewMemoryQueueStore(),
		inventory: infrastructure.NewMemoryInventory(),
		sales:     infrastructure.NewMemorySales(),
		gateway:   &fakeGateway{},
		notifier:  &recordingNotifier{settled: make(map[string]domain.Status)},
		clock:     time.Now().UTC().Add(time.Second),
	}
	f.sleepFn = f.recordSleep
	for _, opt := range opts {
		opt(f)
	}
	require.NoError(t, f.settings.Validate())

	f.locker = lock.NewMemoryLocker(f.settings.LockHardExpiry)
	f.breakers = breaker.NewRegistry(
		breaker.Settings{FailureThreshold: f.settings.FailureThreshold, Timeout: f.settings.TimeoutDuration},
		breaker.WithSuccessClassifier(func(err error) bool { return !domain.IsDependencyFailure(err) }),
	)

	var sales port.SalePersistence = f.sales
	if f.salesOverride != nil {
		sales = f.salesOverride
	}
	settings := func() domain.Settings { return f.settings }
	f.coordinator = NewCoordinator(Dependencies{
		Locker:    f.locker,
		Breakers:  f.breakers,
		Inventory: f.inventory,
		Payment:   f.gateway,
		Sales:     sales,
		Orders:    f.orders,
		Notifier:  f.notifier,
	}, settings, WithSleep(func(ctx context.Context, d time.Duration) error { return f.sleepFn(ctx, d) }))

	f.queue = NewOrderQueue(f.store, f.orders, settings, nil)
	f.window = NewFixedWindow()
	f.gate = NewThrottlingGate(f.window, f.queue, settings, nil)
	f.drainer = NewDrainer(f.queue, f.coordinator, f.notifier, settings, nil)
	f.drainer.now = f.now
	f.service = NewOrderApplicationService(f.orders, f.coordinator, f.gate, f.queue, f.breakers, f.notifier, settings)
	return f
}

func (f *fixture) recordSleep(ctx context.Context, d time.Duration) error {
	f.sleepMu.Lock()
	defer f.sleepMu.Unlock()
	f.sleeps = append(f.sleeps, d)
	return ctx.Err()
}

func (f *fixture) recordedSleeps() []time.Duration {
	f.sleepMu.Lock()
	defer f.sleepMu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func (f *fixture) now() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.clock = f.clock.Add(d)
}

// processingOrder 创建一个已保存、处于 PROCESSING 的订单
func (f *fixture) processingOrder(t *testing.T, items ...domain.LineItem) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(uuid.NewString(), "actor-1", "card", items)
	require.NoError(t, err)
	require.NoError(t, o.MarkProcessing())
	require.NoError(t, f.orders.Save(context.Background(), o))
	return o
}

// queuedOrder 创建订单并直接放入队列
func (f *fixture) queuedOrder(t *testing.T, priority int, items ...domain.LineItem) (*domain.Order, *domain.QueueEntry) {
	t.Helper()
	o, err := domain.NewOrder(uuid.NewString(), "actor-1", "card", items)
	require.NoError(t, err)
	entry, err := f.queue.Enqueue(context.Background(), o, priority)
	require.NoError(t, err)
	return o, entry
}

func (f *fixture) orderStatus(t *testing.T, id string) domain.Status {
	t.Helper()
	o, err := f.orders.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func item(key string, qty int) domain.LineItem {
	return domain.LineItem{ProductKey: key, Quantity: qty, UnitPrice: decimal.NewFromInt(10)}
}

func submitRequest(actor string, items ...domain.LineItem) *SubmitOrderRequest {
	return &SubmitOrderRequest{ActorID: actor, PaymentMethod: "card", Items: items}
}
