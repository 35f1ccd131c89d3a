// cmd/order-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"checkout/internal/pkg/bootstrap"
	"checkout/internal/pkg/breaker"
	"checkout/internal/pkg/httpclient"
	"checkout/internal/pkg/lock"
	"checkout/internal/pkg/logger"
	"checkout/internal/pkg/metrics"
	"checkout/internal/pkg/mq"
	"checkout/internal/pkg/nacos"
	"checkout/internal/pkg/redis"
	"checkout/internal/service/order/application"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"
	"checkout/internal/service/order/infrastructure"
	"checkout/internal/service/order/infrastructure/adapter"
	"checkout/internal/service/order/interfaces"
	"checkout/internal/tracing"
	"checkout/internal/zookeeper"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := loadConfig(bootstrap.GetEnv("CONFIG_FILE", "configs/order-service.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Service.Name, cfg.Service.LogLevel)

	if err := run(cfg); err != nil {
		logger.Ctx(context.Background()).Fatal().Err(err).Msg("order-service exited")
	}
}

// components 收集启动过程中创建的资源，关停时逆序释放
type components struct {
	cleanups   []func(ctx context.Context) error
	background []func(ctx context.Context) error
}

func (c *components) onShutdown(fn func(ctx context.Context) error) {
	c.cleanups = append(c.cleanups, fn)
}

func (c *components) closer(fn func() error) {
	c.onShutdown(func(context.Context) error { return fn() })
}

func run(cfg Config) error {
	ctx := context.Background()
	log := logger.Ctx(ctx)
	comp := &components{}

	// 1. 初始化核心技术组件
	tp, err := tracing.InitTracerProvider(cfg.Service.Name, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	comp.onShutdown(tp.Shutdown)
	tracer := otel.Tracer(cfg.Service.Name)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	settingsStore := bootstrap.NewStore(cfg.Resilience, validateSettings)
	settings := application.SettingsFunc(settingsStore.Load)

	var nacosClient *nacos.Client
	if cfg.Nacos.Addrs != "" {
		if nacosClient, err = nacos.NewNacosClient(cfg.Nacos.Addrs, cfg.Nacos.Namespace, cfg.Nacos.Group); err != nil {
			return fmt.Errorf("failed to initialize nacos client: %w", err)
		}
		comp.onShutdown(func(context.Context) error { nacosClient.Close(); return nil })
	}

	var db *gorm.DB
	if cfg.needsDatabase() {
		if db, err = infrastructure.OpenDatabase(cfg.Database); err != nil {
			return err
		}
		comp.onShutdown(func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
	}

	var redisClient *redis.Client
	if cfg.needsRedis() {
		if redisClient, err = redis.NewClient(cfg.Redis.Addrs); err != nil {
			return fmt.Errorf("failed to initialize redis client: %w", err)
		}
		comp.closer(redisClient.Close)
	}

	// 2. 出站端口
	locker, err := buildLocker(cfg, redisClient, m, comp)
	if err != nil {
		return err
	}
	inventory, err := buildInventory(ctx, cfg, db, redisClient)
	if err != nil {
		return err
	}
	window, err := buildWindow(cfg, redisClient)
	if err != nil {
		return err
	}
	queueStore, err := buildQueueStore(cfg, db)
	if err != nil {
		return err
	}
	payment := buildPayment(cfg, tracer, nacosClient)

	var (
		orders domain.OrderRepository = infrastructure.NewMemoryOrderRepository()
		sales  port.SalePersistence   = infrastructure.NewMemorySales()
	)
	if db != nil {
		orders = infrastructure.NewGormOrderRepository(db)
		sales = infrastructure.NewGormSales(db)
	}

	var (
		notifier  port.Notifier
		publisher interfaces.OrderRequestPublisher
		dltWriter *kafka.Writer
	)
	if cfg.Kafka.Brokers != "" {
		notificationWriter := mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic)
		dltWriter = mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
		orderWriter := mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.OrderCreationTopic)
		comp.closer(notificationWriter.Close)
		comp.closer(dltWriter.Close)
		comp.closer(orderWriter.Close)

		notifier = adapter.NewNotificationKafkaAdapter(notificationWriter, dltWriter)
		publisher = infrastructure.NewOrderProducerAdapter(orderWriter)
	}

	// 3. 韧性核心
	s := settings()
	breakers := breaker.NewRegistry(
		breaker.Settings{FailureThreshold: s.FailureThreshold, Timeout: s.TimeoutDuration},
		breaker.WithSuccessClassifier(func(err error) bool { return !domain.IsDependencyFailure(err) }),
		breaker.WithMetrics(m),
	)
	queue := application.NewOrderQueue(queueStore, orders, settings, m)
	coordinator := application.NewCoordinator(application.Dependencies{
		Locker:    locker,
		Breakers:  breakers,
		Inventory: inventory,
		Payment:   payment,
		Sales:     sales,
		Orders:    orders,
		Notifier:  notifier,
	}, settings, application.WithTracer(tracer), application.WithMetrics(m))
	gate := application.NewThrottlingGate(window, queue, settings, m)
	policy, err := application.NewPriorityPolicy(s.PriorityExpression)
	if err != nil {
		return err
	}
	gate.SetPriorityPolicy(policy)
	drainer := application.NewDrainer(queue, coordinator, notifier, settings, m)
	appSvc := application.NewOrderApplicationService(orders, coordinator, gate, queue, breakers, notifier, settings)

	// 参数热更新：熔断器和优先级策略需要显式重建，其余组件每次读取最新值
	settingsStore.Subscribe(func(next domain.Settings) {
		breakers.Reconfigure(breaker.Settings{FailureThreshold: next.FailureThreshold, Timeout: next.TimeoutDuration})
		if p, err := application.NewPriorityPolicy(next.PriorityExpression); err == nil {
			gate.SetPriorityPolicy(p)
		}
		queue.Notify()
	})
	if nacosClient != nil {
		if err := bootstrap.WatchRemote(nacosClient, cfg.Nacos.DataID, settingsStore, decodeResilience); err != nil {
			log.Warn().Err(err).Str("data_id", cfg.Nacos.DataID).Msg("Remote config unavailable, using local settings")
		}
	}

	if err := seedStock(ctx, cfg.StockSeed, inventory); err != nil {
		log.Warn().Err(err).Msg("WARN: could not seed stock")
	}

	// 4. 驱动适配器
	mux := http.NewServeMux()
	interfaces.NewOrderHandler(appSvc, publisher,
		interfaces.NewActorLimiter(cfg.HTTP.ActorRatePerSecond, cfg.HTTP.ActorBurst),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})).RegisterRoutes(mux)

	comp.background = append(comp.background, drainer.Run)
	if dltWriter != nil {
		consumer := interfaces.NewOrderConsumerAdapter(
			mq.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.OrderCreationTopic, cfg.Kafka.ConsumerGroup),
			cfg.Kafka.OrderCreationTopic, appSvc, mq.NewFailureHandler(dltWriter))
		dlt := interfaces.NewDltConsumerAdapter(
			mq.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic, cfg.Kafka.ConsumerGroup+"-dlt"),
			cfg.Kafka.DeadLetterTopic)
		comp.background = append(comp.background, consumerLoop(consumer), consumerLoop(dlt))
	}

	log.Info().Str("inventory", cfg.Backends.Inventory).Str("lock", cfg.Backends.Lock).
		Str("queue", cfg.Backends.Queue).Str("rate_limit", cfg.Backends.RateLimit).
		Str("payment", cfg.Payment.Mode).Msg("✅ Order Service components assembled")

	return bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: cfg.Service.Name,
		Port:        cfg.Service.Port,
		Handler:     mux,
		Nacos:       nacosClient,
		Background:  comp.background,
		Cleanups:    comp.cleanups,
	})
}

type startStopper interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// consumerLoop 把 Start/Stop 风格的消费者转换为阻塞到 ctx 结束的后台任务
func consumerLoop(c startStopper) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := c.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		c.Stop(context.WithoutCancel(ctx))
		return nil
	}
}

func buildLocker(cfg Config, redisClient *redis.Client, m *metrics.Metrics, comp *components) (lock.Locker, error) {
	expiry := cfg.Resilience.LockHardExpiry
	onReclaim := func(string, time.Duration) { m.IncLockReclaims() }
	switch cfg.Backends.Lock {
	case "redis":
		l := lock.NewRedisLocker(redisClient.GetClient(), expiry)
		l.OnReclaim = onReclaim
		return l, nil
	case "zookeeper":
		conn, err := zookeeper.Connect(cfg.Zookeeper.Servers, cfg.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, err
		}
		comp.onShutdown(func(context.Context) error { conn.Close(); return nil })
		return zookeeper.NewLocker(conn)
	default:
		l := lock.NewMemoryLocker(expiry)
		l.OnReclaim = onReclaim
		return l, nil
	}
}

// stockSetter 是各库存实现中用于初始化库存的部分
type stockSetter interface {
	SetStock(ctx context.Context, productKey string, quantity int) error
}

type memoryStock struct{ *infrastructure.MemoryInventory }

func (m memoryStock) SetStock(_ context.Context, productKey string, quantity int) error {
	m.MemoryInventory.SetStock(productKey, quantity)
	return nil
}

func buildInventory(ctx context.Context, cfg Config, db *gorm.DB, redisClient *redis.Client) (port.InventoryStore, error) {
	switch cfg.Backends.Inventory {
	case "redis":
		return adapter.NewInventoryRedisAdapter(redisClient)
	case "gorm":
		return infrastructure.NewGormInventory(db), nil
	default:
		logger.Ctx(ctx).Warn().Msg("Using in-memory inventory, stock is lost on restart")
		return infrastructure.NewMemoryInventory(), nil
	}
}

func seedStock(ctx context.Context, seed map[string]int, inventory port.InventoryStore) error {
	if len(seed) == 0 {
		return nil
	}
	var setter stockSetter
	switch inv := inventory.(type) {
	case *infrastructure.MemoryInventory:
		setter = memoryStock{inv}
	case stockSetter:
		setter = inv
	default:
		return fmt.Errorf("inventory backend %T cannot be seeded", inventory)
	}
	for key, qty := range seed {
		if err := setter.SetStock(ctx, key, qty); err != nil {
			return err
		}
	}
	logger.Ctx(ctx).Info().Int("products", len(seed)).Msg("Stock seeded")
	return nil
}

func buildWindow(cfg Config, redisClient *redis.Client) (application.WindowStore, error) {
	if cfg.Backends.RateLimit == "redis" {
		return adapter.NewRedisWindow(redisClient, cfg.Service.Name)
	}
	return application.NewFixedWindow(), nil
}

func buildQueueStore(cfg Config, db *gorm.DB) (domain.QueueStore, error) {
	if cfg.Backends.Queue == "gorm" {
		return infrastructure.NewGormQueueStore(db)
	}
	logger.Ctx(context.Background()).Warn().Msg("Using in-memory order queue, queued orders do not survive a restart")
	return infrastructure.NewMemoryQueueStore(), nil
}

func buildPayment(cfg Config, tracer trace.Tracer, nacosClient *nacos.Client) port.PaymentGateway {
	if cfg.Payment.Mode == "simulated" {
		logger.Ctx(context.Background()).Warn().Float64("failure_rate", cfg.Payment.SimulatedFailureRate).
			Float64("decline_rate", cfg.Payment.SimulatedDeclineRate).Msg("Using simulated payment gateway")
		return adapter.NewSimulatedPaymentGateway(cfg.Payment.SimulatedLatency,
			cfg.Payment.SimulatedFailureRate, cfg.Payment.SimulatedDeclineRate)
	}

	var resolver httpclient.Resolver = httpclient.StaticResolver(cfg.Payment.Endpoints)
	if nacosClient != nil {
		resolver = nacosClient
	}
	return adapter.NewPaymentHTTPAdapter(httpclient.NewClient(tracer, resolver), cfg.Payment.Service, cfg.Payment.Timeout)
}
