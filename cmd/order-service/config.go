// cmd/order-service/config.go
package main

import (
	"errors"
	"fmt"
	"time"

	"checkout/internal/pkg/bootstrap"
	"checkout/internal/service/order/application"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/infrastructure"
	"checkout/internal/tracing"
)

// Config 是 order-service 的完整配置。resilience 段可以通过 Nacos 热更新，其余段只在启动时读取。
type Config struct {
	Service    ServiceConfig                 `yaml:"service"`
	Resilience domain.Settings               `yaml:"resilience"`
	Backends   BackendConfig                 `yaml:"backends"`
	Database   infrastructure.DatabaseConfig `yaml:"database"`
	Redis      RedisConfig                   `yaml:"redis"`
	Zookeeper  ZookeeperConfig               `yaml:"zookeeper"`
	Kafka      KafkaConfig                   `yaml:"kafka"`
	Nacos      NacosConfig                   `yaml:"nacos"`
	Payment    PaymentConfig                 `yaml:"payment"`
	Tracing    tracing.Config                `yaml:"tracing"`
	HTTP       HTTPConfig                    `yaml:"http"`
	// StockSeed 启动时写入的初始库存，只用于本地联调
	StockSeed map[string]int `yaml:"stock_seed"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// BackendConfig 选择各组件的实现
type BackendConfig struct {
	Inventory string `yaml:"inventory"`  // gorm | redis | memory
	Lock      string `yaml:"lock"`       // memory | redis | zookeeper
	RateLimit string `yaml:"rate_limit"` // memory | redis
	Queue     string `yaml:"queue"`      // gorm | memory
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"`
}

type ZookeeperConfig struct {
	Servers        string        `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// KafkaConfig 中 Brokers 为空时关闭异步入口、通知和死信
type KafkaConfig struct {
	Brokers            string `yaml:"brokers"`
	OrderCreationTopic string `yaml:"order_creation_topic"`
	ConsumerGroup      string `yaml:"consumer_group"`
	NotificationTopic  string `yaml:"notification_topic"`
	DeadLetterTopic    string `yaml:"dead_letter_topic"`
}

// NacosConfig 中 Addrs 为空时不注册服务，也不监听远端配置
type NacosConfig struct {
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
	DataID    string `yaml:"data_id"`
}

type PaymentConfig struct {
	Mode    string        `yaml:"mode"` // http | simulated
	Service string        `yaml:"service"`
	Timeout time.Duration `yaml:"timeout"`
	// Endpoints 是服务名到地址的静态映射，未启用 Nacos 时使用
	Endpoints map[string]string `yaml:"endpoints"`

	SimulatedLatency     time.Duration `yaml:"simulated_latency"`
	SimulatedFailureRate float64       `yaml:"simulated_failure_rate"`
	SimulatedDeclineRate float64       `yaml:"simulated_decline_rate"`
}

type HTTPConfig struct {
	ActorRatePerSecond float64 `yaml:"actor_rate_per_second"`
	ActorBurst         int     `yaml:"actor_burst"`
}

func defaultConfig() Config {
	return Config{
		Service:    ServiceConfig{Name: "order-service", Port: 8081, LogLevel: "info"},
		Resilience: domain.DefaultSettings(),
		Backends:   BackendConfig{Inventory: "gorm", Lock: "memory", RateLimit: "memory", Queue: "gorm"},
		Database:   infrastructure.DatabaseConfig{Driver: "sqlite", DSN: "file:checkout.db?_busy_timeout=5000", MaxOpenConns: 1},
		Zookeeper:  ZookeeperConfig{SessionTimeout: 10 * time.Second},
		Kafka: KafkaConfig{
			OrderCreationTopic: "order-creation",
			ConsumerGroup:      "order-creation-consumer-group",
			NotificationTopic:  "notifications",
			DeadLetterTopic:    "order-dlt",
		},
		Nacos:   NacosConfig{Group: "DEFAULT_GROUP", DataID: "order-service-resilience.yaml"},
		Payment: PaymentConfig{Mode: "simulated", Service: "payment-service", Timeout: 3 * time.Second},
		HTTP:    HTTPConfig{ActorRatePerSecond: 5, ActorBurst: 10},
	}
}

// loadConfig 在默认值之上叠加配置文件，path 为空时只用默认值
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := bootstrap.LoadConfig(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Service.Port <= 0 {
		errs = append(errs, errors.New("service.port must be positive"))
	}
	errs = append(errs,
		oneOf("backends.inventory", c.Backends.Inventory, "gorm", "redis", "memory"),
		oneOf("backends.lock", c.Backends.Lock, "memory", "redis", "zookeeper"),
		oneOf("backends.rate_limit", c.Backends.RateLimit, "memory", "redis"),
		oneOf("backends.queue", c.Backends.Queue, "gorm", "memory"),
		oneOf("payment.mode", c.Payment.Mode, "http", "simulated"),
	)
	if c.needsRedis() && c.Redis.Addrs == "" {
		errs = append(errs, errors.New("redis.addrs is required by the selected backends"))
	}
	if c.Backends.Lock == "zookeeper" && c.Zookeeper.Servers == "" {
		errs = append(errs, errors.New("zookeeper.servers is required for the zookeeper lock backend"))
	}
	if err := validateSettings(c.Resilience); err != nil {
		errs = append(errs, fmt.Errorf("resilience: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) needsRedis() bool {
	return c.Backends.Inventory == "redis" || c.Backends.Lock == "redis" || c.Backends.RateLimit == "redis"
}

func (c Config) needsDatabase() bool {
	return c.Backends.Inventory == "gorm" || c.Backends.Queue == "gorm"
}

// validateSettings 同时用于启动和热更新，优先级表达式必须能编译
func validateSettings(s domain.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, err := application.NewPriorityPolicy(s.PriorityExpression); err != nil {
		return err
	}
	return nil
}

// resilienceDocument 是远端配置的格式，与本地文件的 resilience 段一致
type resilienceDocument struct {
	Resilience domain.Settings `yaml:"resilience"`
}

// decodeResilience 以当前参数为基础叠加远端内容，远端未给出的字段保持不变
func decodeResilience(content string, base domain.Settings) (domain.Settings, error) {
	doc := resilienceDocument{Resilience: base}
	if err := bootstrap.DecodeConfig([]byte(content), &doc); err != nil {
		return base, err
	}
	return doc.Resilience, nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q (allowed %v)", field, value, allowed)
}
