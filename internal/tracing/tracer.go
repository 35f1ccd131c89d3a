// internal/tracing/tracer.go
package tracing

import (
	"context"

	"checkout/internal/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config 是链路追踪配置
type Config struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// InitTracerProvider 初始化并注册全局 TracerProvider。
// Endpoint 为空时只在进程内生成 span（日志里依然带 trace_id），不导出。
func InitTracerProvider(serviceName string, cfg Config) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		// 设置服务名等资源属性，在 Jaeger UI 中用来区分服务
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	}
	if cfg.Endpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	// 设置全局的 TextMapPropagator，HTTP 与 Kafka 头都靠它传递上下文
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Ctx(context.Background()).Info().Str("endpoint", cfg.Endpoint).Float64("sample_ratio", cfg.SampleRatio).
		Msg("Tracing initialized")
	return tp, nil
}

// sampler 按比例采样，父 span 已采样时跟随父 span。比例 <= 0 或 >= 1 时全部采样。
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
