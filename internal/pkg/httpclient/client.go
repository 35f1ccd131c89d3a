// internal/pkg/httpclient/client.go

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Resolver 把逻辑服务名解析成基础地址，例如 "http://10.0.0.3:8080"
type Resolver interface {
	Resolve(serviceName string) (string, error)
}

// StaticResolver 使用固定的服务名到地址映射，未配置 Nacos 时使用
type StaticResolver map[string]string

func (r StaticResolver) Resolve(serviceName string) (string, error) {
	base, ok := r[serviceName]
	if !ok || base == "" {
		return "", fmt.Errorf("no address configured for service '%s'", serviceName)
	}
	return base, nil
}

// StatusError 表示下游返回了非 2xx 状态码
type StatusError struct {
	Service string
	Code    int
	Body    []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s returned status %d: %s", e.Service, e.Code, strings.TrimSpace(string(e.Body)))
}

// Client 是一个可追踪的、可注入的HTTP客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Resolver   Resolver
}

// NewClient 创建客户端。http.Client 不设置 Timeout，超时完全由每次请求的 context 控制。
func NewClient(tracer trace.Tracer, resolver Resolver) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
	}
	return &Client{
		Tracer:     tracer,
		HTTPClient: httpClient,
		Resolver:   resolver,
	}
}

// PostJSON 向 serviceName 的 path 发送 JSON 请求，2xx 时把响应解码到 out（可为 nil）。
// 非 2xx 返回 *StatusError。
func (c *Client) PostJSON(ctx context.Context, serviceName, path string, in, out any) error {
	ctx, span := c.Tracer.Start(ctx, fmt.Sprintf("call-%s", serviceName), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	base, err := c.Resolver.Resolve(serviceName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return err
	}
	target := strings.TrimRight(base, "/") + path

	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	span.SetAttributes(
		attribute.String("http.url", target),
		attribute.String("http.method", http.MethodPost),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := &StatusError{Service: serviceName, Code: resp.StatusCode, Body: body}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("decode response from %s: %w", serviceName, err)
	}
	return nil
}
