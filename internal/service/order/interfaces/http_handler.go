package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"checkout/internal/pkg/logger"
	"checkout/internal/service/order/application"
	"checkout/internal/service/order/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const serviceName = "order-service"

// OrderRequestPublisher 把下单请求写入异步入口
type OrderRequestPublisher interface {
	Publish(ctx context.Context, event *domain.OrderCreationRequested) error
}

// OrderHandler 封装了 order 服务的 HTTP 处理器
type OrderHandler struct {
	service   *application.OrderApplicationService
	publisher OrderRequestPublisher
	limiter   *ActorLimiter
	metrics   http.Handler
}

// NewOrderHandler 创建 HTTP 处理器。publisher 为 nil 时不注册异步下单接口，limiter 为 nil 时不限流。
func NewOrderHandler(service *application.OrderApplicationService, publisher OrderRequestPublisher, limiter *ActorLimiter, metrics http.Handler) *OrderHandler {
	return &OrderHandler{service: service, publisher: publisher, limiter: limiter, metrics: metrics}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	mux.HandleFunc("POST /orders", h.submitOrder)
	if h.publisher != nil {
		mux.HandleFunc("POST /orders/async", h.submitOrderAsync)
	}
	mux.HandleFunc("GET /orders/{id}", h.getOrderStatus)
	mux.HandleFunc("POST /orders/{id}/cancel", h.cancelOrder)
	mux.HandleFunc("GET /services/{name}/health", h.serviceHealth)
	mux.HandleFunc("GET /health/system", h.systemHealth)
}

func (h *OrderHandler) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.SubmitOrder")
	defer span.End()

	var req application.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("actor.id", req.ActorID))
	if !h.limiter.Allow(req.ActorID) {
		http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		return
	}

	resp, err := h.service.SubmitOrder(ctx, &req)
	if err != nil {
		if errors.Is(err, application.ErrInvalidOrder) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Ctx(ctx).Error().Err(err).Msg("SubmitOrder failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, submitStatusCode(resp), resp)
}

// submitStatusCode 把下单结果映射为 HTTP 状态码
func submitStatusCode(resp *application.SubmitOrderResponse) int {
	switch resp.Status {
	case application.SubmitCompleted:
		return http.StatusCreated
	case application.SubmitQueued:
		return http.StatusAccepted
	case application.SubmitRejected:
		if errors.Is(resp.Cause, domain.ErrQueueFull) {
			return http.StatusServiceUnavailable
		}
		return http.StatusConflict
	default:
		if errors.Is(resp.Cause, domain.ErrPaymentDeclined) {
			return http.StatusPaymentRequired
		}
		return http.StatusUnprocessableEntity
	}
}

// submitOrderAsync 把请求写入 Kafka，由 OrderConsumerAdapter 异步处理，调用方通过订单号轮询结果
func (h *OrderHandler) submitOrderAsync(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.SubmitOrderAsync")
	defer span.End()

	var req application.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" || len(req.Items) == 0 {
		http.Error(w, "actorId and items are required", http.StatusBadRequest)
		return
	}
	if !h.limiter.Allow(req.ActorID) {
		http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		return
	}

	event := &domain.OrderCreationRequested{
		TraceID:       span.SpanContext().TraceID().String(),
		EventID:       req.OrderID,
		ActorID:       req.ActorID,
		PaymentMethod: req.PaymentMethod,
		Items:         req.Items,
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("order.id", event.EventID),
		attribute.String("messaging.system", "kafka"),
	)
	if err := h.publisher.Publish(ctx, event); err != nil {
		http.Error(w, "Failed to accept order", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"orderId": event.EventID, "status": "ACCEPTED"})
}

func (h *OrderHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	view, err := h.service.GetOrderStatus(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	view, err := h.service.CancelOrder(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) serviceHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetServiceHealth(r.PathValue("name")))
}

func (h *OrderHandler) systemHealth(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.SystemHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// writeError 根据错误类型返回不同的 HTTP 状态码
func writeError(w http.ResponseWriter, err error) {
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrCancelNotAllowed):
		statusCode = http.StatusConflict
	default:
		statusCode = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), statusCode)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
