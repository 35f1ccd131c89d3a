package adapter

import (
	"context"
	"net/http"
	"strings"
	"time"

	"checkout/internal/pkg/httpclient"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	PaymentChargePath = "/payments/charge"
	PaymentRefundPath = "/payments/refund"

	paymentStatusDeclined = "DECLINED"
)

type chargeRequest struct {
	OrderID        string          `json:"orderId"`
	ActorID        string          `json:"actorId"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type chargeResponse struct {
	TransactionID string          `json:"transactionId"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
}

type refundRequest struct {
	TransactionID string          `json:"transactionId"`
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
}

// PaymentHTTPAdapter 实现了 port.PaymentGateway 接口，服务地址由 httpclient 的 Resolver（Nacos 或静态配置）解析。
type PaymentHTTPAdapter struct {
	client  *httpclient.Client
	service string
	timeout time.Duration
}

// NewPaymentHTTPAdapter 创建支付网关适配器，timeout 为单次调用的超时
func NewPaymentHTTPAdapter(client *httpclient.Client, service string, timeout time.Duration) *PaymentHTTPAdapter {
	return &PaymentHTTPAdapter{client: client, service: service, timeout: timeout}
}

// Charge 扣款。402/422 或网关返回 DECLINED 视为拒付，其余失败都是可重试的依赖故障。
func (a *PaymentHTTPAdapter) Charge(ctx context.Context, req port.PaymentRequest) (*port.PaymentReceipt, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var resp chargeResponse
	err := a.client.PostJSON(ctx, a.service, PaymentChargePath, chargeRequest{
		OrderID:        req.OrderID,
		ActorID:        req.ActorID,
		Amount:         req.Amount,
		Method:         req.Method,
		IdempotencyKey: req.IdempotencyKey,
	}, &resp)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && (se.Code == http.StatusPaymentRequired || se.Code == http.StatusUnprocessableEntity) {
			return nil, domain.NewDeclinedError(a.service, strings.TrimSpace(string(se.Body)))
		}
		return nil, domain.NewTransientError(a.service, errors.Wrapf(err, "charge order %s", req.OrderID))
	}
	if strings.EqualFold(resp.Status, paymentStatusDeclined) {
		return nil, domain.NewDeclinedError(a.service, resp.Reason)
	}
	if resp.TransactionID == "" {
		return nil, domain.NewTransientError(a.service, errors.Errorf("charge order %s: empty transaction id", req.OrderID))
	}

	amount := resp.Amount
	if amount.IsZero() {
		amount = req.Amount
	}
	return &port.PaymentReceipt{
		TransactionID: resp.TransactionID,
		OrderID:       req.OrderID,
		Amount:        amount,
		Method:        req.Method,
		ApprovedAt:    time.Now().UTC(),
	}, nil
}

// Refund 是 Charge 的补偿操作。网关以 409 表示该交易已退款，视为成功。
func (a *PaymentHTTPAdapter) Refund(ctx context.Context, receipt *port.PaymentReceipt) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	err := a.client.PostJSON(ctx, a.service, PaymentRefundPath, refundRequest{
		TransactionID: receipt.TransactionID,
		OrderID:       receipt.OrderID,
		Amount:        receipt.Amount,
	}, nil)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.Code == http.StatusConflict {
			return nil
		}
		return domain.NewTransientError(a.service, errors.Wrapf(err, "refund transaction %s", receipt.TransactionID))
	}
	return nil
}

func (a *PaymentHTTPAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}
