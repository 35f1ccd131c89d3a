package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"checkout/internal/pkg/httpclient"
	"checkout/internal/service/order/domain"
	"checkout/internal/service/order/domain/port"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func newPaymentAdapter(t *testing.T, h http.HandlerFunc) *PaymentHTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := httpclient.NewClient(noop.NewTracerProvider().Tracer("test"), httpclient.StaticResolver{"payment": srv.URL})
	return NewPaymentHTTPAdapter(client, "payment", time.Second)
}

func chargeReq() port.PaymentRequest {
	return port.PaymentRequest{OrderID: "o-1", ActorID: "a-1", Amount: decimal.NewFromInt(30), Method: "card", IdempotencyKey: "o-1-1-x"}
}

func TestPaymentHTTPAdapter_Charge(t *testing.T) {
	a := newPaymentAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PaymentChargePath, r.URL.Path)
		var req chargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "o-1-1-x", req.IdempotencyKey)
		assert.True(t, decimal.NewFromInt(30).Equal(req.Amount))
		_ = json.NewEncoder(w).Encode(chargeResponse{TransactionID: "tx-9", Status: "APPROVED"})
	})

	receipt, err := a.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "tx-9", receipt.TransactionID)
	assert.True(t, decimal.NewFromInt(30).Equal(receipt.Amount))
}

func TestPaymentHTTPAdapter_Declined(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status 402": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "card stolen", http.StatusPaymentRequired)
		},
		"declined body": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(chargeResponse{Status: "DECLINED", Reason: "limit"})
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newPaymentAdapter(t, h).Charge(context.Background(), chargeReq())
			assert.ErrorIs(t, err, domain.ErrPaymentDeclined)
			assert.Equal(t, domain.OutcomeFatal, domain.Classify(err))
		})
	}
}

func TestPaymentHTTPAdapter_ServerErrorIsTransient(t *testing.T) {
	a := newPaymentAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := a.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, domain.ErrTransientService)
	assert.True(t, domain.IsDependencyFailure(err))
}

func TestPaymentHTTPAdapter_Refund(t *testing.T) {
	var calls atomic.Int32
	a := newPaymentAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PaymentRefundPath, r.URL.Path)
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	receipt := &port.PaymentReceipt{TransactionID: "tx-9", OrderID: "o-1", Amount: decimal.NewFromInt(30)}
	require.NoError(t, a.Refund(context.Background(), receipt))
	require.NoError(t, a.Refund(context.Background(), receipt), "already refunded is success")
}
