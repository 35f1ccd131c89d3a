package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout/internal/pkg/breaker"
	"checkout/internal/service/order/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 与 main 中相同的分类器
func newPaymentRegistry(threshold uint32, timeout time.Duration) *breaker.Registry {
	return breaker.NewRegistry(breaker.Settings{FailureThreshold: threshold, Timeout: timeout},
		breaker.WithSuccessClassifier(func(err error) bool { return !domain.IsDependencyFailure(err) }))
}

func transientFailure(ctx context.Context) (any, error) {
	return nil, domain.NewTransientError("payment", errors.New("503"))
}

// 模拟调用方在依赖返回前取消
func cancelledMidCall(cancel context.CancelFunc) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestRegistry_CancelledCallDoesNotResetFailures(t *testing.T) {
	r := newPaymentRegistry(3, time.Minute)

	_, _ = r.Call(context.Background(), "payment", transientFailure)
	_, _ = r.Call(context.Background(), "payment", transientFailure)
	require.Equal(t, uint32(2), r.Health("payment").FailureCount)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Call(ctx, "payment", cancelledMidCall(cancel))
	require.ErrorIs(t, err, context.Canceled)

	h := r.Health("payment")
	assert.Equal(t, breaker.StateOpen, h.State)
	assert.Equal(t, uint32(3), h.FailureCount)
}

func TestRegistry_AlreadyCancelledCallIsNotCounted(t *testing.T) {
	r := newPaymentRegistry(3, time.Minute)
	_, _ = r.Call(context.Background(), "payment", transientFailure)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := r.Call(ctx, "payment", func(ctx context.Context) (any, error) {
		called = true
		return "receipt", nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, uint32(1), r.Health("payment").FailureCount)
}

func TestRegistry_CancelledTrialDoesNotClose(t *testing.T) {
	r := newPaymentRegistry(1, 50*time.Millisecond)

	_, _ = r.Call(context.Background(), "payment", transientFailure)
	require.Equal(t, breaker.StateOpen, r.Health("payment").State)
	time.Sleep(80 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Call(ctx, "payment", cancelledMidCall(cancel))
	require.ErrorIs(t, err, context.Canceled)

	h := r.Health("payment")
	assert.Equal(t, breaker.StateOpen, h.State)
	require.NotNil(t, h.NextAttemptTime)
}

func TestRegistry_DeclineStillCountsAsHealthy(t *testing.T) {
	r := newPaymentRegistry(2, time.Minute)
	for i := 0; i < 5; i++ {
		_, err := r.Call(context.Background(), "payment", func(ctx context.Context) (any, error) {
			return nil, domain.NewDeclinedError("payment", "insufficient funds")
		})
		require.ErrorIs(t, err, domain.ErrPaymentDeclined)
	}
	assert.Equal(t, breaker.StateClosed, r.Health("payment").State)
}
