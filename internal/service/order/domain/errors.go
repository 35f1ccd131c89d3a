// internal/service/order/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCircuitOpen         = errors.New("circuit open")
	ErrLockTimeout         = errors.New("lock wait timeout")
	ErrStockInsufficient   = errors.New("insufficient stock")
	ErrQueueFull           = errors.New("order queue is full")
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	ErrPaymentDeclined     = errors.New("payment declined")
	ErrTransientService    = errors.New("transient service failure")
	ErrLockTokenMismatch   = errors.New("lock token mismatch")
	ErrOrderNotFound       = errors.New("order not found")
	ErrCancelNotAllowed    = errors.New("order can no longer be cancelled")
	ErrInvalidTransition   = errors.New("invalid order status transition")
	ErrOrderCancelled      = errors.New("order cancelled")
)

// TransientServiceError 是可重试的依赖故障
type TransientServiceError struct {
	Service string
	Err     error
}

func NewTransientError(service string, err error) *TransientServiceError {
	return &TransientServiceError{Service: service, Err: err}
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Service, e.Err)
}

func (e *TransientServiceError) Unwrap() []error { return []error{ErrTransientService, e.Err} }

// PermanentServiceError 是不可重试的业务拒绝，例如支付被拒
type PermanentServiceError struct {
	Service string
	Reason  string
	Err     error
}

func NewDeclinedError(service, reason string) *PermanentServiceError {
	return &PermanentServiceError{Service: service, Reason: reason, Err: ErrPaymentDeclined}
}

func (e *PermanentServiceError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Service, e.Err, e.Reason)
}

func (e *PermanentServiceError) Unwrap() error { return e.Err }

// StockInsufficientError 记录是哪个商品不够
type StockInsufficientError struct {
	ProductKey string
	Requested  int
	Available  int
}

func (e *StockInsufficientError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductKey, e.Requested, e.Available)
}

func (e *StockInsufficientError) Unwrap() error { return ErrStockInsufficient }

// Outcome 是一次事务处理的显式结果
type Outcome string

const (
	OutcomeOk        Outcome = "ok"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"    // 拒付，不重试不入队
	OutcomeDegrade   Outcome = "degrade"  // 熔断，转入队列
	OutcomeRejected  Outcome = "rejected" // 库存不足、锁超时、队列已满
	OutcomeCancelled Outcome = "cancelled"
)

// Classify 把错误映射为处理结果。未识别的错误一律按依赖故障处理，可以重试。
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOk
	case errors.Is(err, ErrOrderCancelled):
		return OutcomeCancelled
	case errors.Is(err, ErrCircuitOpen):
		return OutcomeDegrade
	case errors.Is(err, ErrPaymentDeclined):
		return OutcomeFatal
	case errors.Is(err, ErrStockInsufficient), errors.Is(err, ErrLockTimeout), errors.Is(err, ErrQueueFull):
		return OutcomeRejected
	default:
		return OutcomeRetryable
	}
}

// IsDependencyFailure 判断 err 是否应计入熔断器失败次数。
// 业务拒绝不说明依赖不健康；调用中途被取消的请求没有拿到结果，按失败计，
// 不能重置连续失败数，也不能让半开试探关闭熔断器。
func IsDependencyFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPaymentDeclined)
}
