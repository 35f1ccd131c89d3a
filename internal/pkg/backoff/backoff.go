// internal/pkg/backoff/backoff.go
package backoff

import (
	"context"
	"fmt"
	"math"
	"time"
)

const maxShift = 62

// Exponential 计算 base * 2^shift，带溢出保护。负的 shift 按 0 处理。
func Exponential(base time.Duration, shift int) time.Duration {
	if base <= 0 {
		return 0
	}
	if shift < 0 {
		shift = 0
	} else if shift > maxShift {
		shift = maxShift
	}

	multiplier := int64(1) << shift
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// Delay 返回第 attempt 次失败之后的等待时长（attempt 从 1 开始）：
// base * 2^(attempt-1)，并且不超过 max。max <= 0 表示不封顶。
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := Exponential(base, attempt-1)
	if max > 0 && d > max {
		return max
	}
	return d
}

// SleepWithContext 等待 d，期间 ctx 结束则立即返回错误。
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
