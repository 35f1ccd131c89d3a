// internal/service/order/domain/settings.go
package domain

import (
	"errors"
	"time"
)

// Settings 是韧性核心的全部运行参数，支持运行时热更新。
type Settings struct {
	FailureThreshold   uint32        `yaml:"failure_threshold"`
	TimeoutDuration    time.Duration `yaml:"timeout_duration"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap"`
	RateLimitCapacity  int           `yaml:"rate_limit_capacity"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	LockWaitTimeout    time.Duration `yaml:"lock_wait_timeout"`
	LockHardExpiry     time.Duration `yaml:"lock_hard_expiry"`
	DrainWorkers       int           `yaml:"drain_workers"`
	DrainPollInterval  time.Duration `yaml:"drain_poll_interval"`
	ClaimTTL           time.Duration `yaml:"claim_ttl"`
	DegradedPriority   int           `yaml:"degraded_priority"`
	OverflowPriority   int           `yaml:"overflow_priority"`
	PriorityExpression string        `yaml:"priority_expression"`
}

// DefaultSettings 返回默认参数
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  5,
		TimeoutDuration:   60 * time.Second,
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffCap:        30 * time.Second,
		RateLimitCapacity: 100,
		RateLimitWindow:   time.Second,
		QueueCapacity:     1000,
		LockWaitTimeout:   2 * time.Second,
		LockHardExpiry:    30 * time.Second,
		DrainWorkers:      2,
		DrainPollInterval: 500 * time.Millisecond,
		ClaimTTL:          2 * time.Minute,
		DegradedPriority:  10,
		OverflowPriority:  0,
	}
}

// Validate 拒绝会让核心行为失常的配置
func (s Settings) Validate() error {
	var errs []error
	if s.FailureThreshold == 0 {
		errs = append(errs, errors.New("failure_threshold must be positive"))
	}
	if s.TimeoutDuration <= 0 {
		errs = append(errs, errors.New("timeout_duration must be positive"))
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, errors.New("max_attempts must be at least 1"))
	}
	if s.BackoffBase < 0 || s.BackoffCap < s.BackoffBase {
		errs = append(errs, errors.New("backoff_cap must be >= backoff_base >= 0"))
	}
	if s.RateLimitCapacity < 0 || s.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate limit capacity must be >= 0 and window positive"))
	}
	if s.QueueCapacity < 0 {
		errs = append(errs, errors.New("queue_capacity must be >= 0"))
	}
	if s.LockWaitTimeout < 0 || s.LockHardExpiry <= 0 {
		errs = append(errs, errors.New("lock timeouts must be positive"))
	}
	if s.DrainWorkers < 1 || s.DrainPollInterval <= 0 {
		errs = append(errs, errors.New("drain_workers and drain_poll_interval must be positive"))
	}
	if s.ClaimTTL <= 0 {
		errs = append(errs, errors.New("claim_ttl must be positive"))
	}
	return errors.Join(errs...)
}
