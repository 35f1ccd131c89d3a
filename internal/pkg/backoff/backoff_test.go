package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		attempt  int
		expected time.Duration
	}{
		{name: "first retry waits base", base: time.Second, max: 30 * time.Second, attempt: 1, expected: time.Second},
		{name: "second retry doubles", base: time.Second, max: 30 * time.Second, attempt: 2, expected: 2 * time.Second},
		{name: "third retry quadruples", base: time.Second, max: 30 * time.Second, attempt: 3, expected: 4 * time.Second},
		{name: "capped at max", base: time.Second, max: 30 * time.Second, attempt: 6, expected: 30 * time.Second},
		{name: "zero attempt treated as first", base: time.Second, max: 30 * time.Second, attempt: 0, expected: time.Second},
		{name: "no cap when max is zero", base: time.Second, max: 0, attempt: 7, expected: 64 * time.Second},
		{name: "huge attempt saturates at cap", base: time.Second, max: time.Minute, attempt: 500, expected: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, Delay(tt.base, tt.max, tt.attempt))
		})
	}
}

func TestExponential_Overflow(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 62))
	assert.Equal(t, time.Duration(0), Exponential(0, 3))
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, -2))
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	t.Run("completes", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, SleepWithContext(context.Background(), 5*time.Millisecond))
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		err := SleepWithContext(ctx, time.Minute)
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}
