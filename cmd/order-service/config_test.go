package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "order-service", cfg.Service.Name)
	assert.Equal(t, uint32(5), cfg.Resilience.FailureThreshold)
	assert.Equal(t, "gorm", cfg.Backends.Queue)
	assert.False(t, cfg.needsRedis())
	assert.True(t, cfg.needsDatabase())
}

func TestLoadConfig_RepositoryFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "order-service.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Resilience.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Resilience.TimeoutDuration)
}

func TestLoadConfig_OverlayAndEnv(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDRS", "localhost:6379")
	content := `
service:
  port: 9090
backends:
  inventory: redis
  lock: redis
  rate_limit: redis
  queue: memory
redis:
  addrs: ${TEST_REDIS_ADDRS}
resilience:
  failure_threshold: 3
  backoff_base: 200ms
`
	path := filepath.Join(t.TempDir(), "order.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addrs)
	assert.Equal(t, uint32(3), cfg.Resilience.FailureThreshold)
	assert.Equal(t, 200*time.Millisecond, cfg.Resilience.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Resilience.BackoffCap, "unset fields keep defaults")
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown lock backend", func(c *Config) { c.Backends.Lock = "etcd" }},
		{"redis without address", func(c *Config) { c.Backends.RateLimit = "redis" }},
		{"zookeeper without servers", func(c *Config) { c.Backends.Lock = "zookeeper" }},
		{"zero threshold", func(c *Config) { c.Resilience.FailureThreshold = 0 }},
		{"bad priority expression", func(c *Config) { c.Resilience.PriorityExpression = "priority +" }},
		{"unknown payment mode", func(c *Config) { c.Payment.Mode = "mock" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, defaultConfig().Validate())
}

func TestDecodeResilience(t *testing.T) {
	base := defaultConfig().Resilience

	next, err := decodeResilience("resilience:\n  max_attempts: 5\n  priority_expression: \"amount > 100.0 ? priority + 1 : priority\"\n", base)
	require.NoError(t, err)
	assert.Equal(t, 5, next.MaxAttempts)
	assert.Equal(t, base.FailureThreshold, next.FailureThreshold)
	assert.NoError(t, validateSettings(next))

	_, err = decodeResilience("resilience:\n  unknown_knob: 1\n", base)
	assert.Error(t, err)
}
