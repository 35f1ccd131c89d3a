package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Name    string        `yaml:"name"`
	Limit   int           `yaml:"limit"`
	Timeout time.Duration `yaml:"timeout"`
}

func validateSample(c sampleConfig) error {
	if c.Limit <= 0 {
		return errors.New("limit must be positive")
	}
	return nil
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "checkout")
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: ${SAMPLE_NAME}\nlimit: 3\ntimeout: 1500ms\n"), 0o600))

	var cfg sampleConfig
	require.NoError(t, LoadConfig(path, &cfg))
	assert.Equal(t, "checkout", cfg.Name)
	assert.Equal(t, 3, cfg.Limit)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
}

func TestDecodeConfig_RejectsUnknownFields(t *testing.T) {
	var cfg sampleConfig
	err := DecodeConfig([]byte("name: x\nlimt: 3\n"), &cfg)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	var cfg sampleConfig
	assert.Error(t, LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), &cfg))
}

func TestGetEnv(t *testing.T) {
	t.Setenv("BOOTSTRAP_TEST_KEY", "v")
	assert.Equal(t, "v", GetEnv("BOOTSTRAP_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("BOOTSTRAP_TEST_UNSET", "fallback"))
}

func TestStore_UpdateValidatesAndNotifies(t *testing.T) {
	store := NewStore(sampleConfig{Limit: 1}, validateSample)

	var seen []int
	store.Subscribe(func(c sampleConfig) { seen = append(seen, c.Limit) })

	require.NoError(t, store.Update(sampleConfig{Limit: 5}))
	assert.Equal(t, 5, store.Load().Limit)

	assert.Error(t, store.Update(sampleConfig{Limit: 0}))
	assert.Equal(t, 5, store.Load().Limit, "invalid update keeps the current value")
	assert.Equal(t, []int{5}, seen)
}

type fakeSource struct {
	mu       sync.Mutex
	content  string
	listener func(string)
}

func (f *fakeSource) GetConfig(string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, nil
}

func (f *fakeSource) ListenConfig(_ string, onChange func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = onChange
	return nil
}

func (f *fakeSource) push(content string) {
	f.mu.Lock()
	fn := f.listener
	f.mu.Unlock()
	fn(content)
}

func decodeSample(content string, base sampleConfig) (sampleConfig, error) {
	err := DecodeConfig([]byte(content), &base)
	return base, err
}

func TestWatchRemote_AppliesValidUpdatesOnly(t *testing.T) {
	src := &fakeSource{content: "limit: 7\n"}
	store := NewStore(sampleConfig{Name: "local", Limit: 1}, validateSample)

	require.NoError(t, WatchRemote(src, "app.yaml", store, decodeSample))
	assert.Equal(t, 7, store.Load().Limit, "initial remote content is applied")
	assert.Equal(t, "local", store.Load().Name, "fields missing remotely keep local values")

	src.push("limit: 9\n")
	assert.Equal(t, 9, store.Load().Limit)

	src.push("limit: -1\n")
	assert.Equal(t, 9, store.Load().Limit)

	src.push("limit: [broken\n")
	assert.Equal(t, 9, store.Load().Limit)
}

func TestRun_BackgroundAndCleanups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Bool
	var order []string
	info := AppInfo{
		ServiceName: "test",
		Background: []func(context.Context) error{
			func(ctx context.Context) error {
				started.Store(true)
				<-ctx.Done()
				return ctx.Err()
			},
		},
		Cleanups: []func(context.Context) error{
			func(context.Context) error { order = append(order, "first"); return nil },
			func(context.Context) error { order = append(order, "second"); return nil },
		},
	}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, info) }()

	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRun_BackgroundErrorStopsService(t *testing.T) {
	boom := errors.New("boom")
	err := Run(context.Background(), AppInfo{
		ServiceName: "test",
		Background:  []func(context.Context) error{func(context.Context) error { return boom }},
	})
	assert.ErrorIs(t, err, boom)
}
