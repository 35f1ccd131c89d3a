package adapter

import (
	"context"
	"fmt"
	"time"

	"checkout/internal/pkg/redis"

	"github.com/pkg/errors"
)

const windowScriptName = "ratelimit_window"

// RedisWindow 是多实例共享的固定窗口计数器，实现 application.WindowStore
type RedisWindow struct {
	redisClient *redis.Client
	name        string
	now         func() time.Time
}

func NewRedisWindow(redisClient *redis.Client, name string) (*RedisWindow, error) {
	if err := redisClient.LoadScriptFromContent(windowScriptName, windowScript); err != nil {
		return nil, fmt.Errorf("failed to load rate window script: %w", err)
	}
	return &RedisWindow{redisClient: redisClient, name: name, now: time.Now}, nil
}

func (w *RedisWindow) TryAcquire(ctx context.Context, capacity int, window time.Duration) (bool, error) {
	if window <= 0 {
		window = time.Second
	}
	index := w.now().UnixMilli() / window.Milliseconds()
	key := fmt.Sprintf("ratelimit:{%s}:%d", w.name, index)

	out, err := w.redisClient.RunScript(ctx, windowScriptName, []string{key}, capacity, window.Milliseconds())
	if err != nil {
		return false, errors.Wrap(err, "rate window")
	}
	code, _ := out.(int64)
	return code == 1, nil
}

var windowScript = `
-- KEYS[1]: 当前窗口的计数 key
-- ARGV[1]: 窗口容量  ARGV[2]: 窗口长度（毫秒）
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    return 0
end
return 1
`
