// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Client 封装 go-redis 的 UniversalClient，并维护按名字注册的 Lua 脚本。
type Client struct {
	client goredis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// NewClient 根据逗号分隔的地址创建客户端，多个地址时为集群模式。
func NewClient(addrs string) (*Client, error) {
	var list []string
	for _, a := range strings.Split(addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			list = append(list, a)
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("redis: no address configured")
	}

	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: list})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %v: %w", list, err)
	}
	return Wrap(rdb), nil
}

// Wrap 用已有的连接创建 Client（测试中配合 miniredis 使用）
func Wrap(rdb goredis.UniversalClient) *Client {
	return &Client{client: rdb, scripts: make(map[string]*goredis.Script)}
}

// LoadScriptFromContent 注册一个 Lua 脚本
func (c *Client) LoadScriptFromContent(name, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("redis: script %s is empty", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = goredis.NewScript(content)
	return nil
}

// LoadScriptFromFile 从文件注册 Lua 脚本
func (c *Client) LoadScriptFromFile(name, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("redis: read script %s: %w", path, err)
	}
	return c.LoadScriptFromContent(name, string(content))
}

// RunScript 执行已注册的脚本。优先 EVALSHA，服务端没有缓存时自动退回 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("redis: script %s not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}
