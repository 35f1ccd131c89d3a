// internal/zookeeper/conn.go
package zookeeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"checkout/internal/pkg/logger"

	"github.com/go-zookeeper/zk"
)

// Conn 封装 ZooKeeper 连接。会话过期时，其上的临时节点（即持有的锁）会被服务端自动删除。
type Conn struct {
	*zk.Conn
}

// Connect 连接 ZooKeeper 集群，servers 格式为 "host1:2181,host2:2181"。
func Connect(servers string, sessionTimeout time.Duration) (*Conn, error) {
	addrs := strings.Split(servers, ",")
	conn, events, err := zk.Connect(addrs, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect zookeeper %s: %w", servers, err)
	}

	go func() {
		for ev := range events {
			if ev.State == zk.StateExpired {
				logger.Ctx(context.Background()).Error().Str("server", ev.Server).Msg("🚨 ZooKeeper session expired, held locks are gone")
			}
		}
	}()

	logger.Ctx(context.Background()).Info().Str("servers", servers).Msg("✅ Connected to ZooKeeper.")
	return &Conn{Conn: conn}, nil
}

// ensurePath 逐级创建持久节点，已存在则忽略。
func (c *Conn) ensurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		exists, _, err := c.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := c.Create(cur, []byte(""), 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("failed to create node %s: %w", cur, err)
		}
	}
	return nil
}
