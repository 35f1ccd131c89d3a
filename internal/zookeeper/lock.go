// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"checkout/internal/pkg/lock"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot = "/checkout_locks" // 所有资源锁的根节点
)

// Locker 基于临时顺序节点实现 lock.Locker，凭证就是自己创建的节点路径。
// 硬过期由会话超时保证：持有者崩溃后节点随会话一起消失。
type Locker struct {
	conn *Conn
	root string
}

// NewLocker 创建锁实例并确保根节点存在。
func NewLocker(conn *Conn) (*Locker, error) {
	if err := conn.ensurePath(lockRoot); err != nil {
		return nil, fmt.Errorf("failed to create lock root node: %w", err)
	}
	return &Locker{conn: conn, root: lockRoot}, nil
}

func (l *Locker) lockPath(key string) string {
	return l.root + "/" + strings.ReplaceAll(key, "/", "_")
}

// Acquire 在资源路径下排队，成为最小节点即获得锁；超过 wait 仍未获得则撤回自己的节点。
func (l *Locker) Acquire(ctx context.Context, key string, wait time.Duration) (lock.Token, error) {
	path := l.lockPath(key)
	if err := l.conn.ensurePath(path); err != nil {
		return "", err
	}

	// 1. 在锁路径下创建一个临时顺序节点
	node, err := l.conn.CreateProtectedEphemeralSequential(path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", fmt.Errorf("failed to create sequential node: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	giveUp := func(cause error) (lock.Token, error) {
		if delErr := l.conn.Delete(node, -1); delErr != nil && !errors.Is(delErr, zk.ErrNoNode) {
			cause = errors.Join(cause, delErr)
		}
		return "", cause
	}

	for {
		// 2. 获取锁路径下的所有子节点，按序号排序
		children, _, err := l.conn.Children(path)
		if err != nil {
			return giveUp(fmt.Errorf("failed to get children nodes: %w", err))
		}
		sort.Slice(children, func(i, j int) bool { return sequenceOf(children[i]) < sequenceOf(children[j]) })

		// 3. 判断自己是否是最小的节点
		myName := strings.TrimPrefix(node, path+"/")
		idx := -1
		for i, child := range children {
			if child == myName {
				idx = i
				break
			}
		}
		if idx < 0 {
			// 节点丢失通常意味着会话过期
			return "", fmt.Errorf("lock node %s disappeared", node)
		}
		if idx == 0 {
			return lock.Token(node), nil
		}

		// 4. 不是最小节点，监听前一个节点
		prev := path + "/" + children[idx-1]
		exists, _, events, err := l.conn.ExistsW(prev)
		if err != nil {
			return giveUp(fmt.Errorf("failed to watch previous node: %w", err))
		}
		if !exists {
			continue
		}

		select {
		case <-events:
		case <-timer.C:
			return giveUp(fmt.Errorf("%w: %s", lock.ErrTimeout, key))
		case <-ctx.Done():
			return giveUp(ctx.Err())
		}
	}
}

// Release 删除自己的节点。节点已不存在视为已释放。
func (l *Locker) Release(ctx context.Context, key string, token lock.Token) error {
	if !strings.HasPrefix(string(token), l.lockPath(key)+"/") {
		return fmt.Errorf("%w: %s", lock.ErrTokenMismatch, key)
	}
	err := l.conn.Delete(string(token), -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	return nil
}

// sequenceOf 取出顺序节点名末尾的 10 位序号。受保护节点带有 GUID 前缀，不能直接按名字排序。
func sequenceOf(name string) string {
	if len(name) < 10 {
		return name
	}
	return name[len(name)-10:]
}
