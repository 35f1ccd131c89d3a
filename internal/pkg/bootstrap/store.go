// internal/pkg/bootstrap/store.go
package bootstrap

import (
	"sync"
	"sync/atomic"
)

// Store 保存当前生效的配置。Update 先校验再原子替换，随后同步通知订阅者。
type Store[T any] struct {
	current  atomic.Pointer[T]
	validate func(T) error

	mu   sync.Mutex
	subs []func(T)
}

func NewStore[T any](initial T, validate func(T) error) *Store[T] {
	s := &Store[T]{validate: validate}
	s.current.Store(&initial)
	return s
}

// Load 返回当前配置的副本
func (s *Store[T]) Load() T {
	return *s.current.Load()
}

// Update 校验失败时保留旧配置并返回错误
func (s *Store[T]) Update(next T) error {
	if s.validate != nil {
		if err := s.validate(next); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.current.Store(&next)
	subs := make([]func(T), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return nil
}

// Subscribe 注册变更回调
func (s *Store[T]) Subscribe(fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}
