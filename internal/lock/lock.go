// Package lock 提供合约级互斥：单进程使用内存锁，多进程部署使用 Redis 锁。
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockHeld 表示在截止前未能获得锁。
var ErrLockHeld = errors.New("lock: 锁被占用")

// Locker 获取 key 对应的互斥锁，阻塞直至成功或 ctx 结束。
// 返回的 unlock 可重复调用。
type Locker interface {
	Acquire(ctx context.Context, key string) (unlock func(), err error)
}

// Local 为进程内按 key 划分的互斥锁，无人持有的 key 会被回收。
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*Local)(nil)

// NewLocal 创建进程内锁。
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, errors.Join(ErrLockHeld, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
