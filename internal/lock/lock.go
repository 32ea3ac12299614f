// Package lock serialises work per key (one inbound message per friend at a time).
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wolfman30/autoreply/internal/apperr"
)

// ErrLockTimeout is returned when the lock could not be taken before the wait
// budget or the context ran out.
var ErrLockTimeout = fmt.Errorf("lock: timed out waiting for lock: %w", apperr.ErrUnavailable)

// Locker grants exclusive access to a key. release must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// FriendKey is the lock key for a friend's conversation state.
func FriendKey(friendID string) string {
	return "autoreply:lock:friend:" + friendID
}

// LocalLocker is an in-process keyed mutex for single-node deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.waiters++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, s)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
	}, nil
}

func (l *LocalLocker) drop(key string, s *slot) {
	l.mu.Lock()
	s.waiters--
	if s.waiters == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}
