// Package lock provides per-wallet mutual exclusion, either inside one process
// or across processes through Redis.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Locker acquires a named lock, blocking until it is held or ctx is done.
// The returned function releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// WalletKey is the lock key for a wallet
func WalletKey(walletID int) string {
	return fmt.Sprintf("wallet:{%d}", walletID)
}

// Local is an in-process keyed mutex
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an empty in-process locker
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
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
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
