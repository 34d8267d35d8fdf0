// Package lock provides per-key mutual exclusion for account updates.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrTimeout is returned when a lock could not be acquired before the
// context or wait limit expired.
var ErrTimeout = errors.New("lock: timed out waiting for key")

// Locker serialises work per key. The returned unlock must be called
// exactly once on every path.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Keyed is an in-process Locker backed by one semaphore per active key.
// Entries are dropped when their last holder or waiter leaves.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

var _ Locker = (*Keyed)(nil)

func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, errors.Join(ErrTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// active reports how many keys currently have holders or waiters.
func (k *Keyed) active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
