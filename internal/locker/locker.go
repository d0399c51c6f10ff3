// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package locker provides mutexes keyed by string, so that work on one key
// is serialized while work on different keys runs in parallel.
package locker

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Locker hands out one exclusive lock per key.  Entries are dropped once no
// goroutine holds or waits for them.  The zero value is ready to use.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Lock blocks until the lock for key is acquired or ctx is done.  On
// success the returned function releases the lock and must be called
// exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*entry)
	}
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() { l.release(key, e, true) }, nil

	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ctx.Err()
	}
}

func (l *Locker) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}

	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Len returns the number of keys currently locked or waited on.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
