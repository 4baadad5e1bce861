// FILE: lock.go
// Package main – Per-trade-set mutual exclusion.
//
// setLock is a FIFO lock (x/sync semaphore of weight 1: waiters are served
// in arrival order) with a bounded wait. A waiter that times out while the
// current holder has held the lock for at least the timeout force-releases
// it and logs a warning. The stale holder's later release is then a no-op.
package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type setLock struct {
	sem     *semaphore.Weighted
	timeout time.Duration

	mu         sync.Mutex
	held       bool
	gen        uint64
	acquiredAt time.Time
}

func newSetLock(timeout time.Duration) *setLock {
	return &setLock{sem: semaphore.NewWeighted(1), timeout: timeout}
}

// acquire blocks until the lock is held and returns its release func.
// Only ctx cancellation makes it fail.
func (l *setLock) acquire(ctx context.Context, log *logrus.Entry) (func(), error) {
	for {
		wctx, cancel := context.WithTimeout(ctx, l.timeout)
		err := l.sem.Acquire(wctx, 1)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.mu.Lock()
		if l.held && time.Since(l.acquiredAt) >= l.timeout {
			log.Warnf("lock held for more than %v, forcing release", l.timeout)
			l.held = false
			l.gen++
			l.sem.Release(1)
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.held = true
	l.acquiredAt = time.Now()
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held && l.gen == gen {
				l.held = false
				l.sem.Release(1)
			}
		})
	}, nil
}

// locked reports whether someone currently holds the lock.
func (l *setLock) locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
