// Package syncx provides a mutex with a bounded acquisition wait. Each
// stateful component guards its collections with one of these so ingestion
// paths fail fast under pathological contention instead of blocking
// indefinitely.
package syncx

import (
	"time"

	"github.com/havenwatch/sentinel/internal/errs"
)

// DefaultLockWait bounds lock acquisition when a component is built without
// an explicit wait.
const DefaultLockWait = 2 * time.Second

// TimedMutex is a mutual-exclusion lock whose Lock rejects after a deadline.
// The zero value is not usable; use NewTimedMutex.
type TimedMutex struct {
	ch chan struct{}
}

// NewTimedMutex returns an unlocked TimedMutex.
func NewTimedMutex() *TimedMutex {
	m := &TimedMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock acquires the mutex, waiting at most wait. It returns
// errs.ErrLockTimeout if the lock could not be acquired in time.
func (m *TimedMutex) Lock(wait time.Duration) error {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	select {
	case <-m.ch:
		return nil
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-m.ch:
		return nil
	case <-timer.C:
		return errs.ErrLockTimeout
	}
}

// Unlock releases the mutex. Unlocking an unlocked mutex panics.
func (m *TimedMutex) Unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("syncx: unlock of unlocked TimedMutex")
	}
}
