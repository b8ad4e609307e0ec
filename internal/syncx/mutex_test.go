package syncx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenwatch/sentinel/internal/errs"
)

func TestLockUnlock(t *testing.T) {
	mu := NewTimedMutex()
	require.NoError(t, mu.Lock(time.Second))
	mu.Unlock()
	require.NoError(t, mu.Lock(time.Second))
	mu.Unlock()
}

func TestLockTimeout(t *testing.T) {
	mu := NewTimedMutex()
	require.NoError(t, mu.Lock(time.Second))

	start := time.Now()
	err := mu.Lock(50 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrLockTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	mu.Unlock()
	require.NoError(t, mu.Lock(time.Second), "the mutex is usable after a timed-out attempt")
	mu.Unlock()
}

func TestLockHandoff(t *testing.T) {
	mu := NewTimedMutex()
	require.NoError(t, mu.Lock(time.Second))

	acquired := make(chan error, 1)
	go func() {
		acquired <- mu.Lock(time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Unlock()

	select {
	case err := <-acquired:
		require.NoError(t, err)
		mu.Unlock()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	mu := NewTimedMutex()
	assert.Panics(t, func() { mu.Unlock() })
}
