package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) ReleaseExpired(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

type countingReaper struct {
	calls atomic.Int32
	idle  time.Duration
}

func (c *countingReaper) ReapIdle(_ context.Context, idle time.Duration) (int, error) {
	c.calls.Add(1)
	c.idle = idle
	return 0, nil
}

func TestRunOnceSweepsAndReaps(t *testing.T) {
	locks := &countingSweeper{}
	sessions := &countingReaper{}
	j := New(locks, sessions, time.Minute, 12*time.Hour, zaptest.NewLogger(t))

	j.RunOnce(context.Background())

	assert.EqualValues(t, 1, locks.calls.Load())
	assert.EqualValues(t, 1, sessions.calls.Load())
	assert.Equal(t, 12*time.Hour, sessions.idle)
}

func TestRunOnceSkipsReapWhenDisabled(t *testing.T) {
	sessions := &countingReaper{}
	j := New(&countingSweeper{}, sessions, time.Minute, 0, nil)

	j.RunOnce(context.Background())

	assert.Zero(t, sessions.calls.Load())
}

func TestRunOnceSwallowsSweepErrors(t *testing.T) {
	locks := &countingSweeper{err: errors.New("db down")}
	sessions := &countingReaper{}
	j := New(locks, sessions, time.Minute, time.Hour, zaptest.NewLogger(t))

	j.RunOnce(context.Background())

	assert.EqualValues(t, 1, sessions.calls.Load(), "a failed lock sweep must not stop session reaping")
}

func TestRunTicksUntilCancelled(t *testing.T) {
	locks := &countingSweeper{}
	j := New(locks, nil, 5*time.Millisecond, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool { return locks.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("janitor did not stop after cancel")
	}
}
