package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	subs   atomic.Int32
	unsubs atomic.Int32
}

func (c *counter) subscribe(ctx context.Context) (Unsubscribe, error) {
	c.subs.Add(1)
	return func(context.Context) error {
		c.unsubs.Add(1)
		return nil
	}, nil
}

func newTestManager() *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(logger)
}

func TestManager_FirstAcquireSubscribesLastReleaseUnsubscribes(t *testing.T) {
	m := newTestManager()
	c := &counter{}
	ctx := context.Background()

	r1, err := m.Acquire(ctx, "room/r1", c.subscribe)
	require.NoError(t, err)
	r2, err := m.Acquire(ctx, "room/r1", c.subscribe)
	require.NoError(t, err)

	assert.Equal(t, int32(1), c.subs.Load())
	assert.Equal(t, 2, m.Refs("room/r1"))

	r1()
	r1()
	assert.Equal(t, 1, m.Refs("room/r1"))
	assert.Equal(t, int32(0), c.unsubs.Load())

	r2()
	assert.Equal(t, 0, m.Refs("room/r1"))
	assert.Equal(t, int32(1), c.unsubs.Load())
	assert.Empty(t, m.Active())
}

func TestManager_ConcurrentAcquireSharesSubscribe(t *testing.T) {
	m := newTestManager()
	var subs atomic.Int32
	gate := make(chan struct{})
	subscribe := func(ctx context.Context) (Unsubscribe, error) {
		subs.Add(1)
		<-gate
		return nil, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(context.Background(), "roster", subscribe)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return m.Refs("roster") == 5 }, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), subs.Load())
}

func TestManager_FailedSubscribeSharedAndForgotten(t *testing.T) {
	m := newTestManager()
	boom := errors.New("boom")
	gate := make(chan struct{})
	failing := func(ctx context.Context) (Unsubscribe, error) {
		<-gate
		return nil, boom
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "k", failing)
		done <- err
	}()
	require.Eventually(t, func() bool { return m.Refs("k") == 1 }, time.Second, 5*time.Millisecond)

	waiter := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "k", failing)
		waiter <- err
	}()
	require.Eventually(t, func() bool { return m.Refs("k") == 2 }, time.Second, 5*time.Millisecond)
	close(gate)

	assert.ErrorIs(t, <-done, boom)
	assert.ErrorIs(t, <-waiter, boom)

	c := &counter{}
	release, err := m.Acquire(context.Background(), "k", c.subscribe)
	require.NoError(t, err)
	defer release()
	assert.Equal(t, int32(1), c.subs.Load())
}

func TestManager_WaiterContextCancelled(t *testing.T) {
	m := newTestManager()
	gate := make(chan struct{})
	defer close(gate)
	slow := func(ctx context.Context) (Unsubscribe, error) {
		<-gate
		return nil, nil
	}
	go func() { _, _ = m.Acquire(context.Background(), "k", slow) }()
	require.Eventually(t, func() bool { return m.Refs("k") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Acquire(ctx, "k", slow)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.Refs("k"))
}

func TestManager_ResetSkipsUnsubscribe(t *testing.T) {
	m := newTestManager()
	c := &counter{}
	release, err := m.Acquire(context.Background(), "k", c.subscribe)
	require.NoError(t, err)

	m.Reset()
	assert.Empty(t, m.Active())
	release()
	assert.Equal(t, int32(0), c.unsubs.Load())

	// A new acquire after reset subscribes again.
	release, err = m.Acquire(context.Background(), "k", c.subscribe)
	require.NoError(t, err)
	release()
	assert.Equal(t, int32(2), c.subs.Load())
	assert.Equal(t, int32(1), c.unsubs.Load())
}

func TestManager_Resubscribe(t *testing.T) {
	m := newTestManager()
	a, b := &counter{}, &counter{}
	ra, err := m.Acquire(context.Background(), "a", a.subscribe)
	require.NoError(t, err)
	rb, err := m.Acquire(context.Background(), "b", b.subscribe)
	require.NoError(t, err)

	err = m.Resubscribe(context.Background(), func(key string) Subscribe {
		if key == "a" {
			return a.subscribe
		}
		return func(context.Context) (Unsubscribe, error) { return nil, errors.New("gone") }
	})
	require.Error(t, err)
	assert.Equal(t, int32(2), a.subs.Load())

	ra()
	rb()
	assert.Equal(t, int32(1), a.unsubs.Load())
	assert.Equal(t, int32(1), b.unsubs.Load())
}
