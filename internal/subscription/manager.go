// Package subscription shares one server-side subscription among any number
// of local consumers. The first Acquire for a key subscribes, the last
// release unsubscribes.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "fogsync/internal/errors"
)

// Unsubscribe tears a server-side subscription down.
type Unsubscribe func(ctx context.Context) error

// Subscribe establishes a server-side subscription.
type Subscribe func(ctx context.Context) (Unsubscribe, error)

// Release gives up one reference. Calling it more than once is a no-op.
type Release func()

type entry struct {
	refs        int
	ready       chan struct{}
	err         error
	unsubscribe Unsubscribe
	generation  uint64
}

// Manager reference-counts subscriptions by key.
type Manager struct {
	logger         *logrus.Logger
	releaseTimeout time.Duration

	mu         sync.Mutex
	entries    map[string]*entry
	generation uint64
}

// NewManager creates an empty Manager.
func NewManager(logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Manager{
		logger:         logger,
		releaseTimeout: 10 * time.Second,
		entries:        make(map[string]*entry),
	}
}

// Acquire takes a reference on key, running subscribe if this is the first
// one. Concurrent acquirers wait for the first subscribe to finish and share
// its outcome; a failed subscribe leaves no reference behind.
func (m *Manager) Acquire(ctx context.Context, key string, subscribe Subscribe) (Release, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		e.refs++
		m.mu.Unlock()
		return m.await(ctx, key, e)
	}

	e = &entry{refs: 1, ready: make(chan struct{}), generation: m.generation}
	m.entries[key] = e
	m.mu.Unlock()

	unsubscribe, err := subscribe(ctx)

	m.mu.Lock()
	e.unsubscribe, e.err = unsubscribe, err
	if err != nil && m.entries[key] == e {
		delete(m.entries, key)
	}
	close(e.ready)
	m.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).WithField("key", key).Debug("Subscribe failed")
		return nil, err
	}
	m.logger.WithField("key", key).Debug("Subscribed")
	return m.releaser(key, e), nil
}

func (m *Manager) await(ctx context.Context, key string, e *entry) (Release, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		m.releaser(key, e)()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return m.releaser(key, e), nil
}

func (m *Manager) releaser(key string, e *entry) Release {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, e) })
	}
}

func (m *Manager) release(key string, e *entry) {
	m.mu.Lock()
	e.refs--
	last := e.refs <= 0
	current := m.entries[key] == e
	if last && current {
		delete(m.entries, key)
	}
	stale := e.generation != m.generation
	unsubscribe := e.unsubscribe
	m.mu.Unlock()

	if !last || !current || stale || unsubscribe == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.releaseTimeout)
	defer cancel()
	if err := unsubscribe(ctx); err != nil {
		m.logger.WithError(err).WithField("key", key).Warn("Unsubscribe failed")
		return
	}
	m.logger.WithField("key", key).Debug("Unsubscribed")
}

// Refs returns the number of live references on key.
func (m *Manager) Refs(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Active lists the subscribed keys.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Reset forgets every subscription without unsubscribing. Used when the
// server-side session is gone; outstanding releases become no-ops.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.entries = make(map[string]*entry)
}

// Resubscribe reruns subscribe for every active key, e.g. after a reconnect
// re-established the session. It returns the first failure and keeps
// going with the remaining keys.
func (m *Manager) Resubscribe(ctx context.Context, subscribeFor func(key string) Subscribe) error {
	m.mu.Lock()
	type pending struct {
		key string
		e   *entry
	}
	var todo []pending
	for k, e := range m.entries {
		todo = append(todo, pending{k, e})
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range todo {
		select {
		case <-p.e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		subscribe := subscribeFor(p.key)
		if subscribe == nil {
			continue
		}
		unsubscribe, err := subscribe(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = apperrors.Wrap(err, apperrors.ErrCodeCallFailed, "resubscribe failed").
					WithContext("key", p.key)
			}
			continue
		}
		m.mu.Lock()
		p.e.unsubscribe = unsubscribe
		m.mu.Unlock()
	}
	return firstErr
}
