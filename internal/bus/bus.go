// Package bus is the single fan-out point for inbound frames: push events
// go to subscribers in registration order, everything else is handed to
// the call resolver.
package bus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"fogsync/internal/metrics"
	"fogsync/pkg/protocol"
)

// Resolver completes pending calls. Implemented by the transport correlator.
type Resolver interface {
	Resolve(in *protocol.Inbound) bool
}

// Listener receives published frames on the dispatching goroutine.
type Listener func(in *protocol.Inbound)

type subscription struct {
	id    uint64
	fn    Listener
	types map[string]struct{}
}

func (s *subscription) wants(msgType string, explicitOnly bool) bool {
	if len(s.types) == 0 {
		return !explicitOnly
	}
	_, ok := s.types[msgType]
	return ok
}

// Bus classifies inbound frames and republishes push events.
type Bus struct {
	resolver Resolver
	logger   *logrus.Logger
	metrics  *metrics.Registry

	mu        sync.RWMutex
	listeners []*subscription
	nextID    uint64
	latest    *protocol.Inbound
}

// New creates a Bus routing replies to resolver.
func New(resolver Resolver, logger *logrus.Logger, registry *metrics.Registry) *Bus {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	return &Bus{resolver: resolver, logger: logger, metrics: registry}
}

// SetResolver replaces the reply resolver.
func (b *Bus) SetResolver(resolver Resolver) {
	b.mu.Lock()
	b.resolver = resolver
	b.mu.Unlock()
}

// Subscribe registers fn for the given message types, or for every push
// event when none are given. A listener naming a non-event type explicitly
// also receives replies of that type that matched no pending call, such as
// an uncorrelated Error.Fatal.
func (b *Bus) Subscribe(fn Listener, types ...string) (unsubscribe func()) {
	sub := &subscription{fn: fn}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.listeners = append(b.listeners, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

// Dispatch routes one inbound frame.
func (b *Bus) Dispatch(in *protocol.Inbound) {
	if in == nil {
		return
	}

	b.mu.RLock()
	resolver := b.resolver
	b.mu.RUnlock()

	if !in.IsEvent() {
		if resolver != nil && resolver.Resolve(in) {
			return
		}
		b.publish(in, true)
		return
	}

	b.mu.Lock()
	b.latest = in
	b.mu.Unlock()
	b.metrics.IncrementCounter(metrics.EventsPublished, map[string]string{"msg_type": in.MsgType}, "Push events published")
	b.publish(in, false)
}

// Latest returns the most recent push event, superseding earlier ones.
func (b *Bus) Latest() *protocol.Inbound {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) publish(in *protocol.Inbound, explicitOnly bool) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.listeners))
	for _, sub := range b.listeners {
		if sub.wants(in.MsgType, explicitOnly) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, in)
	}
}

func (b *Bus) deliver(sub *subscription, in *protocol.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"msg_type": in.MsgType,
				"panic":    r,
			}).Error("Listener panicked")
		}
	}()
	sub.fn(in)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.listeners {
		if sub.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}
