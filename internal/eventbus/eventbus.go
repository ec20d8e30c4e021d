// Package eventbus fans out lifecycle transition events (the state
// changes DockerController publishes) to in-process subscribers and,
// through PersistentEventBus, to an optional audit store that the HTTP
// layer's events endpoint reads back. It is explicitly non-authoritative: the
// Lifecycle Controller's own state map is the source of truth, and a
// dropped or unsubscribed event never blocks or rewinds the controller
// itself. Grounded on
// pkg/infra/eventbus/eventbus.go's buffered-channel + worker-pool
// fan-out, generalized from the teacher's unit.Event interface to a
// single concrete Event struct scoped to one AppId.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyad-run/clc/internal/logx"
)

// Event is one lifecycle record for a single AppId.
type Event struct {
	AppID   string
	Type    string // lower-cased lifecycle state DockerController publishes: "absent", "starting", "ready", "stopped", "error"
	At      time.Time
	Message string
}

// SubscriptionID identifies a registered handler.
type SubscriptionID string

// Handler processes one Event. A non-nil return is logged by the bus
// but never aborts dispatch to other subscribers.
type Handler func(event Event) error

// Filter reports whether Event should be delivered to a subscriber.
type Filter func(event Event) bool

// EventBus is the public contract; InMemoryEventBus implements it
// directly, PersistentEventBus wraps it with an async audit store.
type EventBus interface {
	Publish(event Event) error
	Subscribe(handler Handler, filters ...Filter) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Close() error
}

// Querier is implemented by event buses backed by a durable audit log
// (PersistentEventBus). internal/httpapi's events endpoint type-asserts
// for it and falls back to the store when the Controller's own Events
// for an app come back empty (the Controller reads history from the
// engine, and the SDK engine reports none).
type Querier interface {
	Query(ctx context.Context, filter EventQueryFilter) ([]Event, error)
}

type subscription struct {
	id      SubscriptionID
	handler Handler
	filters []Filter
}

// InMemoryEventBus is a buffered, worker-pool fan-out bus with no
// persistence.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*subscription
	eventChan   chan Event
	workerCount int
	bufferSize  int
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closed      bool
}

type config struct {
	bufferSize  int
	workerCount int
}

// Option configures NewInMemoryEventBus.
type Option func(*config)

// WithBufferSize overrides the default 1000-event channel buffer.
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithWorkerCount overrides the default 4 dispatch workers.
func WithWorkerCount(count int) Option {
	return func(c *config) {
		if count > 0 {
			c.workerCount = count
		}
	}
}

var _ EventBus = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus constructs a bus and starts its dispatch workers.
func NewInMemoryEventBus(opts ...Option) *InMemoryEventBus {
	cfg := &config{bufferSize: 1000, workerCount: 4}
	for _, opt := range opts {
		opt(cfg)
	}

	b := &InMemoryEventBus{
		subscribers: make(map[SubscriptionID]*subscription),
		eventChan:   make(chan Event, cfg.bufferSize),
		workerCount: cfg.workerCount,
		bufferSize:  cfg.bufferSize,
		stopCh:      make(chan struct{}),
	}

	for i := 0; i < b.workerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func generateID() string {
	return uuid.New().String()
}

func (b *InMemoryEventBus) Publish(event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("eventbus is closed")
	}

	select {
	case b.eventChan <- event:
		return nil
	case <-b.stopCh:
		return fmt.Errorf("eventbus is closed")
	}
}

func (b *InMemoryEventBus) Subscribe(handler Handler, filters ...Filter) (SubscriptionID, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", fmt.Errorf("eventbus is closed")
	}

	id := SubscriptionID(generateID())
	b.subscribers[id] = &subscription{id: id, handler: handler, filters: filters}
	return id, nil
}

func (b *InMemoryEventBus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[id]; !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subscribers, id)
	return nil
}

func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	close(b.eventChan)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	<-done

	b.mu.Lock()
	b.subscribers = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()
	return nil
}

func (b *InMemoryEventBus) worker() {
	defer b.wg.Done()
	for event := range b.eventChan {
		b.dispatch(event)
	}
}

func (b *InMemoryEventBus) dispatch(event Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !matchFilters(event, s.filters) {
			continue
		}
		if err := s.handler(event); err != nil {
			logx.Warn("eventbus: subscriber handler failed", "app_id", event.AppID, "type", event.Type, "error", err)
		}
	}
}

func matchFilters(event Event, filters []Filter) bool {
	for _, f := range filters {
		if !f(event) {
			return false
		}
	}
	return true
}

// FilterByAppID delivers only events for one AppId, for a per-app
// logs/events HTTP stream.
func FilterByAppID(appID string) Filter {
	return func(e Event) bool { return e.AppID == appID }
}

// FilterByTypes delivers only events whose Type is in types.
func FilterByTypes(types ...string) Filter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(e Event) bool { return set[e.Type] }
}
