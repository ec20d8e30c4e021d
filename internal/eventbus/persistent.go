package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dyad-run/clc/internal/logx"
)

// PersistentEventBus wraps an InMemoryEventBus with an async,
// batched writer to an EventStore, so subscribers never block on disk
// I/O. Grounded on pkg/infra/eventbus/persistent.go.
type PersistentEventBus struct {
	memory      *InMemoryEventBus
	store       EventStore
	buffer      chan Event
	batchSize   int
	flushPeriod time.Duration
	wg          sync.WaitGroup
	stopCh      chan struct{}
	closed      bool
	mu          sync.RWMutex
}

type persistentConfig struct {
	bufferSize  int
	batchSize   int
	flushPeriod time.Duration
	workerCount int
}

// PersistentOption configures NewPersistentEventBus.
type PersistentOption func(*persistentConfig)

// WithBatchSize overrides the default batch of 100 events per flush.
func WithBatchSize(size int) PersistentOption {
	return func(c *persistentConfig) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

// WithFlushPeriod overrides the default 1-second flush interval.
func WithFlushPeriod(period time.Duration) PersistentOption {
	return func(c *persistentConfig) {
		if period > 0 {
			c.flushPeriod = period
		}
	}
}

var _ EventBus = (*PersistentEventBus)(nil)

// NewPersistentEventBus constructs a bus backed by store. store may be
// nil only in tests that never call Close with pending events.
func NewPersistentEventBus(store EventStore, opts ...PersistentOption) *PersistentEventBus {
	cfg := &persistentConfig{bufferSize: 1000, batchSize: 100, flushPeriod: time.Second, workerCount: 4}
	for _, opt := range opts {
		opt(cfg)
	}

	b := &PersistentEventBus{
		memory:      NewInMemoryEventBus(WithBufferSize(cfg.bufferSize), WithWorkerCount(cfg.workerCount)),
		store:       store,
		buffer:      make(chan Event, cfg.bufferSize),
		batchSize:   cfg.batchSize,
		flushPeriod: cfg.flushPeriod,
		stopCh:      make(chan struct{}),
	}

	b.wg.Add(1)
	go b.persistenceWorker()
	return b
}

func (b *PersistentEventBus) Publish(event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("eventbus is closed")
	}

	if err := b.memory.Publish(event); err != nil {
		return err
	}

	select {
	case b.buffer <- event:
		return nil
	case <-b.stopCh:
		return fmt.Errorf("eventbus is closed")
	}
}

func (b *PersistentEventBus) Subscribe(handler Handler, filters ...Filter) (SubscriptionID, error) {
	return b.memory.Subscribe(handler, filters...)
}

func (b *PersistentEventBus) Unsubscribe(id SubscriptionID) error {
	return b.memory.Unsubscribe(id)
}

// Query reads from the audit store directly, bypassing the in-memory
// fan-out entirely.
func (b *PersistentEventBus) Query(ctx context.Context, filter EventQueryFilter) ([]Event, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.Query(ctx, filter)
}

func (b *PersistentEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	close(b.buffer)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return b.memory.Close()
}

func (b *PersistentEventBus) persistenceWorker() {
	defer b.wg.Done()

	batch := make([]Event, 0, b.batchSize)
	ticker := time.NewTicker(b.flushPeriod)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 || b.store == nil {
			batch = batch[:0]
			return
		}
		if err := b.store.SaveBatch(context.Background(), batch); err != nil {
			logx.Warn("eventbus: persist batch failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-b.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
