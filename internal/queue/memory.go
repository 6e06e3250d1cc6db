package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seanhagen/chatwire/internal/domain"
)

const (
	defaultCapacity   = 1024
	defaultVisibility = 30 * time.Second
	janitorInterval   = time.Second
)

type inflightItem struct {
	item     domain.WorkItem
	deadline time.Time
}

// Memory is an in-process queue for single-instance deployments and
// tests. Redelivery of unacked items is driven by a background janitor.
type Memory struct {
	ready      chan domain.WorkItem
	visibility time.Duration

	mu       sync.Mutex
	inflight map[Handle]inflightItem
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithCapacity bounds the number of buffered ready items.
func WithCapacity(n int) MemoryOption {
	return func(m *Memory) { m.ready = make(chan domain.WorkItem, n) }
}

// WithVisibility sets the window within which a dequeued item must be
// acked before it is redelivered.
func WithVisibility(d time.Duration) MemoryOption {
	return func(m *Memory) { m.visibility = d }
}

// NewMemory creates an in-process queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		ready:      make(chan domain.WorkItem, defaultCapacity),
		visibility: defaultVisibility,
		inflight:   make(map[Handle]inflightItem),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.janitor()
	return m
}

// Enqueue publishes one item. A full buffer is reported as an error
// rather than blocking the dispatcher.
func (m *Memory) Enqueue(ctx context.Context, item domain.WorkItem) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case m.ready <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue at capacity")
	}
}

// Dequeue blocks until an item is available, marking it in flight.
func (m *Memory) Dequeue(ctx context.Context) (domain.WorkItem, Handle, error) {
	select {
	case item, ok := <-m.ready:
		if !ok {
			return domain.WorkItem{}, "", ErrClosed
		}
		handle := Handle(uuid.New().String())
		m.mu.Lock()
		m.inflight[handle] = inflightItem{item: item, deadline: time.Now().Add(m.visibility)}
		m.mu.Unlock()
		return item, handle, nil
	case <-m.done:
		return domain.WorkItem{}, "", ErrClosed
	case <-ctx.Done():
		return domain.WorkItem{}, "", ctx.Err()
	}
}

// Ack completes the in-flight item.
func (m *Memory) Ack(ctx context.Context, handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[handle]; !ok {
		return ErrUnknownHandle
	}
	delete(m.inflight, handle)
	return nil
}

// Nack returns the in-flight item to the ready buffer immediately.
func (m *Memory) Nack(ctx context.Context, handle Handle) error {
	m.mu.Lock()
	inf, ok := m.inflight[handle]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(m.inflight, handle)
	m.mu.Unlock()

	select {
	case m.ready <- inf.item:
		return nil
	default:
		return fmt.Errorf("queue at capacity")
	}
}

// Close shuts the queue down and stops redelivery.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return nil
}

// janitor requeues items whose visibility window lapsed without an ack.
func (m *Memory) janitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.redeliverExpired(now)
		}
	}
}

func (m *Memory) redeliverExpired(now time.Time) {
	m.mu.Lock()
	var expired []domain.WorkItem
	for handle, inf := range m.inflight {
		if now.After(inf.deadline) {
			expired = append(expired, inf.item)
			delete(m.inflight, handle)
		}
	}
	m.mu.Unlock()

	for _, item := range expired {
		select {
		case m.ready <- item:
		default:
			// Buffer full; the item is lost for this process. Durable
			// deployments use the SQLite queue instead.
		}
	}
}

var _ Queue = (*Memory)(nil)
