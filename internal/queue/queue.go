// Package queue decouples request latency from inference latency. It
// provides an ordered, at-least-once delivery channel between the
// dispatcher and the worker pool: an item that is dequeued but not acked
// within the visibility window becomes deliverable again.
package queue

import (
	"context"
	"errors"

	"github.com/seanhagen/chatwire/internal/domain"
)

// Handle is an opaque acknowledgement token returned by Dequeue. It is
// valid until the item is acked, nacked, or its visibility window
// lapses.
type Handle string

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// ErrUnknownHandle is returned when an ack or nack references an item
// that is no longer in flight (already acked, or redelivered after its
// visibility window expired).
var ErrUnknownHandle = errors.New("unknown ack handle")

// Queue is the adapter contract over the queueing primitive. Workers
// dequeue one item at a time; delivery is at-least-once, so processing
// must be idempotent from the worker's perspective.
type Queue interface {
	// Enqueue publishes one work item. An error means nothing was
	// accepted and the caller may retry.
	Enqueue(ctx context.Context, item domain.WorkItem) error

	// Dequeue blocks until an item is available or ctx is done. The
	// returned handle must be passed to Ack or Nack.
	Dequeue(ctx context.Context) (domain.WorkItem, Handle, error)

	// Ack marks the item identified by handle as completed.
	Ack(ctx context.Context, handle Handle) error

	// Nack makes the item immediately deliverable again.
	Nack(ctx context.Context, handle Handle) error

	// Close releases queue resources. Blocked Dequeue calls return
	// ErrClosed.
	Close() error
}
