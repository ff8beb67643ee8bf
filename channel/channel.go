// Package channel provides the ordered, capacity-bounded pipe that carries
// requests from the API to the workers and responses back.
package channel

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send on a closed pipe, and by Receive once a
// closed pipe has been drained
var ErrClosed = errors.New("channel closed")

// Sink is the producing end of a pipe
type Sink[T any] interface {
	// Send enqueues item, suspending while the pipe is full
	Send(ctx context.Context, item T) error
}

// Source is the consuming end of a pipe
type Source[T any] interface {
	// Receive dequeues the next item, suspending while the pipe is empty and open
	Receive(ctx context.Context) (T, error)
}

// Pipe is a FIFO with bounded capacity. It satisfies both Sink and Source.
type Pipe[T any] struct {
	items     chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewPipe creates a pipe holding at most capacity items. A capacity below
// one is raised to one.
func NewPipe[T any](capacity int) *Pipe[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Pipe[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// Send enqueues item. It fails with ErrClosed once the pipe is closed and
// with ctx.Err() if the context ends while waiting for capacity.
func (p *Pipe[T]) Send(ctx context.Context, item T) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.items <- item:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the next item. Items enqueued before Close are still
// delivered; after that it returns ErrClosed.
func (p *Pipe[T]) Receive(ctx context.Context) (T, error) {
	var zero T

	select {
	case item := <-p.items:
		return item, nil
	default:
	}

	select {
	case item := <-p.items:
		return item, nil
	case <-p.done:
		// Drain anything that raced in with Close
		select {
		case item := <-p.items:
			return item, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close marks the pipe closed. It is safe to call more than once.
func (p *Pipe[T]) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Done is closed when the pipe is closed
func (p *Pipe[T]) Done() <-chan struct{} {
	return p.done
}

// Len returns the number of queued items
func (p *Pipe[T]) Len() int {
	return len(p.items)
}

// Cap returns the pipe capacity
func (p *Pipe[T]) Cap() int {
	return cap(p.items)
}
