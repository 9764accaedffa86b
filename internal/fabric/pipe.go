// Package fabric holds the bounded queues connecting node tasks, the network
// loop and the UI.
package fabric

import (
	"context"
	"sync/atomic"
)

// Pipe is a bounded FIFO channel with a blocking Send for operator commands
// and a dropping TrySend for refresh traffic. Any number of goroutines may send;
// one goroutine is expected to receive from C.
type Pipe[T any] struct {
	ch      chan T
	dropped atomic.Uint64
	onDrop  func()
}

// PipeOption configures a Pipe.
type PipeOption[T any] func(*Pipe[T])

// WithDropHook calls fn every time TrySend drops a value.
func WithDropHook[T any](fn func()) PipeOption[T] {
	return func(p *Pipe[T]) {
		p.onDrop = fn
	}
}

// NewPipe creates a pipe of the given capacity.
func NewPipe[T any](capacity int, opts ...PipeOption[T]) *Pipe[T] {
	if capacity < 0 {
		capacity = 0
	}
	p := &Pipe[T]{ch: make(chan T, capacity)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send blocks until v is queued or ctx is done.
func (p *Pipe[T]) Send(ctx context.Context, v T) error {
	select {
	case p.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues v without blocking. It reports false and counts a drop
// when the pipe is full.
func (p *Pipe[T]) TrySend(v T) bool {
	select {
	case p.ch <- v:
		return true
	default:
		p.dropped.Add(1)
		if p.onDrop != nil {
			p.onDrop()
		}
		return false
	}
}

// C returns the receive side.
func (p *Pipe[T]) C() <-chan T { return p.ch }

// Len returns the number of queued values.
func (p *Pipe[T]) Len() int { return len(p.ch) }

// Cap returns the capacity.
func (p *Pipe[T]) Cap() int { return cap(p.ch) }

// Dropped returns the number of values TrySend discarded.
func (p *Pipe[T]) Dropped() uint64 { return p.dropped.Load() }
