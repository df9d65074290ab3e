// Package pipe provides a bounded, closable FIFO used for message passing
// between goroutines. Unlike a channel, a Pipe may be closed while senders
// are blocked on it; blocked and future sends simply report failure.
package pipe

import (
	"context"
	"errors"
	"iter"
	"sync"
)

var ErrInvalidSize = errors.New("pipe size must be a power of two")

type Rx[T any] interface {
	Recv(*T) bool
	RecvContext(context.Context, *T) bool
	Seq() iter.Seq[T]
}

type Tx[T any] interface {
	Send(T) bool
	SendContext(context.Context, T) bool
}

type TxCloser[T any] interface {
	Tx[T]
	Close() error
}

type Pipe[T any] struct {
	data      []T
	head      uint
	tail      uint
	done      bool
	mu        sync.Mutex
	condFull  *sync.Cond
	condEmpty *sync.Cond
}

func powerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// New is a function that instantiates a new Pipe with a size of n.
// The value of n must be a valid power of two. Any other value will
// result in an error.
func New[T any](n int) (*Pipe[T], error) {
	if !powerOfTwo(n) {
		return nil, ErrInvalidSize
	}
	var p Pipe[T]
	p.data = make([]T, n)
	p.condFull = sync.NewCond(&p.mu)
	p.condEmpty = sync.NewCond(&p.mu)
	return &p, nil
}

// Must is a function that returns a new instance of a Pipe, or panics
// if an error is encountered.
func Must[T any](n int) *Pipe[T] {
	p, err := New[T](n)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pipe[T]) empty() bool {
	return p.head == p.tail
}

func (p *Pipe[T]) full() bool {
	return (p.head - p.tail) == uint(len(p.data))
}

func (p *Pipe[T]) mask(value uint) uint {
	return value & (uint(len(p.data)) - 1)
}

// wake releases every goroutine blocked on the pipe once ctx is done so
// that it can observe the cancellation.
func (p *Pipe[T]) wake(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		p.condEmpty.Broadcast()
		p.condFull.Broadcast()
	})
}

// Len reports the number of buffered items.
func (p *Pipe[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return int(p.head - p.tail)
}

func (p *Pipe[T]) Seq() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer p.Close()

		for {
			var msg T
			ok := p.Recv(&msg)
			if !ok {
				break
			}

			if !yield(msg) {
				break
			}
		}
	}
}

func (p *Pipe[T]) Send(item T) bool {
	return p.SendContext(context.Background(), item)
}

// SendContext blocks until item is buffered, the pipe is closed or ctx is
// done. It reports whether item was buffered.
func (p *Pipe[T]) SendContext(ctx context.Context, item T) bool {
	if ctx.Done() != nil {
		stop := p.wake(ctx)
		defer stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.full() && !p.done && ctx.Err() == nil {
		p.condFull.Wait()
	}

	if p.done || ctx.Err() != nil {
		return false
	}

	p.data[p.mask(p.head)] = item
	p.head++

	p.condEmpty.Broadcast()
	return true
}

// TrySend buffers item only if doing so does not block.
func (p *Pipe[T]) TrySend(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done || p.full() {
		return false
	}

	p.data[p.mask(p.head)] = item
	p.head++

	p.condEmpty.Broadcast()
	return true
}

func (p *Pipe[T]) Recv(t *T) bool {
	return p.RecvContext(context.Background(), t)
}

// RecvContext blocks until an item is available, the pipe is closed and
// drained, or ctx is done. Items buffered before Close are still delivered.
func (p *Pipe[T]) RecvContext(ctx context.Context, t *T) bool {
	if ctx.Done() != nil {
		stop := p.wake(ctx)
		defer stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.empty() && !p.done && ctx.Err() == nil {
		p.condEmpty.Wait()
	}

	if p.empty() || ctx.Err() != nil {
		return false
	}

	p.pop(t)
	return true
}

// TryRecv takes the next item only if one is already buffered.
func (p *Pipe[T]) TryRecv(t *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.empty() {
		return false
	}

	p.pop(t)
	return true
}

func (p *Pipe[T]) pop(t *T) {
	var zero T
	idx := p.mask(p.tail)
	*t = p.data[idx]
	p.data[idx] = zero
	p.tail++

	// woken senders may leave on cancellation instead of taking the slot
	p.condFull.Broadcast()
}

// Close marks the pipe as done. It is safe to call more than once.
func (p *Pipe[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = true

	p.condEmpty.Broadcast()
	p.condFull.Broadcast()
	return nil
}
