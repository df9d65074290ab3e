package pipeline

import (
	"context"
	"sync"
)

type discard struct{}

func (discard) Send(context.Context, any) error { return nil }
func (discard) EndOfInput()                     {}

// Discard is a Sink that drops everything it receives.
var Discard Sink = discard{}

// Collector is a Sink that keeps every item in arrival order.
type Collector struct {
	mu    sync.Mutex
	items []any
	ended int
	done  chan struct{}
}

func NewCollector() *Collector {
	return &Collector{done: make(chan struct{})}
}

func (c *Collector) Send(ctx context.Context, item any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	return nil
}

func (c *Collector) EndOfInput() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ended++
	if c.ended == 1 {
		close(c.done)
	}
}

// Items returns a copy of the items received so far.
func (c *Collector) Items() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.items...)
}

// Ended reports how many times end-of-input was received.
func (c *Collector) Ended() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Done is closed on the first end-of-input.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}
