// Package coverage fans an index query out over a minimal covering set of
// vnodes and reports when every one of them has been scanned.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kvflow/kvflow/internal/concurrency"
	"github.com/kvflow/kvflow/internal/correlation"
	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/indexscan"
	"github.com/kvflow/kvflow/pkg/logger"
	"github.com/kvflow/kvflow/pkg/query"
)

var tracer = otel.Tracer("kvflow/coverage")

const defaultMaxConcurrency = 16

// ErrDispatcherExited is reported when the dispatcher stops without sending
// a reply.
var ErrDispatcherExited = errors.New("coverage dispatcher exited")

// ErrInvalidNVal is returned for a replication factor outside [1, ring size].
var ErrInvalidNVal = ring.ErrInvalidNVal

// Enqueuer is where the dispatcher hands one scan job per covering vnode.
// Enqueue returns once the job has been processed.
type Enqueuer interface {
	Enqueue(ctx context.Context, partition ring.Partition, input any) error
}

// Reply is the single message a dispatch sends to its reply target. A nil
// Err means every covering vnode was scanned.
type Reply struct {
	Err error
}

type Request struct {
	Pipeline Enqueuer
	Target   query.Target
	Query    query.Query
	NVal     int
}

// Dispatcher starts coverage dispatches.
type Dispatcher interface {
	Start(ctx context.Context, reply correlation.ReplyTarget[Reply], req Request) (*Handle, error)
}

// Handle tracks a running dispatch.
type Handle struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewHandle returns the handle of a dispatch that is about to start.
// Dispatcher implementations call Exit when the dispatch goroutine stops.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Exit marks the dispatch as stopped. err is nil when the dispatch sent its
// reply. Only the first call has an effect.
func (h *Handle) Exit(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed when the dispatch goroutine has exited. When it exits
// normally its reply has already been delivered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports why the dispatch goroutine exited abnormally. Only valid
// after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

type Option func(*RingDispatcher)

// WithMaxConcurrency bounds the number of vnodes scanned at once.
func WithMaxConcurrency(n int) Option {
	return func(d *RingDispatcher) {
		d.maxConcurrency = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(d *RingDispatcher) {
		d.logger = l
	}
}

// RingDispatcher plans coverage over a ring and enqueues one index scan per
// covering vnode.
type RingDispatcher struct {
	ring           ring.Ring
	maxConcurrency int
	logger         logger.Logger
}

var _ Dispatcher = (*RingDispatcher)(nil)

func NewDispatcher(r ring.Ring, opts ...Option) *RingDispatcher {
	d := &RingDispatcher{
		ring:           r,
		maxConcurrency: defaultMaxConcurrency,
		logger:         logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxConcurrency < 1 {
		d.maxConcurrency = 1
	}
	return d
}

// Start validates req, plans the coverage and runs the dispatch in its own
// goroutine. Errors returned here mean nothing was started.
func (d *RingDispatcher) Start(ctx context.Context, reply correlation.ReplyTarget[Reply], req Request) (*Handle, error) {
	if req.Pipeline == nil {
		return nil, errors.New("coverage request needs a pipeline")
	}
	if req.Query == nil {
		return nil, fmt.Errorf("%w: missing query", query.ErrInvalidQuery)
	}

	plan, err := Plan(d.ring, req.NVal)
	if err != nil {
		return nil, err
	}

	h := NewHandle()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.ErrorWithContext(ctx, "coverage dispatcher panicked", zap.Any("panic", r))
				h.Exit(fmt.Errorf("%w: panic: %v", ErrDispatcherExited, r))
				return
			}
			h.Exit(nil)
		}()

		err := d.run(ctx, plan, req)
		reply.Send(ctx, Reply{Err: err})
	}()

	return h, nil
}

func (d *RingDispatcher) run(ctx context.Context, plan []Vnode, req Request) error {
	ctx, span := tracer.Start(ctx, "coverage.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("bucket", req.Target.Bucket),
		attribute.Int("nval", req.NVal),
		attribute.Int("vnodes", len(plan)),
	)

	d.logger.DebugWithContext(ctx, "dispatching coverage scan",
		zap.String("bucket", req.Target.Bucket),
		zap.String("query", req.Query.String()),
		zap.Int("nval", req.NVal),
		zap.Int("vnodes", len(plan)),
	)

	pool := concurrency.NewPool(ctx, d.maxConcurrency)
	for _, v := range plan {
		input := indexscan.Input{
			Target: req.Target,
			Query:  req.Query,
			Filter: v.Filter,
		}
		pool.Go(func(ctx context.Context) error {
			if err := req.Pipeline.Enqueue(ctx, v.Partition, input); err != nil {
				return fmt.Errorf("scanning vnode %d: %w", v.Partition, err)
			}
			return nil
		})
	}

	err := pool.Wait()
	if err != nil {
		span.RecordError(err)
	}
	return err
}
