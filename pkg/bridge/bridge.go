// Package bridge feeds the results of a coverage index scan into an
// existing pipeline.
//
// For every call the Bridge builds a throwaway single-stage pipeline of
// index scan workers whose output is the downstream pipeline's entry stage,
// starts a coverage dispatch over it and waits for the dispatch to finish.
// On success the throwaway pipeline is drained and end-of-input is forwarded
// downstream. On any failure it is destroyed and the downstream pipeline is
// left untouched.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kvflow/kvflow/internal/correlation"
	"github.com/kvflow/kvflow/internal/coverage"
	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/indexscan"
	"github.com/kvflow/kvflow/pkg/logger"
	"github.com/kvflow/kvflow/pkg/pipeline"
	"github.com/kvflow/kvflow/pkg/query"
	"github.com/kvflow/kvflow/pkg/storage"
)

var tracer = otel.Tracer("kvflow/bridge")

const (
	outcomeOK                 = "ok"
	outcomeTimeout            = "timeout"
	outcomeCoverageError      = "coverage_error"
	outcomeCancelled          = "cancelled"
	outcomeConstructionFailed = "construction_failed"
	outcomeInvalid            = "invalid"
)

var (
	callsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvflow",
		Subsystem: "bridge",
		Name:      "calls_total",
		Help:      "The total number of index scans queued into existing pipelines, by outcome.",
	}, []string{"outcome"})

	callDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       "kvflow",
		Subsystem:                       "bridge",
		Name:                            "call_duration_seconds",
		Help:                            "The time taken to queue an index scan into an existing pipeline, by outcome.",
		Buckets:                         []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"outcome"})
)

var (
	ErrConstructionFailed = errors.New("failed to build index scan pipeline")
	ErrTimeout            = errors.New("index scan timed out")
	ErrInvalidTimeout     = errors.New("timeout must be greater than zero")
	ErrNoDownstream       = errors.New("downstream pipeline is required")
)

// DefaultExitGracePeriod bounds how long a finished call waits for the
// coverage dispatcher to exit after it was told to stop.
const DefaultExitGracePeriod = 100 * time.Millisecond

// CoverageError reports that the coverage dispatch failed or exited without
// completing.
type CoverageError struct {
	Reason error
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("coverage scan failed: %v", e.Reason)
}

func (e *CoverageError) Unwrap() error {
	return e.Reason
}

// Downstream is a running pipeline that accepts input through its entry
// stage.
type Downstream interface {
	Entry() pipeline.Sink
}

type Option func(*Bridge)

// WithBatchSize caps the number of keys per storage reply.
func WithBatchSize(size int) Option {
	return func(b *Bridge) {
		b.batchSize = size
	}
}

// WithBufferCapacity sets the input capacity of throwaway pipeline workers.
// Must be a power of two.
func WithBufferCapacity(size int) Option {
	return func(b *Bridge) {
		b.bufferCapacity = size
	}
}

// WithExitGracePeriod bounds the wait for the coverage dispatcher to exit
// once a call has its outcome. A dispatcher still running afterwards is left
// behind and its replies are dropped.
func WithExitGracePeriod(d time.Duration) Option {
	return func(b *Bridge) {
		b.exitGracePeriod = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// Bridge queues index scan results into existing pipelines. It is safe for
// concurrent use.
type Bridge struct {
	scanner    storage.Scanner
	dispatcher coverage.Dispatcher
	nvals      ring.NValLookup

	replies     *correlation.Router[coverage.Reply]
	scanReplies *correlation.Router[storage.Reply]

	batchSize      int
	bufferCapacity  int
	exitGracePeriod time.Duration
	logger          logger.Logger
}

func New(scanner storage.Scanner, dispatcher coverage.Dispatcher, nvals ring.NValLookup, opts ...Option) *Bridge {
	b := &Bridge{
		scanner:         scanner,
		dispatcher:      dispatcher,
		nvals:           nvals,
		replies:         correlation.NewRouter[coverage.Reply](1),
		scanReplies:     correlation.NewRouter[storage.Reply](correlation.DefaultMailboxCapacity),
		batchSize:       storage.DefaultBatchSize,
		bufferCapacity:  pipeline.DefaultConfig().BufferCapacity,
		exitGracePeriod: DefaultExitGracePeriod,
		logger:          logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// QueueExistingPipe streams every key of bucket matching q into downstream
// and returns once the scan is complete, failed or timed out.
//
// On success end-of-input has been forwarded to downstream's entry stage.
// On error nothing but the keys already emitted reaches downstream.
// The returned error is ErrConstructionFailed, ErrTimeout, a *CoverageError,
// or the cancellation cause of ctx.
func (b *Bridge) QueueExistingPipe(
	ctx context.Context,
	downstream Downstream,
	target query.Target,
	q query.Query,
	timeout time.Duration,
) (err error) {
	start := time.Now()
	outcome := outcomeOK

	ctx, span := tracer.Start(ctx, "bridge.QueueExistingPipe")
	defer span.End()
	span.SetAttributes(
		attribute.String("bucket", target.Bucket),
		attribute.Stringer("timeout", timeout),
	)
	if q != nil {
		span.SetAttributes(attribute.String("query", q.String()))
	}

	defer func() {
		callsCounter.WithLabelValues(outcome).Inc()
		callDurationHistogram.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("outcome", outcome))

		fields := []zap.Field{
			zap.String("bucket", target.Bucket),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.logger.InfoWithContext(ctx, "index scan failed", append(fields, zap.Error(err))...)
			return
		}
		b.logger.InfoWithContext(ctx, "index scan complete", fields...)
	}()

	if err := validate(downstream, target, q, timeout); err != nil {
		outcome = outcomeInvalid
		return err
	}

	fitting := indexscan.New(b.scanner,
		indexscan.WithRouter(b.scanReplies),
		indexscan.WithBatchSize(b.batchSize),
		indexscan.WithLogger(b.logger),
	)

	throwaway, err := pipeline.Build(ctx, []pipeline.FittingSpec{fitting.Spec()},
		pipeline.WithSink(downstream.Entry()),
		pipeline.WithBufferCapacity(b.bufferCapacity),
		pipeline.WithLogger(b.logger),
	)
	if err != nil {
		outcome = outcomeConstructionFailed
		return fmt.Errorf("%w: %w", ErrConstructionFailed, err)
	}

	nval, err := b.nvals.NVal(ctx, target.Bucket)
	if err != nil {
		throwaway.Destroy()
		outcome = outcomeCoverageError
		return &CoverageError{Reason: fmt.Errorf("looking up n_val of bucket %q: %w", target.Bucket, err)}
	}
	span.SetAttributes(attribute.Int("nval", nval))

	mb, err := b.replies.Register()
	if err != nil {
		throwaway.Destroy()
		outcome = outcomeCoverageError
		return &CoverageError{Reason: err}
	}
	defer b.replies.Unregister(mb.ID())

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()

	handle, err := b.dispatcher.Start(dispatchCtx, mb.Target(), coverage.Request{
		Pipeline: throwaway,
		Target:   target,
		Query:    q,
		NVal:     nval,
	})
	if err != nil {
		throwaway.Destroy()
		outcome = outcomeCoverageError
		return &CoverageError{Reason: err}
	}

	// abort drops the reply mailbox first, so late or duplicate replies fail
	// fast instead of blocking the dispatcher, then tears the throwaway
	// pipeline down and stops the dispatcher.
	abort := func() {
		b.replies.Unregister(mb.ID())
		throwaway.Destroy()
		cancelDispatch()
		b.awaitExit(ctx, handle)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var env correlation.Envelope[coverage.Reply]
	for {
		select {
		case <-mb.Ready():
			if !mb.TryRecv(&env) {
				continue
			}
		case <-handle.Done():
			if !mb.TryRecv(&env) {
				abort()
				if ctx.Err() != nil {
					outcome = outcomeCancelled
					return fmt.Errorf("queueing index scan: %w", ctx.Err())
				}
				reason := handle.Err()
				if reason == nil {
					reason = coverage.ErrDispatcherExited
				}
				outcome = outcomeCoverageError
				return &CoverageError{Reason: reason}
			}
		case <-timer.C:
			abort()
			outcome = outcomeTimeout
			return ErrTimeout
		case <-ctx.Done():
			abort()
			outcome = outcomeCancelled
			return fmt.Errorf("queueing index scan: %w", ctx.Err())
		}

		if env.Msg.Err != nil {
			abort()
			// a cancelled caller makes every pending scan fail
			if ctx.Err() != nil {
				outcome = outcomeCancelled
				return fmt.Errorf("queueing index scan: %w", ctx.Err())
			}
			outcome = outcomeCoverageError
			return &CoverageError{Reason: env.Msg.Err}
		}

		if err := throwaway.EndOfInput(); err != nil {
			b.logger.WarnWithContext(ctx, "finalizing index scan workers", zap.Error(err))
		}
		b.replies.Unregister(mb.ID())
		b.awaitExit(ctx, handle)
		return nil
	}
}

// awaitExit waits at most the exit grace period for the dispatcher to exit.
func (b *Bridge) awaitExit(ctx context.Context, handle *coverage.Handle) {
	timer := time.NewTimer(b.exitGracePeriod)
	defer timer.Stop()

	select {
	case <-handle.Done():
	case <-timer.C:
		b.logger.WarnWithContext(ctx, "coverage dispatcher did not exit in time",
			zap.Duration("grace_period", b.exitGracePeriod),
		)
	}
}

func validate(downstream Downstream, target query.Target, q query.Query, timeout time.Duration) error {
	if downstream == nil {
		return ErrNoDownstream
	}
	if timeout <= 0 {
		return ErrInvalidTimeout
	}
	if q == nil {
		return fmt.Errorf("%w: missing query", query.ErrInvalidQuery)
	}
	if err := q.Validate(); err != nil {
		return err
	}
	return target.Validate()
}
