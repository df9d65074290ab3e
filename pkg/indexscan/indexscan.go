// Package indexscan implements the pipeline fitting that turns a secondary
// index query into a stream of records.
//
// One worker runs per partition. For every input it issues a single scan to
// the storage layer for its own partition, then waits for the correlated
// replies and forwards each key downstream the moment it arrives. Keys are
// never accumulated and never reordered.
package indexscan

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kvflow/kvflow/internal/correlation"
	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/logger"
	"github.com/kvflow/kvflow/pkg/pipeline"
	"github.com/kvflow/kvflow/pkg/query"
	"github.com/kvflow/kvflow/pkg/storage"
)

const FittingName = "index_scan"

var tracer = otel.Tracer("kvflow/indexscan")

var (
	keysEmittedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvflow",
		Subsystem: "indexscan",
		Name:      "keys_emitted_total",
		Help:      "The total number of keys forwarded downstream by index scan workers.",
	})

	scansCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvflow",
		Subsystem: "indexscan",
		Name:      "scans_total",
		Help:      "The total number of index scans run by index scan workers, by result.",
	}, []string{"result"})
)

var (
	ErrInvalidInput = errors.New("invalid index scan input")

	// ErrScanAborted is returned when the reply stream ends before the
	// storage layer reported completion.
	ErrScanAborted = errors.New("index scan ended without completion")
)

// DispatchError reports that the scan could not be issued to the storage
// layer. No replies are awaited when it is returned.
type DispatchError struct {
	Partition ring.Partition
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching index scan to partition %d: %v", e.Partition, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Input is one scan job. A nil or empty Filter scans everything the
// partition holds; otherwise only data whose primary partition is in Filter
// is returned.
type Input struct {
	Target query.Target
	Query  query.Query
	Filter *roaring.Bitmap
}

// Coverage reports whether the input carries a partition filter.
func (in Input) Coverage() bool {
	return in.Filter != nil && !in.Filter.IsEmpty()
}

func (in Input) Validate() error {
	if in.Query == nil {
		return fmt.Errorf("%w: missing query", ErrInvalidInput)
	}
	if err := in.Query.Validate(); err != nil {
		return err
	}
	return in.Target.Validate()
}

// Record is what the fitting emits for every matching key.
type Record struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type Option func(*Fitting)

// WithBatchSize caps the number of keys the storage layer sends per reply.
func WithBatchSize(size int) Option {
	return func(f *Fitting) {
		f.batchSize = size
	}
}

func WithLogger(l logger.Logger) Option {
	return func(f *Fitting) {
		f.logger = l
	}
}

// WithRouter shares a reply router between fittings.
func WithRouter(r *correlation.Router[storage.Reply]) Option {
	return func(f *Fitting) {
		f.router = r
	}
}

// Fitting creates index scan workers.
type Fitting struct {
	scanner   storage.Scanner
	router    *correlation.Router[storage.Reply]
	batchSize int
	logger    logger.Logger
}

func New(scanner storage.Scanner, opts ...Option) *Fitting {
	f := &Fitting{
		scanner:   scanner,
		batchSize: storage.DefaultBatchSize,
		logger:    logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.router == nil {
		f.router = correlation.NewRouter[storage.Reply](correlation.DefaultMailboxCapacity)
	}
	return f
}

// Spec returns the pipeline description of the fitting.
func (f *Fitting) Spec() pipeline.FittingSpec {
	return pipeline.FittingSpec{
		Name: FittingName,
		New: func(p ring.Partition, out pipeline.Sink) (pipeline.Worker, error) {
			return f.Init(p, out)
		},
	}
}

// Init binds a worker to its partition and downstream sink. It does no I/O.
func (f *Fitting) Init(p ring.Partition, out pipeline.Sink) (*State, error) {
	if out == nil {
		return nil, errors.New("index scan worker needs a sink")
	}
	return &State{
		fitting:   f,
		partition: p,
		out:       out,
	}, nil
}

// State is a worker bound to one partition.
type State struct {
	fitting   *Fitting
	partition ring.Partition
	out       pipeline.Sink
}

var _ pipeline.Worker = (*State)(nil)

func (s *State) Partition() ring.Partition {
	return s.partition
}

// Process runs one scan to completion. input must be an Input.
func (s *State) Process(ctx context.Context, input any) (err error) {
	in, ok := input.(Input)
	if !ok {
		return fmt.Errorf("%w: unexpected type %T", ErrInvalidInput, input)
	}
	if err := in.Validate(); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "indexscan.Process")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("partition", int64(s.partition)),
		attribute.String("bucket", in.Target.Bucket),
		attribute.String("query", in.Query.String()),
		attribute.Bool("coverage", in.Coverage()),
	)

	var emitted int
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		scansCounter.WithLabelValues(result).Inc()
		span.SetAttributes(attribute.Int("keys", emitted))
	}()

	f := s.fitting
	mb, err := f.router.Register()
	if err != nil {
		return &DispatchError{Partition: s.partition, Err: err}
	}
	defer f.router.Unregister(mb.ID())

	req := storage.ScanRequest{
		Partition: s.partition,
		Target:    in.Target,
		Query:     in.Query,
		Filter:    in.Filter,
		BatchSize: f.batchSize,
		ReplyTo:   mb.Target(),
	}
	if err := f.scanner.Scan(ctx, req); err != nil {
		return &DispatchError{Partition: s.partition, Err: err}
	}

	var env correlation.Envelope[storage.Reply]
	for mb.Recv(ctx, &env) {
		reply := env.Msg
		switch reply.Tag {
		case storage.TagData:
			for _, key := range reply.Keys {
				if err := s.out.Send(ctx, Record{Bucket: reply.Bucket, Key: key}); err != nil {
					return err
				}
				emitted++
				keysEmittedCounter.Inc()
			}
		case storage.TagDone:
			f.logger.DebugWithContext(ctx, "index scan complete",
				zap.String("correlation_id", string(mb.ID())),
				zap.Uint32("partition", uint32(s.partition)),
				zap.String("bucket", in.Target.Bucket),
				zap.Int("keys", emitted),
			)
			return nil
		case storage.TagError:
			if reply.Err == nil {
				return fmt.Errorf("index scan on partition %d failed", s.partition)
			}
			return reply.Err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrScanAborted
}

// Finalize has nothing to release.
func (s *State) Finalize(context.Context) error {
	return nil
}
