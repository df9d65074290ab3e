package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/logger"
)

var tracer = otel.Tracer("kvflow/pipeline")

const defaultBufferSize int = 1 << 6

var (
	ErrPipelineClosed = errors.New("pipeline closed")
	ErrNoFittings     = errors.New("pipeline needs at least one fitting")
	ErrInvalidFitting = errors.New("invalid fitting spec")
)

// Sink receives the output of a stage.
type Sink interface {
	// Send delivers one item. It may block to push back on the sender.
	Send(ctx context.Context, item any) error

	// EndOfInput reports that no more items will be sent.
	EndOfInput()
}

// Worker is one instance of a fitting bound to a single partition.
type Worker interface {
	Process(ctx context.Context, input any) error
	Finalize(ctx context.Context) error
}

// FittingSpec describes one stage of a pipeline.
type FittingSpec struct {
	Name string

	// New creates the worker for a partition. out is where the worker sends
	// its results.
	New func(partition ring.Partition, out Sink) (Worker, error)

	// Partition picks the worker for items arriving through the stage's
	// Sink. When nil every such item goes to partition 0.
	Partition func(item any) ring.Partition
}

type Option func(*Config)

// WithSink sets where the last stage sends its output.
func WithSink(s Sink) Option {
	return func(config *Config) {
		config.Sink = s
	}
}

// WithBufferCapacity sets the capacity of each worker's input pipe.
// Must be a power of two.
func WithBufferCapacity(size int) Option {
	return func(config *Config) {
		config.BufferCapacity = size
	}
}

func WithLogger(l logger.Logger) Option {
	return func(config *Config) {
		config.Logger = l
	}
}

type Config struct {
	Sink           Sink
	BufferCapacity int
	Logger         logger.Logger
}

func DefaultConfig() Config {
	return Config{
		Sink:           Discard,
		BufferCapacity: defaultBufferSize,
		Logger:         logger.NewNoopLogger(),
	}
}

func (config *Config) Validate() error {
	if config.BufferCapacity <= 0 || config.BufferCapacity&(config.BufferCapacity-1) != 0 {
		return fmt.Errorf("buffer capacity %d must be a power of two", config.BufferCapacity)
	}
	if config.Sink == nil {
		return errors.New("sink must not be nil")
	}
	return nil
}

// Pipeline is a running linear pipeline. It is safe for concurrent use.
type Pipeline struct {
	stages []*stage
	sink   Sink
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
}

// Build starts a pipeline made of specs, in order. Workers live until
// EndOfInput or Destroy is called, or ctx is cancelled.
func Build(ctx context.Context, specs []FittingSpec, options ...Option) (*Pipeline, error) {
	if len(specs) == 0 {
		return nil, ErrNoFittings
	}

	config := DefaultConfig()
	for _, o := range options {
		o(&config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	for i, spec := range specs {
		if spec.New == nil {
			return nil, fmt.Errorf("%w: stage %d (%q) has no constructor", ErrInvalidFitting, i, spec.Name)
		}
	}

	var pl Pipeline
	pl.sink = config.Sink
	pl.logger = config.Logger
	pl.ctx, pl.cancel = context.WithCancel(ctx)

	pl.stages = make([]*stage, len(specs))
	for i := len(specs) - 1; i >= 0; i-- {
		var out Sink = config.Sink
		if i < len(specs)-1 {
			out = &stageSink{pl.stages[i+1]}
		}
		pl.stages[i] = newStage(pl.ctx, specs[i], out, config.BufferCapacity, config.Logger)
	}
	pl.stages[0].owner = &pl

	return &pl, nil
}

// Enqueue hands input to the first stage's worker for partition and waits
// until that worker has processed it. The returned error is the one
// reported by the worker.
func (pl *Pipeline) Enqueue(ctx context.Context, partition ring.Partition, input any) error {
	ack := make(chan error, 1)
	if err := pl.stages[0].push(ctx, partition, job{input: input, ack: ack}); err != nil {
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-pl.ctx.Done():
		select {
		case err := <-ack:
			return err
		default:
			return ErrPipelineClosed
		}
	}
}

// Entry exposes the first stage so that other pipelines can feed this one.
// Calling EndOfInput on it ends this pipeline's input.
func (pl *Pipeline) Entry() Sink {
	return &stageSink{pl.stages[0]}
}

// Done is closed once the pipeline has ended.
func (pl *Pipeline) Done() <-chan struct{} {
	return pl.ctx.Done()
}

// EndOfInput drains and finalizes every stage in order, then forwards
// end-of-input to the sink. Finalize errors are joined and returned.
func (pl *Pipeline) EndOfInput() error {
	var err error
	pl.once.Do(func() {
		ctx, span := tracer.Start(pl.ctx, "pipeline.EndOfInput")
		defer span.End()

		var errs []error
		for _, s := range pl.stages {
			errs = append(errs, s.drain(ctx)...)
		}
		pl.sink.EndOfInput()
		pl.cancel()

		err = errors.Join(errs...)
		if err != nil {
			pl.logger.WarnWithContext(ctx, "pipeline finalize failed", zap.Error(err))
		}
	})
	return err
}

// Destroy stops every worker without finalizing it. The sink is not
// notified.
func (pl *Pipeline) Destroy() {
	pl.once.Do(func() {
		pl.cancel()
		for _, s := range pl.stages {
			s.stop()
		}
	})
}
