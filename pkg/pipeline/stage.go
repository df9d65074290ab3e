package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kvflow/kvflow/internal/pipe"
	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/logger"
)

type job struct {
	input any
	ack   chan<- error
}

type worker struct {
	partition ring.Partition
	fitting   Worker
	inputs    *pipe.Pipe[job]
}

func (w *worker) run(ctx context.Context, s *stage) {
	var j job
	for w.inputs.RecvContext(ctx, &j) {
		err := w.fitting.Process(ctx, j.input)
		if j.ack != nil {
			j.ack <- err
		} else if err != nil {
			s.logger.WarnWithContext(ctx, "fitting failed to process input",
				zap.String("fitting", s.spec.Name),
				zap.Uint32("partition", uint32(w.partition)),
				zap.Error(err),
			)
		}
		j = job{}
	}
}

type stage struct {
	spec     FittingSpec
	out      Sink
	capacity int
	logger   logger.Logger
	ctx      context.Context

	// owner is set on the entry stage so end-of-input arriving through its
	// sink ends the whole pipeline.
	owner *Pipeline

	mu      sync.Mutex
	closed  bool
	workers map[ring.Partition]*worker
	wg      sync.WaitGroup
}

func newStage(ctx context.Context, spec FittingSpec, out Sink, capacity int, l logger.Logger) *stage {
	return &stage{
		spec:     spec,
		out:      out,
		capacity: capacity,
		logger:   l,
		ctx:      ctx,
		workers:  make(map[ring.Partition]*worker),
	}
}

func (s *stage) worker(partition ring.Partition) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrPipelineClosed
	}

	if w, ok := s.workers[partition]; ok {
		return w, nil
	}

	fitting, err := s.spec.New(partition, s.out)
	if err != nil {
		return nil, err
	}

	w := &worker{
		partition: partition,
		fitting:   fitting,
		inputs:    pipe.Must[job](s.capacity),
	}
	s.workers[partition] = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(s.ctx, s)
	}()

	return w, nil
}

func (s *stage) push(ctx context.Context, partition ring.Partition, j job) error {
	w, err := s.worker(partition)
	if err != nil {
		return err
	}

	if !w.inputs.SendContext(ctx, j) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPipelineClosed
	}
	return nil
}

func (s *stage) close() []*worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		w.inputs.Close()
		workers = append(workers, w)
	}
	return workers
}

// drain closes the stage for input, waits for buffered inputs to be
// processed and finalizes each worker.
func (s *stage) drain(ctx context.Context) []error {
	workers := s.close()
	s.wg.Wait()

	var errs []error
	for _, w := range workers {
		if err := w.fitting.Finalize(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (s *stage) stop() {
	s.close()
	s.wg.Wait()
}

// stageSink lets a stage receive items from an upstream sender.
type stageSink struct {
	s *stage
}

func (ss *stageSink) Send(ctx context.Context, item any) error {
	var partition ring.Partition
	if ss.s.spec.Partition != nil {
		partition = ss.s.spec.Partition(item)
	}
	return ss.s.push(ctx, partition, job{input: item})
}

// EndOfInput ends the owning pipeline when this is its entry stage.
// Inner stages are ended by the pipeline itself.
func (ss *stageSink) EndOfInput() {
	if ss.s.owner != nil {
		_ = ss.s.owner.EndOfInput()
	}
}
