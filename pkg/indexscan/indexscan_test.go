package indexscan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/kvflow/kvflow/internal/correlation"
	"github.com/kvflow/kvflow/internal/mocks"
	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/pipeline"
	"github.com/kvflow/kvflow/pkg/query"
	"github.com/kvflow/kvflow/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var redQuery = Input{
	Target: query.Target{Bucket: "cars"},
	Query:  query.Equality{Index: "color", Value: "red"},
}

// replying answers every scan with replies, sent asynchronously.
func replying(replies ...storage.Reply) func(context.Context, storage.ScanRequest) error {
	return func(ctx context.Context, req storage.ScanRequest) error {
		go func() {
			for _, r := range replies {
				if !req.ReplyTo.Send(context.Background(), r) {
					return
				}
			}
		}()
		return nil
	}
}

func records(items []any) []Record {
	out := make([]Record, 0, len(items))
	for _, item := range items {
		out = append(out, item.(Record))
	}
	return out
}

func TestProcess(t *testing.T) {
	t.Run("equality_single_batch", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		scanner := mocks.NewMockScanner(ctrl)

		scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, req storage.ScanRequest) error {
				require.Equal(t, ring.Partition(7), req.Partition)
				require.Equal(t, "cars", req.Target.Bucket)
				require.Equal(t, query.Equality{Index: "color", Value: "red"}, req.Query)
				require.Equal(t, storage.DefaultBatchSize, req.BatchSize)
				require.Nil(t, req.Filter)
				return replying(
					storage.Reply{Tag: storage.TagData, Bucket: "cars", Keys: []string{"k1", "k2"}},
					storage.Reply{Tag: storage.TagDone},
				)(ctx, req)
			},
		)

		sink := pipeline.NewCollector()
		state, err := New(scanner).Init(7, sink)
		require.NoError(t, err)
		require.Equal(t, ring.Partition(7), state.Partition())

		require.NoError(t, state.Process(context.Background(), redQuery))
		require.NoError(t, state.Finalize(context.Background()))

		want := []Record{{"cars", "k1"}, {"cars", "k2"}}
		if diff := cmp.Diff(want, records(sink.Items())); diff != "" {
			t.Errorf("records mismatch (-want +got):\n%s", diff)
		}
		require.Equal(t, 0, sink.Ended())
	})

	t.Run("fifo_across_batches", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		scanner := mocks.NewMockScanner(ctrl)
		scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).DoAndReturn(replying(
			storage.Reply{Tag: storage.TagData, Bucket: "cars", Keys: []string{"z", "a"}},
			storage.Reply{Tag: storage.TagData, Bucket: "cars", Keys: []string{"m"}},
			storage.Reply{Tag: storage.TagData, Bucket: "cars"},
			storage.Reply{Tag: storage.TagData, Bucket: "cars", Keys: []string{"b"}},
			storage.Reply{Tag: storage.TagDone},
		))

		sink := pipeline.NewCollector()
		state, err := New(scanner, WithBatchSize(2)).Init(0, sink)
		require.NoError(t, err)
		require.NoError(t, state.Process(context.Background(), redQuery))

		want := []Record{{"cars", "z"}, {"cars", "a"}, {"cars", "m"}, {"cars", "b"}}
		require.Equal(t, want, records(sink.Items()))
	})

	t.Run("empty_result", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		scanner := mocks.NewMockScanner(ctrl)
		scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).DoAndReturn(replying(
			storage.Reply{Tag: storage.TagDone},
		))

		sink := pipeline.NewCollector()
		state, err := New(scanner).Init(0, sink)
		require.NoError(t, err)
		require.NoError(t, state.Process(context.Background(), redQuery))
		require.Empty(t, sink.Items())
	})

	t.Run("coverage_filter_is_forwarded", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		scanner := mocks.NewMockScanner(ctrl)

		filter := roaring.BitmapOf(3, 4)
		scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, req storage.ScanRequest) error {
				require.True(t, req.Filter.Equals(filter))
				return replying(storage.Reply{Tag: storage.TagDone})(ctx, req)
			},
		)

		in := redQuery
		in.Filter = filter
		require.True(t, in.Coverage())

		state, err := New(scanner).Init(4, pipeline.NewCollector())
		require.NoError(t, err)
		require.NoError(t, state.Process(context.Background(), in))
	})

	t.Run("dispatch_failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		scanner := mocks.NewMockScanner(ctrl)
		scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).Return(storage.ErrOverloaded)

		router := correlation.NewRouter[storage.Reply](correlation.DefaultMailboxCapacity)
		state, err := New(scanner, WithRouter(router)).Init(2, pipeline.NewCollector())
		require.NoError(t, err)

		err = state.Process(context.Background(), redQuery)

		var dispatchErr *DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		require.Equal(t, ring.Partition(2), dispatchErr.Partition)
		require.ErrorIs(t, err, storage.ErrOverloaded)
		require.Equal(t, 0, router.Outstanding())
	})

	t.Run("error_reply", func(t *testing.T) {
		boom := errors.New("disk on fire")
		ctrl := gomock.NewController(t)
		scanner := mocks.NewMockScanner(ctrl)
		scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).DoAndReturn(replying(
			storage.Reply{Tag: storage.TagData, Bucket: "cars", Keys: []string{"k1"}},
			storage.Reply{Tag: storage.TagError, Err: boom},
		))

		sink := pipeline.NewCollector()
		state, err := New(scanner).Init(0, sink)
		require.NoError(t, err)

		require.ErrorIs(t, state.Process(context.Background(), redQuery), boom)
		require.Equal(t, []Record{{"cars", "k1"}}, records(sink.Items()))
	})

	t.Run("cancelled_while_waiting", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		scanner := mocks.NewMockScanner(ctrl)
		scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).Return(nil)

		router := correlation.NewRouter[storage.Reply](correlation.DefaultMailboxCapacity)
		state, err := New(scanner, WithRouter(router)).Init(0, pipeline.NewCollector())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		require.ErrorIs(t, state.Process(ctx, redQuery), context.DeadlineExceeded)
		require.Equal(t, 0, router.Outstanding())
	})

	t.Run("invalid_input", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		scanner := mocks.NewMockScanner(ctrl)

		state, err := New(scanner).Init(0, pipeline.NewCollector())
		require.NoError(t, err)

		require.ErrorIs(t, state.Process(context.Background(), "not an input"), ErrInvalidInput)
		require.ErrorIs(t, state.Process(context.Background(), Input{Target: query.Target{Bucket: "b"}}), ErrInvalidInput)
		require.ErrorIs(t, state.Process(context.Background(), Input{
			Target: query.Target{Bucket: "b"},
			Query:  query.Equality{},
		}), query.ErrInvalidQuery)
	})
}

func TestLateRepliesAreDropped(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)

	var target correlation.ReplyTarget[storage.Reply]
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req storage.ScanRequest) error {
			target = req.ReplyTo
			return replying(storage.Reply{Tag: storage.TagDone})(ctx, req)
		},
	)

	state, err := New(scanner).Init(0, pipeline.NewCollector())
	require.NoError(t, err)
	require.NoError(t, state.Process(context.Background(), redQuery))

	require.False(t, target.Send(context.Background(), storage.Reply{Tag: storage.TagData, Keys: []string{"late"}}))
}

func TestInPipeline(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req storage.ScanRequest) error {
			key := "p" + string(rune('0'+req.Partition))
			return replying(
				storage.Reply{Tag: storage.TagData, Bucket: "cars", Keys: []string{key}},
				storage.Reply{Tag: storage.TagDone},
			)(ctx, req)
		},
	).Times(3)

	sink := pipeline.NewCollector()
	pl, err := pipeline.Build(context.Background(), []pipeline.FittingSpec{New(scanner).Spec()}, pipeline.WithSink(sink))
	require.NoError(t, err)

	for _, p := range []ring.Partition{1, 2, 3} {
		require.NoError(t, pl.Enqueue(context.Background(), p, redQuery))
	}
	require.NoError(t, pl.EndOfInput())

	require.Equal(t, []Record{{"cars", "p1"}, {"cars", "p2"}, {"cars", "p3"}}, records(sink.Items()))
	require.Equal(t, 1, sink.Ended())
}
