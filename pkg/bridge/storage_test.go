package bridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvflow/kvflow/internal/coverage"
	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/query"
	"github.com/kvflow/kvflow/pkg/storage/pebblekv"
)

func TestQueueExistingPipeOverPebble(t *testing.T) {
	r, err := ring.New(9)
	require.NoError(t, err)

	nvals, err := ring.NewStaticNVals(3, nil)
	require.NoError(t, err)

	node, err := pebblekv.New(r, nvals)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, node.Close())
	})

	ctx := context.Background()
	ages := map[string]int{}
	for i := range 40 {
		key := fmt.Sprintf("person-%02d", i)
		age := 10 + i
		ages[key] = age
		require.NoError(t, node.Put(ctx, "people", key, map[string]string{
			"age_int": fmt.Sprint(age),
			"team":    []string{"red", "blue"}[i%2],
		}))
	}

	b := New(node, coverage.NewDispatcher(r), nvals, WithBatchSize(3))

	t.Run("range", func(t *testing.T) {
		downstream, sink := newDownstream(t)
		require.NoError(t, b.QueueExistingPipe(ctx, downstream, people, ageRange, 5*time.Second))

		var want []string
		for key, age := range ages {
			if age >= 18 && age <= 30 {
				want = append(want, key)
			}
		}
		require.ElementsMatch(t, want, keysOf(sink.Items()))
		require.Len(t, sink.Items(), 13)
		require.Equal(t, 1, sink.Ended())
	})

	t.Run("equality_with_key_filter", func(t *testing.T) {
		filter, err := query.ParseKeyFilter("ends_with:5")
		require.NoError(t, err)

		downstream, sink := newDownstream(t)
		target := query.Target{Bucket: "people", Filters: []query.KeyFilter{filter}}
		require.NoError(t, b.QueueExistingPipe(ctx, downstream, target, query.Equality{Index: "team", Value: "blue"}, 5*time.Second))

		require.Equal(t, []string{"person-05", "person-15", "person-25", "person-35"}, keysOf(sink.Items()))
		require.Equal(t, 1, sink.Ended())
	})

	t.Run("other_bucket_is_empty", func(t *testing.T) {
		downstream, sink := newDownstream(t)
		require.NoError(t, b.QueueExistingPipe(ctx, downstream, query.Target{Bucket: "pets"}, ageRange, 5*time.Second))
		require.Empty(t, sink.Items())
		require.Equal(t, 1, sink.Ended())
	})
}
