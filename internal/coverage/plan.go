package coverage

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kvflow/kvflow/internal/ring"
)

// Vnode is one scan target of a coverage plan. A nil Filter means every
// partition the vnode holds is wanted.
type Vnode struct {
	Partition ring.Partition
	Filter    *roaring.Bitmap
}

// Plan returns a minimal set of vnodes that together hold every primary
// partition exactly once when each partition is replicated nval times.
//
// Vnode v holds primaries v-nval+1..v, so stepping through the ring by nval
// covers it. When nval does not divide the ring size the last vnode would
// overlap the first one and is filtered down to the primaries nobody else
// covers.
func Plan(r ring.Ring, nval int) ([]Vnode, error) {
	if _, err := r.Holds(0, nval); err != nil {
		return nil, err
	}

	size := r.Size()
	count := (size + nval - 1) / nval

	plan := make([]Vnode, 0, count)
	for i := range count {
		first := i * nval
		v := first + nval - 1
		if v < size {
			plan = append(plan, Vnode{Partition: ring.Partition(v)})
			continue
		}

		filter := roaring.New()
		filter.AddRange(uint64(first), uint64(size))
		plan = append(plan, Vnode{
			Partition: ring.Partition(size - 1),
			Filter:    filter,
		})
	}
	return plan, nil
}
