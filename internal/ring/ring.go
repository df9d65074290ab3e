// Package ring maps objects to partitions and partitions to the vnodes that
// hold their replicas.
//
// The ring has a fixed number of partitions. An object's primary partition
// is chosen by hashing its bucket and key; with a replication factor of n the
// object is stored on the vnodes p, p+1, ..., p+n-1 (modulo the ring size).
// Equivalently, vnode v holds the data of primary partitions v-n+1 ... v.
package ring

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var ErrInvalidRingSize = errors.New("ring must have at least one partition")

// Partition identifies both a slice of the key space and the vnode that
// primarily owns it.
type Partition uint32

type Ring struct {
	size uint32
}

func New(partitions int) (Ring, error) {
	if partitions < 1 {
		return Ring{}, ErrInvalidRingSize
	}
	return Ring{size: uint32(partitions)}, nil
}

// Size returns the number of partitions.
func (r Ring) Size() int {
	return int(r.size)
}

func (r Ring) Partitions() []Partition {
	partitions := make([]Partition, r.size)
	for i := range partitions {
		partitions[i] = Partition(i)
	}
	return partitions
}

func (r Ring) Contains(p Partition) bool {
	return uint32(p) < r.size
}

// PartitionFor returns the primary partition of bucket/key.
func (r Ring) PartitionFor(bucket, key string) Partition {
	h := xxhash.New()
	_, _ = h.WriteString(bucket)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(key)
	return Partition(h.Sum64() % uint64(r.size))
}

// Replicas returns the vnodes that store the data of primary partition p.
func (r Ring) Replicas(p Partition, nval int) ([]Partition, error) {
	if err := r.checkNVal(nval); err != nil {
		return nil, err
	}

	replicas := make([]Partition, nval)
	for i := range replicas {
		replicas[i] = r.Add(p, i)
	}
	return replicas, nil
}

// Holds returns the primary partitions whose data vnode v stores.
func (r Ring) Holds(v Partition, nval int) ([]Partition, error) {
	if err := r.checkNVal(nval); err != nil {
		return nil, err
	}

	held := make([]Partition, nval)
	for i := range held {
		held[i] = r.Add(v, -(nval - 1 - i))
	}
	return held, nil
}

// Add moves delta positions around the ring from p.
func (r Ring) Add(p Partition, delta int) Partition {
	size := int64(r.size)
	return Partition(((int64(p)+int64(delta))%size + size) % size)
}

func (r Ring) checkNVal(nval int) error {
	if nval < 1 || nval > int(r.size) {
		return fmt.Errorf("%w: %d out of range [1, %d]", ErrInvalidNVal, nval, r.size)
	}
	return nil
}
