//go:generate mockgen -source storage.go -destination ../../internal/mocks/mock_storage.go -package mocks Scanner

// Package storage defines the contract between index scans and the storage
// layer that answers them.
package storage

import (
	"context"
	"errors"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kvflow/kvflow/internal/correlation"
	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/query"
)

const DefaultBatchSize = 100

var (
	ErrOverloaded       = errors.New("storage node is not accepting scans")
	ErrUnknownPartition = errors.New("partition is not hosted by this node")
	ErrClosed           = errors.New("storage node is closed")
)

// Tag classifies a scan reply.
type Tag uint8

const (
	TagData Tag = iota + 1
	TagDone
	TagError
)

func (t Tag) String() string {
	switch t {
	case TagData:
		return "data"
	case TagDone:
		return "done"
	case TagError:
		return "error"
	default:
		return "unknown"
	}
}

// Reply is one asynchronous answer to a scan. A scan produces zero or more
// TagData replies followed by exactly one TagDone, or a single TagError.
type Reply struct {
	Tag    Tag
	Bucket string
	Keys   []string
	Err    error
}

// ScanRequest asks one vnode for the keys matching Query.
type ScanRequest struct {
	Partition ring.Partition
	Target    query.Target
	Query     query.Query

	// Filter restricts the scan to data whose primary partition is in the
	// set. Nil or empty scans everything the vnode holds.
	Filter *roaring.Bitmap

	// BatchSize caps the number of keys in a single TagData reply.
	BatchSize int

	ReplyTo correlation.ReplyTarget[Reply]
}

// Scanner starts index scans. Scan returns once the scan has been accepted or
// refused; results arrive on req.ReplyTo.
type Scanner interface {
	Scan(ctx context.Context, req ScanRequest) error
}

// FilterAccepts reports whether data owned by primary partition p passes the
// partition filter.
func FilterAccepts(filter *roaring.Bitmap, p ring.Partition) bool {
	if filter == nil || filter.IsEmpty() {
		return true
	}
	return filter.Contains(uint32(p))
}
