package ring

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultNVal          = 3
	defaultNValCacheSize = 1024
)

var ErrInvalidNVal = errors.New("invalid n_val")

// NValLookup resolves the replication factor of a bucket.
type NValLookup interface {
	NVal(ctx context.Context, bucket string) (int, error)
}

// StaticNVals answers from a fixed default plus per-bucket overrides.
type StaticNVals struct {
	defaultNVal int
	buckets     map[string]int
}

var _ NValLookup = (*StaticNVals)(nil)

func NewStaticNVals(defaultNVal int, buckets map[string]int) (*StaticNVals, error) {
	if defaultNVal < 1 {
		return nil, ErrInvalidNVal
	}

	overrides := make(map[string]int, len(buckets))
	for bucket, n := range buckets {
		if n < 1 {
			return nil, fmt.Errorf("bucket %q: %w", bucket, ErrInvalidNVal)
		}
		overrides[bucket] = n
	}

	return &StaticNVals{defaultNVal: defaultNVal, buckets: overrides}, nil
}

func (s *StaticNVals) NVal(_ context.Context, bucket string) (int, error) {
	if n, ok := s.buckets[bucket]; ok {
		return n, nil
	}
	return s.defaultNVal, nil
}

// CachedNValLookup remembers the answers of a delegate lookup. Errors are not
// cached.
type CachedNValLookup struct {
	delegate NValLookup
	cache    *lru.Cache[string, int]
}

var _ NValLookup = (*CachedNValLookup)(nil)

type CachedNValLookupOpt func(*cachedNValConfig)

type cachedNValConfig struct {
	size int
}

// WithCacheSize sets the maximum number of buckets kept in the cache.
func WithCacheSize(size int) CachedNValLookupOpt {
	return func(c *cachedNValConfig) {
		c.size = size
	}
}

func NewCachedNValLookup(delegate NValLookup, opts ...CachedNValLookupOpt) (*CachedNValLookup, error) {
	cfg := cachedNValConfig{size: defaultNValCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	cache, err := lru.New[string, int](cfg.size)
	if err != nil {
		return nil, err
	}

	return &CachedNValLookup{delegate: delegate, cache: cache}, nil
}

func (c *CachedNValLookup) NVal(ctx context.Context, bucket string) (int, error) {
	if n, ok := c.cache.Get(bucket); ok {
		return n, nil
	}

	n, err := c.delegate.NVal(ctx, bucket)
	if err != nil {
		return 0, err
	}

	c.cache.Add(bucket, n)
	return n, nil
}
