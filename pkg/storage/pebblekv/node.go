// Package pebblekv is a storage node that keeps one pebble database per
// hosted vnode and answers secondary-index scans against it.
package pebblekv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/logger"
	"github.com/kvflow/kvflow/pkg/query"
	"github.com/kvflow/kvflow/pkg/storage"
)

const defaultMaxConcurrentScans = 64

var (
	scansCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvflow",
		Subsystem: "storage",
		Name:      "scans_total",
		Help:      "The total number of index scans received, labelled by whether they were accepted.",
	}, []string{"result"})

	keysScannedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvflow",
		Subsystem: "storage",
		Name:      "keys_scanned_total",
		Help:      "The total number of keys returned by index scans.",
	})
)

var ErrInvalidObject = errors.New("invalid object")

// objectRecord remembers which index entries an object owns so that they
// can be removed when the object is overwritten or deleted.
type objectRecord struct {
	Partition ring.Partition    `json:"partition"`
	Indexes   map[string]string `json:"indexes"`
}

type NodeOption func(*Node)

// WithDir stores each vnode under dir/<partition>. Without it the node keeps
// everything in memory.
func WithDir(dir string) NodeOption {
	return func(n *Node) {
		n.dir = dir
	}
}

// WithVnodes restricts the node to the given vnodes. By default it hosts the
// whole ring.
func WithVnodes(vnodes ...ring.Partition) NodeOption {
	return func(n *Node) {
		n.vnodes = vnodes
	}
}

// WithMaxConcurrentScans bounds the number of scans streaming at once.
// Scans beyond the bound are refused with storage.ErrOverloaded.
func WithMaxConcurrentScans(limit int) NodeOption {
	return func(n *Node) {
		n.maxScans = limit
	}
}

// WithScanRate limits how many scans per second the node admits. A rate of
// zero disables the limit.
func WithScanRate(perSecond float64, burst int) NodeOption {
	return func(n *Node) {
		if perSecond <= 0 {
			n.limiter = nil
			return
		}
		n.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithLogger(l logger.Logger) NodeOption {
	return func(n *Node) {
		n.logger = l
	}
}

// Node hosts a set of vnodes. It implements storage.Scanner.
type Node struct {
	ring     ring.Ring
	nvals    ring.NValLookup
	dir      string
	vnodes   []ring.Partition
	maxScans int
	limiter  *rate.Limiter
	logger   logger.Logger

	dbs   map[ring.Partition]*pebble.DB
	slots chan struct{}

	// mu guards the lifecycle: scans and writes hold it while touching the
	// databases, Close takes it exclusively.
	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ storage.Scanner = (*Node)(nil)

// New opens the databases of every hosted vnode.
func New(r ring.Ring, nvals ring.NValLookup, opts ...NodeOption) (*Node, error) {
	n := &Node{
		ring:     r,
		nvals:    nvals,
		maxScans: defaultMaxConcurrentScans,
		logger:   logger.NewNoopLogger(),
		dbs:      make(map[ring.Partition]*pebble.DB),
	}

	for _, opt := range opts {
		opt(n)
	}

	if n.maxScans < 1 {
		return nil, fmt.Errorf("max concurrent scans must be greater than zero, got %d", n.maxScans)
	}

	if len(n.vnodes) == 0 {
		n.vnodes = r.Partitions()
	}

	for _, v := range n.vnodes {
		if !r.Contains(v) {
			n.closeDBs()
			return nil, fmt.Errorf("vnode %d: %w", v, storage.ErrUnknownPartition)
		}

		db, err := n.open(v)
		if err != nil {
			n.closeDBs()
			return nil, fmt.Errorf("failed to open vnode %d: %w", v, err)
		}
		n.dbs[v] = db
	}

	n.slots = make(chan struct{}, n.maxScans)
	n.ctx, n.cancel = context.WithCancel(context.Background())

	return n, nil
}

func (n *Node) open(v ring.Partition) (*pebble.DB, error) {
	if n.dir == "" {
		return pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	}
	return pebble.Open(filepath.Join(n.dir, strconv.FormatUint(uint64(v), 10)), &pebble.Options{})
}

func (n *Node) closeDBs() error {
	var errs []error
	for v, db := range n.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vnode %d: %w", v, err))
		}
		delete(n.dbs, v)
	}
	return errors.Join(errs...)
}

// Close stops running scans and closes every database.
func (n *Node) Close() error {
	n.mu.Lock()
	n.cancel()
	n.mu.Unlock()

	n.wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.closeDBs()
}

// IsReady reports whether the node still accepts reads and writes.
func (n *Node) IsReady(context.Context) (bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ctx.Err() == nil, nil
}

// Put stores the index entries of bucket/key on every hosted replica,
// replacing entries from a previous version of the object.
func (n *Node) Put(ctx context.Context, bucket, key string, indexes map[string]string) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("%w: bucket and key are required", ErrInvalidObject)
	}

	encoded := make(map[string][]byte, len(indexes))
	for index, value := range indexes {
		if index == "" {
			return fmt.Errorf("%w: index name is required", ErrInvalidObject)
		}
		v, err := query.EncodeValue(index, value)
		if err != nil {
			return err
		}
		encoded[index] = v
	}

	primary := n.ring.PartitionFor(bucket, key)
	record, err := json.Marshal(objectRecord{Partition: primary, Indexes: indexes})
	if err != nil {
		return err
	}

	return n.applyToReplicas(ctx, bucket, key, func(b *pebble.Batch) error {
		for index, value := range encoded {
			if err := b.Set(indexKey(bucket, index, value, key), encodePartition(primary), nil); err != nil {
				return err
			}
		}
		return b.Set(objectKey(bucket, key), record, nil)
	})
}

// Delete removes bucket/key and its index entries from every hosted replica.
func (n *Node) Delete(ctx context.Context, bucket, key string) error {
	return n.applyToReplicas(ctx, bucket, key, func(b *pebble.Batch) error {
		return b.Delete(objectKey(bucket, key), nil)
	})
}

func (n *Node) applyToReplicas(ctx context.Context, bucket, key string, apply func(*pebble.Batch) error) error {
	nval, err := n.nvals.NVal(ctx, bucket)
	if err != nil {
		return err
	}

	replicas, err := n.ring.Replicas(n.ring.PartitionFor(bucket, key), nval)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ctx.Err() != nil {
		return storage.ErrClosed
	}

	for _, v := range replicas {
		db, ok := n.dbs[v]
		if !ok {
			continue
		}

		b := db.NewBatch()
		if err := n.removeStale(db, b, bucket, key); err != nil {
			b.Close()
			return err
		}
		if err := apply(b); err != nil {
			b.Close()
			return err
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("vnode %d: %w", v, err)
		}
	}
	return nil
}

func (n *Node) removeStale(db *pebble.DB, b *pebble.Batch, bucket, key string) error {
	value, closer, err := db.Get(objectKey(bucket, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	var previous objectRecord
	if err := json.Unmarshal(value, &previous); err != nil {
		return err
	}

	for index, value := range previous.Indexes {
		v, err := query.EncodeValue(index, value)
		if err != nil {
			return err
		}
		if err := b.Delete(indexKey(bucket, index, v, key), nil); err != nil {
			return err
		}
	}
	return nil
}

// Scan starts streaming the keys matching req to req.ReplyTo.
func (n *Node) Scan(ctx context.Context, req storage.ScanRequest) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.ctx.Err() != nil {
		return storage.ErrClosed
	}

	db, ok := n.dbs[req.Partition]
	if !ok {
		return fmt.Errorf("vnode %d: %w", req.Partition, storage.ErrUnknownPartition)
	}

	if req.Query == nil {
		return fmt.Errorf("%w: missing query", query.ErrInvalidQuery)
	}

	start, end, err := req.Query.Bounds()
	if err != nil {
		return err
	}

	select {
	case n.slots <- struct{}{}:
	default:
		scansCounter.WithLabelValues("rejected").Inc()
		return storage.ErrOverloaded
	}

	if n.limiter != nil && !n.limiter.Allow() {
		<-n.slots
		scansCounter.WithLabelValues("rejected").Inc()
		return storage.ErrOverloaded
	}

	bucket, index := req.Target.Bucket, req.Query.IndexName()
	lower, upper := indexBounds(bucket, index, start, end)

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		<-n.slots
		return err
	}

	scansCounter.WithLabelValues("accepted").Inc()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() { <-n.slots }()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(n.ctx, cancel)
		defer stop()

		n.stream(ctx, iter, len(indexPrefix(bucket, index)), req)
	}()

	return nil
}

func (n *Node) stream(ctx context.Context, iter *pebble.Iterator, prefixLen int, req storage.ScanRequest) {
	batchSize := req.BatchSize
	if batchSize < 1 {
		batchSize = storage.DefaultBatchSize
	}

	bucket := req.Target.Bucket
	keys := make([]string, 0, batchSize)

	fail := func(err error) {
		n.logger.WarnWithContext(ctx, "index scan failed",
			zap.Uint32("partition", uint32(req.Partition)),
			zap.String("correlation_id", string(req.ReplyTo.ID())),
			zap.Error(err),
		)
		req.ReplyTo.Send(ctx, storage.Reply{Tag: storage.TagError, Bucket: bucket, Err: err})
	}

	for valid := iter.First(); valid; valid = iter.Next() {
		key, err := objectKeyFromIndexKey(iter.Key(), prefixLen)
		if err != nil {
			iter.Close()
			fail(err)
			return
		}

		primary, err := decodePartition(iter.Value())
		if err != nil {
			iter.Close()
			fail(err)
			return
		}

		if !storage.FilterAccepts(req.Filter, primary) || !req.Target.Accept(key) {
			continue
		}

		keys = append(keys, key)
		if len(keys) < batchSize {
			continue
		}

		keysScannedCounter.Add(float64(len(keys)))
		if !req.ReplyTo.Send(ctx, storage.Reply{Tag: storage.TagData, Bucket: bucket, Keys: keys}) {
			iter.Close()
			return
		}
		keys = make([]string, 0, batchSize)
	}

	if err := iter.Close(); err != nil {
		fail(err)
		return
	}

	if len(keys) > 0 {
		keysScannedCounter.Add(float64(len(keys)))
		if !req.ReplyTo.Send(ctx, storage.Reply{Tag: storage.TagData, Bucket: bucket, Keys: keys}) {
			return
		}
	}

	req.ReplyTo.Send(ctx, storage.Reply{Tag: storage.TagDone, Bucket: bucket})
}
