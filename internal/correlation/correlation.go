// Package correlation matches asynchronous replies to the call that issued
// the request. Every outstanding call registers a Mailbox under a freshly
// generated ID; collaborators reply through a ReplyTarget carrying that ID and
// the Router drops anything addressed to an ID that is no longer registered.
package correlation

import (
	"context"
	"errors"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kvflow/kvflow/internal/pipe"
	"github.com/kvflow/kvflow/pkg/id"
)

const (
	DefaultMailboxCapacity = 16

	maxRegisterAttempts = 3
)

var ErrIDCollision = errors.New("correlation id already registered")

// ID identifies one outstanding call. IDs are only unique among the calls
// registered on the same Router at the same time.
type ID string

func NewID() (ID, error) {
	s, err := id.NewString()
	if err != nil {
		return "", err
	}
	return ID(s), nil
}

// Envelope is a reply tagged with the ID of the call it belongs to.
type Envelope[T any] struct {
	ID  ID
	Msg T
}

// Router delivers envelopes to the mailbox registered for their ID.
type Router[T any] struct {
	mailboxes *xsync.MapOf[ID, *Mailbox[T]]
	capacity  int
}

// NewRouter returns a Router whose mailboxes buffer up to capacity replies,
// rounded up to the next power of two.
func NewRouter[T any](capacity int) *Router[T] {
	size := 1
	for size < capacity {
		size <<= 1
	}

	return &Router[T]{
		mailboxes: xsync.NewMapOf[ID, *Mailbox[T]](),
		capacity:  size,
	}
}

// Register creates a mailbox under a new ID. The caller must Unregister it
// once the call terminates.
func (r *Router[T]) Register() (*Mailbox[T], error) {
	for range maxRegisterAttempts {
		cid, err := NewID()
		if err != nil {
			return nil, err
		}

		mb := &Mailbox[T]{
			id:    cid,
			pipe:  pipe.Must[Envelope[T]](r.capacity),
			ready: make(chan struct{}, 1),
		}
		mb.target = ReplyTarget[T]{router: r, id: cid}

		if _, loaded := r.mailboxes.LoadOrStore(cid, mb); !loaded {
			return mb, nil
		}
	}

	return nil, ErrIDCollision
}

// Unregister closes and forgets the mailbox for cid. Replies delivered
// afterwards are dropped. Calling it more than once is a no-op.
func (r *Router[T]) Unregister(cid ID) {
	if mb, ok := r.mailboxes.LoadAndDelete(cid); ok {
		mb.pipe.Close()
	}
}

// Deliver hands env to its mailbox, blocking while the mailbox is full. It
// reports false when no mailbox is registered for env.ID, the mailbox was
// closed, or ctx is done.
func (r *Router[T]) Deliver(ctx context.Context, env Envelope[T]) bool {
	mb, ok := r.mailboxes.Load(env.ID)
	if !ok {
		return false
	}

	if !mb.pipe.SendContext(ctx, env) {
		return false
	}

	select {
	case mb.ready <- struct{}{}:
	default:
	}
	return true
}

// Outstanding returns the number of registered mailboxes.
func (r *Router[T]) Outstanding() int {
	return r.mailboxes.Size()
}

// Mailbox receives the replies of one call.
type Mailbox[T any] struct {
	id     ID
	target ReplyTarget[T]
	pipe   *pipe.Pipe[Envelope[T]]
	ready  chan struct{}
}

func (m *Mailbox[T]) ID() ID {
	return m.id
}

// Target returns the reply address to hand to collaborators.
func (m *Mailbox[T]) Target() ReplyTarget[T] {
	return m.target
}

// Ready is signalled after a delivery. It is edge triggered: drain the
// mailbox with TryRecv once it fires.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Recv blocks for the next reply carrying this mailbox's ID. It returns false
// once the mailbox is closed and drained, or ctx is done.
func (m *Mailbox[T]) Recv(ctx context.Context, env *Envelope[T]) bool {
	for m.pipe.RecvContext(ctx, env) {
		if env.ID == m.id {
			return true
		}
	}
	return false
}

// TryRecv takes the next reply carrying this mailbox's ID if one is buffered.
func (m *Mailbox[T]) TryRecv(env *Envelope[T]) bool {
	for m.pipe.TryRecv(env) {
		if env.ID == m.id {
			return true
		}
	}
	return false
}

// ReplyTarget addresses the mailbox of one outstanding call. The zero value
// drops every reply.
type ReplyTarget[T any] struct {
	router *Router[T]
	id     ID
}

func (t ReplyTarget[T]) ID() ID {
	return t.id
}

// Send delivers msg tagged with the target's ID. See Router.Deliver.
func (t ReplyTarget[T]) Send(ctx context.Context, msg T) bool {
	if t.router == nil {
		return false
	}
	return t.router.Deliver(ctx, Envelope[T]{ID: t.id, Msg: msg})
}
