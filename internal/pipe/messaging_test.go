package pipe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const pipeBufferSize int = 128

const messageCount uint64 = 1000

type item struct{}

func feed(p *Pipe[item]) {
	for range messageCount {
		p.Send(item{})
	}
}

func consume(p *Pipe[item], count *atomic.Uint64) {
	for {
		var msg item
		ok := p.Recv(&msg)
		if !ok {
			break
		}
		count.Add(1)
	}
}

func BenchmarkMessaging(b *testing.B) {
	b.Run("multiple_producer_single_consumer", func(b *testing.B) {
		for b.Loop() {
			p := Must[item](pipeBufferSize)

			var count atomic.Uint64
			var swg sync.WaitGroup
			var cwg sync.WaitGroup

			for range 4 {
				swg.Add(1)
				go func() {
					defer swg.Done()
					feed(p)
				}()
			}

			cwg.Add(1)
			go func() {
				defer cwg.Done()
				consume(p, &count)
			}()

			swg.Wait()
			p.Close()
			cwg.Wait()

			require.Equal(b, messageCount*4, count.Load())
		}
	})
}

func TestNew(t *testing.T) {
	for _, size := range []int{-1, 0, 3, 100} {
		_, err := New[item](size)
		require.ErrorIs(t, err, ErrInvalidSize)
	}

	p, err := New[item](8)
	require.NoError(t, err)
	require.Equal(t, 0, p.Len())
}

func TestMessaging(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("single_producer_single_consumer", func(t *testing.T) {
		p := Must[item](pipeBufferSize)

		var count atomic.Uint64
		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			feed(p)
			p.Close()
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			consume(p, &count)
		}()

		wg.Wait()

		require.Equal(t, messageCount, count.Load())
	})

	t.Run("multiple_producer_multiple_consumer", func(t *testing.T) {
		p := Must[item](pipeBufferSize)

		var count atomic.Uint64
		var swg sync.WaitGroup
		var cwg sync.WaitGroup

		for range 4 {
			swg.Add(1)
			go func() {
				defer swg.Done()
				feed(p)
			}()
		}

		for range 4 {
			cwg.Add(1)
			go func() {
				defer cwg.Done()
				consume(p, &count)
			}()
		}

		swg.Wait()
		p.Close()
		cwg.Wait()

		require.Equal(t, messageCount*4, count.Load())
	})

	t.Run("fifo_order", func(t *testing.T) {
		p := Must[int](4)

		go func() {
			for i := range 100 {
				p.Send(i)
			}
			p.Close()
		}()

		var got []int
		for v := range p.Seq() {
			got = append(got, v)
		}

		require.Len(t, got, 100)
		for i, v := range got {
			require.Equal(t, i, v)
		}
	})

	t.Run("buffered_items_survive_close", func(t *testing.T) {
		p := Must[int](4)
		require.True(t, p.Send(1))
		require.True(t, p.Send(2))
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())

		require.False(t, p.Send(3))

		var v int
		require.True(t, p.Recv(&v))
		require.Equal(t, 1, v)
		require.True(t, p.Recv(&v))
		require.Equal(t, 2, v)
		require.False(t, p.Recv(&v))
	})

	t.Run("close_releases_blocked_sender", func(t *testing.T) {
		p := Must[int](1)
		require.True(t, p.Send(1))

		result := make(chan bool)
		go func() {
			result <- p.Send(2)
		}()

		time.Sleep(10 * time.Millisecond)
		p.Close()
		require.False(t, <-result)
	})
}

func TestContextCancellation(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("recv", func(t *testing.T) {
		p := Must[int](2)
		ctx, cancel := context.WithCancel(context.Background())

		result := make(chan bool)
		go func() {
			var v int
			result <- p.RecvContext(ctx, &v)
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()
		require.False(t, <-result)
	})

	t.Run("send", func(t *testing.T) {
		p := Must[int](1)
		require.True(t, p.Send(1))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		require.False(t, p.SendContext(ctx, 2))
		require.Equal(t, 1, p.Len())
	})

	t.Run("cancelled_sender_does_not_strand_others", func(t *testing.T) {
		for range 50 {
			p := Must[int](1)
			require.True(t, p.Send(0))

			ctx, cancel := context.WithCancel(context.Background())

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.SendContext(ctx, 1)
			}()

			result := make(chan bool, 1)
			go func() {
				result <- p.Send(2)
			}()

			time.Sleep(time.Millisecond)
			go cancel()
			var v int
			require.True(t, p.TryRecv(&v))

			deadline := time.After(time.Second)
		wait:
			for {
				select {
				case ok := <-result:
					require.True(t, ok)
					break wait
				case <-deadline:
					require.FailNow(t, "sender stayed blocked with a free slot", "buffered: %d", p.Len())
				case <-time.After(time.Millisecond):
					if p.Len() == 1 {
						p.TryRecv(&v)
					}
				}
			}

			wg.Wait()
			cancel()
			p.Close()
		}
	})

	t.Run("already_cancelled", func(t *testing.T) {
		p := Must[int](2)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.False(t, p.SendContext(ctx, 1))
		var v int
		require.False(t, p.RecvContext(ctx, &v))
	})
}

func TestTry(t *testing.T) {
	p := Must[int](2)

	var v int
	require.False(t, p.TryRecv(&v))

	require.True(t, p.TrySend(1))
	require.True(t, p.TrySend(2))
	require.False(t, p.TrySend(3))

	require.True(t, p.TryRecv(&v))
	require.Equal(t, 1, v)

	p.Close()
	require.False(t, p.TrySend(4))
	require.True(t, p.TryRecv(&v))
	require.Equal(t, 2, v)
	require.False(t, p.TryRecv(&v))
}
