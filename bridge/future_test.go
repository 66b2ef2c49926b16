package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedPool(t *testing.T, workers int) *workerPool {
	t.Helper()
	p := newWorkerPool("test", workers, 64, nil)
	p.start()
	t.Cleanup(p.shutdown)
	return p
}

func TestFuture(t *testing.T) {
	t.Run("completes once", func(t *testing.T) {
		f := newFuture("id", startedPool(t, 1), nil)
		response := &contracts.ResponseEnvelope{CorrelationID: "id", Payload: []byte("ok")}

		assert.True(t, f.complete(Result{Response: response}))
		assert.False(t, f.complete(Result{Err: ErrTimeout}))

		got, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Same(t, response, got)

		result, ok := f.Result()
		assert.True(t, ok)
		assert.Equal(t, []byte("ok"), result.Payload())
	})

	t.Run("Result before completion", func(t *testing.T) {
		f := newFuture("id", startedPool(t, 1), nil)

		_, ok := f.Result()
		assert.False(t, ok)
		select {
		case <-f.Done():
			t.Fatal("done closed early")
		default:
		}
	})

	t.Run("Wait honours context", func(t *testing.T) {
		f := newFuture("id", startedPool(t, 1), nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := f.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("callbacks run after completion, registered before or after", func(t *testing.T) {
		f := newFuture("id", startedPool(t, 2), nil)
		var wg sync.WaitGroup
		wg.Add(2)
		var calls atomic.Int32
		cb := func(r Result) {
			assert.ErrorIs(t, r.Err, ErrTimeout)
			calls.Add(1)
			wg.Done()
		}

		f.OnComplete(cb)
		f.complete(Result{Err: ErrTimeout})
		f.OnComplete(cb)

		wg.Wait()
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("panicking callback is contained", func(t *testing.T) {
		f := newFuture("id", startedPool(t, 1), nil)
		done := make(chan struct{})
		f.OnComplete(func(Result) { panic("boom") })
		f.OnComplete(func(Result) { close(done) })

		f.complete(Result{Err: errors.New("x")})

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("second callback did not run")
		}
	})

	t.Run("callbacks run inline when the pool is closed", func(t *testing.T) {
		p := newWorkerPool("closed", 1, 1, nil)
		p.shutdown()
		f := failedFuture("", ErrNotStarted, p, nil)

		ran := false
		f.OnComplete(func(r Result) {
			ran = errors.Is(r.Err, ErrNotStarted)
		})
		assert.True(t, ran)
	})
}

func TestWorkerPool(t *testing.T) {
	t.Run("rejects before start and after shutdown", func(t *testing.T) {
		p := newWorkerPool("test", 1, 1, nil)
		assert.ErrorIs(t, p.submit(func() {}), ErrPoolClosed)

		p.start()
		assert.NoError(t, p.submit(func() {}))

		p.shutdown()
		assert.ErrorIs(t, p.submit(func() {}), ErrPoolClosed)
		p.shutdown()
	})

	t.Run("shutdown runs queued tasks", func(t *testing.T) {
		p := newWorkerPool("test", 2, 100, nil)
		p.start()
		var ran atomic.Int32
		for i := 0; i < 50; i++ {
			require.NoError(t, p.submit(func() {
				time.Sleep(time.Millisecond)
				ran.Add(1)
			}))
		}

		p.shutdown()
		assert.Equal(t, int32(50), ran.Load())
	})

	t.Run("full queue overflows without blocking the submitter", func(t *testing.T) {
		p := newWorkerPool("test", 1, 1, nil)
		p.start()
		assert.Equal(t, 2, p.capacity())
		block := make(chan struct{})
		started := make(chan struct{})
		require.NoError(t, p.submit(func() {
			close(started)
			<-block
		}))
		<-started
		require.NoError(t, p.submit(func() { <-block }))

		overflowRan := make(chan struct{})
		require.NoError(t, p.submit(func() { close(overflowRan) }))
		select {
		case <-overflowRan:
		case <-time.After(time.Second):
			t.Fatal("overflow task did not run while the queue was full")
		}
		assert.Equal(t, int64(1), p.overflowed.Load())

		var late atomic.Bool
		require.NoError(t, p.submit(func() {
			<-block
			late.Store(true)
		}))
		close(block)
		p.shutdown()
		assert.True(t, late.Load(), "shutdown returned before an overflow task finished")
	})

	t.Run("survives panics", func(t *testing.T) {
		p := newWorkerPool("test", 1, 4, nil)
		p.start()
		done := make(chan struct{})
		require.NoError(t, p.submit(func() { panic("boom") }))
		require.NoError(t, p.submit(func() { close(done) }))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("worker died after panic")
		}
		p.shutdown()
	})
}
