package cancel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cancelTestRequestID  = "req-42"
	cancelTestReason     = "user clicked stop"
	cancelTestGoroutines = 10
)

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry()
	ctx, release := r.Register(context.Background(), cancelTestRequestID)
	defer release()

	require.NoError(t, ctx.Err(), "context must be live until cancelled")

	ok := r.Cancel(cancelTestRequestID, cancelTestReason)
	assert.True(t, ok, "an in-flight request must receive the signal")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context did not fire")
	}

	cause := context.Cause(ctx)
	require.ErrorIs(t, cause, ErrCancelled)

	var cerr *CancelledError
	require.ErrorAs(t, cause, &cerr)
	assert.Equal(t, cancelTestRequestID, cerr.RequestID)
	assert.Equal(t, cancelTestReason, cerr.Reason)
}

func TestRegistry_CancelUnknownIsNoOp(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Cancel("never-registered", "whatever"))
}

func TestRegistry_CancelExactlyOnce(t *testing.T) {
	r := NewRegistry()
	_, release := r.Register(context.Background(), cancelTestRequestID)
	defer release()

	assert.True(t, r.Cancel(cancelTestRequestID, "first"))
	assert.False(t, r.Cancel(cancelTestRequestID, "second"),
		"a completed cancellation must not fire again")
}

func TestRegistry_CancelAfterRelease(t *testing.T) {
	r := NewRegistry()
	_, release := r.Register(context.Background(), cancelTestRequestID)
	release()

	assert.False(t, r.Cancel(cancelTestRequestID, cancelTestReason),
		"cancelling a completed request is a silent no-op")
}

func TestRegistry_ReleaseCancelsContext(t *testing.T) {
	r := NewRegistry()
	ctx, release := r.Register(context.Background(), cancelTestRequestID)

	release()

	require.Error(t, ctx.Err())
	assert.NotErrorIs(t, context.Cause(ctx), ErrCancelled,
		"normal completion is not a cancellation")
}

func TestRegistry_ReleaseIdempotent(t *testing.T) {
	r := NewRegistry()
	_, release := r.Register(context.Background(), cancelTestRequestID)

	release()
	release()

	assert.Zero(t, r.Len())
}

func TestRegistry_ReregisterSupersedes(t *testing.T) {
	r := NewRegistry()
	_, release1 := r.Register(context.Background(), cancelTestRequestID)
	ctx2, release2 := r.Register(context.Background(), cancelTestRequestID)
	defer release2()

	// The stale release must not evict the newer registration.
	release1()
	require.Equal(t, 1, r.Len())

	assert.True(t, r.Cancel(cancelTestRequestID, cancelTestReason))
	select {
	case <-ctx2.Done():
	case <-time.After(time.Second):
		t.Fatal("superseding registration did not receive the signal")
	}
}

func TestRegistry_ParentCancellationPropagates(t *testing.T) {
	r := NewRegistry()
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, release := r.Register(parent, cancelTestRequestID)
	defer release()

	cancelParent()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation did not propagate")
	}
}

func TestRegistry_ConcurrentCancelFiresOnce(t *testing.T) {
	r := NewRegistry()
	_, release := r.Register(context.Background(), cancelTestRequestID)
	defer release()

	var (
		wg    sync.WaitGroup
		fired int64
		mu    sync.Mutex
	)
	for i := 0; i < cancelTestGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Cancel(cancelTestRequestID, cancelTestReason) {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fired, "exactly one cancel call may win")
}

func TestRegistry_Len(t *testing.T) {
	r := NewRegistry()
	assert.Zero(t, r.Len())

	_, release1 := r.Register(context.Background(), "req-1")
	_, release2 := r.Register(context.Background(), "req-2")
	assert.Equal(t, 2, r.Len())

	release1()
	assert.Equal(t, 1, r.Len())
	release2()
	assert.Zero(t, r.Len())
}

func TestCancelledError_Error(t *testing.T) {
	withReason := &CancelledError{RequestID: "req-1", Reason: "timeout"}
	assert.Equal(t, "request req-1 cancelled: timeout", withReason.Error())

	bare := &CancelledError{RequestID: "req-1"}
	assert.Equal(t, "request req-1 cancelled", bare.Error())

	assert.True(t, errors.Is(withReason, ErrCancelled))
}
