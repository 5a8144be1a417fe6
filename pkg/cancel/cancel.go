// Package cancel correlates client-issued cancellation signals with the
// in-flight handlers processing the named requests. A handler registers
// its request ID and works under the derived context; when the client
// later cancels that ID, the context fires with a cause describing the
// cancellation. Signals for unknown or already-completed requests are
// silent no-ops, never errors surfaced to the canceling party.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled is wrapped by every cancellation cause the registry fires,
// so handlers can match with errors.Is regardless of the reason text.
var ErrCancelled = errors.New("request cancelled")

// CancelledError is the context cause recorded when a request is
// cancelled through the registry.
type CancelledError struct {
	RequestID string
	Reason    string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("request %s cancelled", e.RequestID)
	}
	return fmt.Sprintf("request %s cancelled: %s", e.RequestID, e.Reason)
}

func (e *CancelledError) Unwrap() error {
	return ErrCancelled
}

// entry keys a registration by pointer identity, so a release from a
// superseded registration cannot remove its successor.
type entry struct {
	cancel context.CancelCauseFunc
}

// Registry tracks in-flight requests by ID. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	inFlight map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{inFlight: make(map[string]*entry)}
}

// Register derives a cancellable context for the handler of requestID.
// The release function must be called when the handler completes; it
// removes the registration and cancels the derived context, and is safe
// to call more than once. Re-registering an ID replaces the previous
// registration.
func (r *Registry) Register(ctx context.Context, requestID string) (context.Context, func()) {
	cctx, cancelFn := context.WithCancelCause(ctx)
	e := &entry{cancel: cancelFn}

	r.mu.Lock()
	r.inFlight[requestID] = e
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			if r.inFlight[requestID] == e {
				delete(r.inFlight, requestID)
			}
			r.mu.Unlock()
			cancelFn(nil)
		})
	}
	return cctx, release
}

// Cancel fires the cancellation for requestID and reports whether a
// handler was in flight to receive it. The handler's context cause
// unwraps to ErrCancelled. Cancel never blocks on the handler.
func (r *Registry) Cancel(requestID, reason string) bool {
	r.mu.Lock()
	e, ok := r.inFlight[requestID]
	if ok {
		delete(r.inFlight, requestID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.cancel(&CancelledError{RequestID: requestID, Reason: reason})
	return true
}

// Len returns the number of requests currently in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}
