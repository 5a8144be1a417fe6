// Package stream tracks the delivery mode of a server-to-client event
// stream. A stream starts out live (the HTTP response held open, events
// pushed as they occur) and may be demoted to polling when the server
// stops holding the connection, after which the client re-requests with
// its last seen event ID and is served from the event store instead.
package stream

import (
	"errors"
	"fmt"
	"sync"
)

// Mode is the delivery mode of a stream.
type Mode int

const (
	// Streaming holds the HTTP response open and pushes events live.
	Streaming Mode = iota

	// Polling means the live response has ended. The client issues
	// periodic requests carrying its last event ID and receives stored
	// events through replay.
	Polling

	// Closed is terminal. A closed stream never delivers again; the
	// client reconnects on a fresh stream and the server decides the
	// mode anew.
	Closed
)

func (m Mode) String() string {
	switch m {
	case Streaming:
		return "streaming"
	case Polling:
		return "polling"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ErrTransition is returned when a mode change would move backward.
var ErrTransition = errors.New("invalid stream mode transition")

// State is the mode and replay position of one stream. Transitions move
// only forward: Streaming to Polling to Closed. Safe for concurrent use.
type State struct {
	mu      sync.Mutex
	id      string
	mode    Mode
	lastSeq uint64
}

// NewState returns the state for a freshly opened stream, in Streaming
// mode with no events delivered yet.
func NewState(streamID string) *State {
	return &State{id: streamID}
}

// ID returns the stream identifier.
func (s *State) ID() string {
	return s.id
}

// Mode returns the current delivery mode.
func (s *State) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// LastSequence returns the highest sequence number delivered so far.
func (s *State) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Advance records seq as delivered. The position only moves forward;
// a lower seq leaves it unchanged.
func (s *State) Advance(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
}

// ToPolling demotes the stream from live streaming to polling. Every
// event the client still needs must be durably stored before the live
// response ends, so flush runs first and a flush failure aborts the
// transition, leaving the stream in Streaming. Calling ToPolling on a
// stream already in Polling is a no-op; on a Closed stream it returns
// ErrTransition.
func (s *State) ToPolling(flush func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case Polling:
		return nil
	case Closed:
		return fmt.Errorf("%w: %s -> %s", ErrTransition, Closed, Polling)
	}

	if flush != nil {
		if err := flush(); err != nil {
			return fmt.Errorf("flushing stream %s: %w", s.id, err)
		}
	}
	s.mode = Polling
	return nil
}

// Close marks the stream terminal. Idempotent and valid from any mode.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = Closed
}
