// Package eventstore persists outbound server-to-client events so a
// reconnecting client can replay exactly the suffix it missed. Events are
// keyed by session and stream, carry totally-ordered replay identifiers,
// and expire on both a sliding window and an absolute ceiling.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultSlidingTTL is how long a retained event survives without any
	// access to its stream.
	DefaultSlidingTTL = 5 * time.Minute

	// DefaultAbsoluteTTL is the retention ceiling: an event is dropped this
	// long after it was stored no matter how recently its stream was read.
	DefaultAbsoluteTTL = 30 * time.Minute

	// eventIDDelimiter separates the stream ID from the sequence token.
	// Stream identifiers never contain it.
	eventIDDelimiter = "_"

	// seqWidth fixes the sequence token width so lexicographic order equals
	// numeric order. 20 digits covers the full uint64 range.
	seqWidth = 20
)

// ErrInvalidEventID reports a replay watermark that does not parse as
// <streamID>_<sequence>.
var ErrInvalidEventID = errors.New("invalid event id")

// Kind classifies an outbound message for retention. Only messages a
// disconnected client could legitimately need replayed are stored; see
// Retainable.
type Kind int

const (
	// KindNotification is a fire-and-forget message. Never retained.
	KindNotification Kind = iota

	// KindRequest is a server-initiated request expecting a client reply.
	// Always retained.
	KindRequest

	// KindReply answers an earlier request. Retained only while a matching
	// outstanding entry exists for its stream.
	KindReply
)

// String renders the kind for logs.
func (k Kind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Retainable reports whether the kind is ever eligible for storage.
// KindReply additionally requires an outstanding request entry, which is
// store state rather than a property of the tag.
func (k Kind) Retainable() bool {
	return k == KindRequest || k == KindReply
}

// Event is one outbound message on a logical stream.
type Event struct {
	// ID is the replay identifier, assigned by the store when the event is
	// retained. Empty until then.
	ID string `json:"id"`

	// Kind classifies the message for retention.
	Kind Kind `json:"kind"`

	// ReplyTo is the canonicalized request identifier a KindReply answers.
	// Empty for other kinds.
	ReplyTo string `json:"reply_to,omitempty"`

	// Name is the SSE event-type tag. Empty means the default "message".
	Name string `json:"name,omitempty"`

	// Data is the opaque payload, preserved byte-for-byte on replay.
	Data []byte `json:"data"`

	// Retry is the reconnection-interval hint attached to the event, zero
	// when unset.
	Retry time.Duration `json:"retry,omitempty"`
}

// FormatEventID encodes a replay identifier. The fixed-width sequence
// token makes lexicographic comparison agree with numeric order.
func FormatEventID(streamID string, seq uint64) string {
	return fmt.Sprintf("%s%s%0*d", streamID, eventIDDelimiter, seqWidth, seq)
}

// ParseEventID splits a replay identifier into its stream and sequence.
func ParseEventID(eventID string) (streamID string, seq uint64, err error) {
	i := strings.LastIndex(eventID, eventIDDelimiter)
	if i <= 0 || i == len(eventID)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidEventID, eventID)
	}
	seq, err = strconv.ParseUint(eventID[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidEventID, eventID)
	}
	return eventID[:i], seq, nil
}

// Config holds event retention settings shared by all store backends.
type Config struct {
	// SlidingTTL is the idle window extended on each stream access.
	SlidingTTL time.Duration `yaml:"sliding_ttl" json:"sliding_ttl"`

	// AbsoluteTTL is the retention ceiling measured from storage time.
	AbsoluteTTL time.Duration `yaml:"absolute_ttl" json:"absolute_ttl"`
}

// withDefaults fills zero fields with package defaults.
func (c Config) withDefaults() Config {
	if c.SlidingTTL <= 0 {
		c.SlidingTTL = DefaultSlidingTTL
	}
	if c.AbsoluteTTL <= 0 {
		c.AbsoluteTTL = DefaultAbsoluteTTL
	}
	return c
}

// Store persists replayable events per (session, stream).
//
// Implementations are safe for concurrent use by request handlers, stream
// pumps, and the expiry reaper. ReplayAfter completes its bookkeeping and
// releases internal locks before invoking the delivery callback, so a slow
// client never stalls other sessions.
type Store interface {
	// OpenStream registers a logical stream and the outstanding request IDs
	// whose replies must be retained for replay. Opening an existing stream
	// adds the IDs to its outstanding set.
	OpenStream(ctx context.Context, sessionID, streamID string, requestIDs []string) error

	// NextEventID allocates the next replay identifier for the stream.
	// Allocation is atomic per stream: two events never share an ID, and
	// every allocated ID sorts after all previously allocated IDs for the
	// same (session, stream), even after the stream's events have expired.
	NextEventID(ctx context.Context, sessionID, streamID string) (string, error)

	// Append stores ev if its kind passes the retention filter, assigning
	// the next event ID. It returns the assigned ID, or "" when the event
	// was filtered out and not stored.
	Append(ctx context.Context, sessionID, streamID string, ev Event) (string, error)

	// ReplayAfter parses the stream out of lastEventID and invokes deliver,
	// in order, for every retained event on that stream whose ID sorts
	// strictly after the watermark. The watermark event itself is never
	// redelivered. An unknown or fully expired stream yields an empty
	// replay, not an error. Delivery stops at the first deliver error,
	// which is returned.
	ReplayAfter(ctx context.Context, sessionID, lastEventID string, deliver func(Event) error) error

	// CleanExpired removes events whose sliding or absolute expiry has
	// elapsed as of now and drops stream entries whose event list became
	// empty. It returns the number of events removed.
	CleanExpired(ctx context.Context, now time.Time) (int, error)

	// DropSession removes all stream state for the session, including
	// identifier counters.
	DropSession(ctx context.Context, sessionID string) error

	// Close releases store resources.
	Close() error
}
