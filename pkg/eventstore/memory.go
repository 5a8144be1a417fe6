package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// streamKey addresses one logical stream within a session.
type streamKey struct {
	session string
	stream  string
}

// storedEvent is an event plus its expiry bookkeeping.
type storedEvent struct {
	event    Event
	seq      uint64
	sliding  time.Time
	absolute time.Time
}

// streamState holds the retained events and reply bookkeeping for one
// stream. The identifier counter lives outside so it survives expiry of
// the event list.
type streamState struct {
	outstanding map[string]struct{}
	events      []*storedEvent
}

// MemoryStore implements Store using in-memory maps guarded by a single
// mutex. Replay copies the matching suffix and releases the lock before
// delivering, so callback I/O never blocks other sessions.
type MemoryStore struct {
	mu       sync.Mutex
	streams  map[streamKey]*streamState
	counters map[streamKey]uint64
	cfg      Config
	clock    clockwork.Clock
}

// NewMemoryStore creates an in-memory event store. A nil clock uses the
// real clock; tests inject a fake to drive expiry deterministically.
func NewMemoryStore(cfg Config, clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		streams:  make(map[streamKey]*streamState),
		counters: make(map[streamKey]uint64),
		cfg:      cfg.withDefaults(),
		clock:    clock,
	}
}

// ensureLocked returns the stream's state, creating it if absent.
func (s *MemoryStore) ensureLocked(key streamKey) *streamState {
	st, ok := s.streams[key]
	if !ok {
		st = &streamState{outstanding: make(map[string]struct{})}
		s.streams[key] = st
	}
	return st
}

// OpenStream registers a stream and its outstanding request IDs.
func (s *MemoryStore) OpenStream(_ context.Context, sessionID, streamID string, requestIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureLocked(streamKey{sessionID, streamID})
	for _, id := range requestIDs {
		st.outstanding[id] = struct{}{}
	}
	return nil
}

// NextEventID allocates the next replay identifier for the stream.
func (s *MemoryStore) NextEventID(_ context.Context, sessionID, streamID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextIDLocked(streamKey{sessionID, streamID}), nil
}

func (s *MemoryStore) nextIDLocked(key streamKey) string {
	s.counters[key]++
	return FormatEventID(key.stream, s.counters[key])
}

// Append stores ev if its kind passes the retention filter. Requests are
// always retained; replies only while a matching outstanding entry exists
// (consumed on retention); notifications never. Retaining everything would
// grow memory without bound on notification-heavy streams that the
// protocol does not guarantee delivery for.
func (s *MemoryStore) Append(_ context.Context, sessionID, streamID string, ev Event) (string, error) {
	key := streamKey{sessionID, streamID}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureLocked(key)

	switch ev.Kind {
	case KindRequest:
	case KindReply:
		if _, ok := st.outstanding[ev.ReplyTo]; !ok {
			return "", nil
		}
		delete(st.outstanding, ev.ReplyTo)
	default:
		return "", nil
	}

	s.counters[key]++
	seq := s.counters[key]
	ev.ID = FormatEventID(streamID, seq)

	data := make([]byte, len(ev.Data))
	copy(data, ev.Data)
	ev.Data = data

	now := s.clock.Now()
	st.events = append(st.events, &storedEvent{
		event:    ev,
		seq:      seq,
		sliding:  now.Add(s.cfg.SlidingTTL),
		absolute: now.Add(s.cfg.AbsoluteTTL),
	})
	return ev.ID, nil
}

// ReplayAfter delivers, in order, every retained event on the watermark's
// stream with a sequence strictly greater than the watermark's. The
// access extends the stream's sliding expiry.
func (s *MemoryStore) ReplayAfter(_ context.Context, sessionID, lastEventID string, deliver func(Event) error) error {
	streamID, lastSeq, err := ParseEventID(lastEventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	st, ok := s.streams[streamKey{sessionID, streamID}]
	if !ok {
		s.mu.Unlock()
		// The stream may have fully expired; the client resumes fresh.
		return nil
	}

	now := s.clock.Now()
	sliding := now.Add(s.cfg.SlidingTTL)
	pending := make([]Event, 0, len(st.events))
	for _, se := range st.events {
		if now.After(se.sliding) || now.After(se.absolute) {
			// Already eligible for removal; an access must not revive it.
			continue
		}
		se.sliding = sliding
		if se.seq <= lastSeq {
			continue
		}
		if se.event.ID == "" || len(se.event.Data) == 0 {
			continue
		}
		pending = append(pending, se.event)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	s.mu.Unlock()

	for _, ev := range pending {
		if err := deliver(ev); err != nil {
			return err
		}
	}
	return nil
}

// CleanExpired removes events whose sliding or absolute expiry elapsed as
// of now and drops stream entries that became empty. Identifier counters
// are kept so later appends to a surviving session still allocate IDs
// that sort after the expired ones.
func (s *MemoryStore) CleanExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, st := range s.streams {
		kept := st.events[:0]
		for _, se := range st.events {
			if now.After(se.sliding) || now.After(se.absolute) {
				removed++
				continue
			}
			kept = append(kept, se)
		}
		st.events = kept
		if len(st.events) == 0 && len(st.outstanding) == 0 {
			delete(s.streams, key)
		}
	}
	return removed, nil
}

// DropSession removes all stream state for the session.
func (s *MemoryStore) DropSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.streams {
		if key.session == sessionID {
			delete(s.streams, key)
		}
	}
	for key := range s.counters {
		if key.session == sessionID {
			delete(s.counters, key)
		}
	}
	return nil
}

// Close is a no-op; the memory store holds no external resources.
func (*MemoryStore) Close() error {
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
