package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/txn2/mcp-sessions/pkg/cursor"
)

// defaultPageLimit bounds ListPage when the caller passes no limit.
const defaultPageLimit = 100

// MemoryStore implements Store using an in-memory map. Critical sections
// are O(1) per session so request paths never wait behind a slow scan.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Metadata
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Metadata),
	}
}

// Save upserts a session by ID. Last writer wins.
func (s *MemoryStore) Save(_ context.Context, meta *Metadata) error {
	cp := *meta

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[cp.ID] = &cp
	return nil
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (s *MemoryStore) Get(_ context.Context, id string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.sessions[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	cp := *meta
	return &cp, nil
}

// UpdateActivity advances LastActivityAt to ts if ts is later than the
// recorded value. Racing updates therefore converge to the greatest
// timestamp regardless of arrival order. Unknown IDs are a no-op.
func (s *MemoryStore) UpdateActivity(_ context.Context, id string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if ts.After(meta.LastActivityAt) {
		meta.LastActivityAt = ts
	}
	return nil
}

// Remove deletes a session, reporting whether it existed.
func (s *MemoryStore) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok, nil
}

// List returns all sessions.
func (s *MemoryStore) List(_ context.Context) ([]*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Metadata, 0, len(s.sessions))
	for _, meta := range s.sessions {
		cp := *meta
		result = append(result, &cp)
	}
	return result, nil
}

// ListPage returns up to limit sessions ordered by ID, starting after the
// position encoded in c.
func (s *MemoryStore) ListPage(_ context.Context, c string, limit int) ([]*Metadata, string, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}

	after := ""
	if c != "" {
		token, err := cursor.Decode(c)
		if err != nil {
			return nil, "", err
		}
		after = token
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		if id > after {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	more := len(ids) > limit
	if more {
		ids = ids[:limit]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Metadata, 0, len(ids))
	for _, id := range ids {
		meta, ok := s.sessions[id]
		if !ok {
			// Removed between passes. Skip rather than fail the page.
			continue
		}
		cp := *meta
		result = append(result, &cp)
	}

	next := ""
	if more {
		next = cursor.Encode(ids[len(ids)-1])
	}
	return result, next, nil
}

// PruneIdle removes sessions idle strictly longer than idleTimeout as of
// now. Sessions touched after now was computed have a LastActivityAt past
// now and always survive.
func (s *MemoryStore) PruneIdle(_ context.Context, idleTimeout time.Duration, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, meta := range s.sessions {
		if now.Sub(meta.LastActivityAt) > idleTimeout {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// Clear removes all sessions.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*Metadata)
	return nil
}

// Close is a no-op; the memory store holds no external resources.
func (*MemoryStore) Close() error {
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
