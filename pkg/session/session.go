// Package session tracks transport sessions for streamable MCP servers.
// It defines the Store interface for session persistence and the Metadata
// type that describes one logical client connection.
package session

import (
	"context"
	"time"

	"github.com/txn2/mcp-sessions/pkg/identity"
)

// Metadata describes an active transport session.
type Metadata struct {
	// ID is the opaque unique session identifier. It is generated at
	// session creation and never reused.
	ID string `json:"id"`

	// Identity holds the caller's claim tuple for authenticated sessions.
	// Nil denotes an anonymous session.
	Identity *identity.Identity `json:"identity,omitempty"`

	// CreatedAt is when the session was established.
	CreatedAt time.Time `json:"created_at"`

	// LastActivityAt is the most recent activity timestamp. It is never
	// before CreatedAt.
	LastActivityAt time.Time `json:"last_activity_at"`

	// Custom is an opaque payload owned by collaborators above this layer.
	// The session layer never inspects it.
	Custom []byte `json:"custom,omitempty"`
}

// IdleFor reports how long the session has been without activity as of now.
func (m *Metadata) IdleFor(now time.Time) time.Duration {
	return now.Sub(m.LastActivityAt)
}

// Store defines the interface for session persistence.
//
// All implementations are safe for concurrent use from request-handling
// paths and the idle reaper. Stores never read a clock: timestamps arrive
// from callers so that idle behavior is deterministic under test.
type Store interface {
	// Save upserts a session by ID. Last writer wins; fields are never
	// merged.
	Save(ctx context.Context, meta *Metadata) error

	// Get retrieves a session by ID. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Metadata, error)

	// UpdateActivity advances the session's LastActivityAt. Racing updates
	// converge to the greatest timestamp. Updating a session that no longer
	// exists is a no-op, not an error: a late request racing expiry must
	// not surface as a failure.
	UpdateActivity(ctx context.Context, id string, ts time.Time) error

	// Remove deletes a session, reporting whether it existed.
	Remove(ctx context.Context, id string) (bool, error)

	// List returns all sessions.
	List(ctx context.Context) ([]*Metadata, error)

	// ListPage returns up to limit sessions ordered by ID, starting after
	// the position encoded in cursor. An empty cursor starts from the
	// beginning. The returned cursor is non-empty exactly when more
	// sessions remain.
	ListPage(ctx context.Context, cursor string, limit int) ([]*Metadata, string, error)

	// PruneIdle removes every session idle longer than idleTimeout as of
	// now and returns the IDs removed, letting callers cascade teardown of
	// per-session state held elsewhere. Sessions saved or touched after
	// now was computed always survive.
	PruneIdle(ctx context.Context, idleTimeout time.Duration, now time.Time) ([]string, error)

	// Clear removes all sessions. Test and shutdown hook only.
	Clear(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
