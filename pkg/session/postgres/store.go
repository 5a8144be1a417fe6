// Package postgres provides PostgreSQL storage for transport sessions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/txn2/mcp-sessions/pkg/cursor"
	"github.com/txn2/mcp-sessions/pkg/identity"
	"github.com/txn2/mcp-sessions/pkg/session"
)

// defaultPageLimit bounds ListPage when the caller passes no limit.
const defaultPageLimit = 100

// Store implements session.Store using PostgreSQL. Idle expiry is driven
// by the caller-supplied clock, so rows carry activity timestamps rather
// than a database-evaluated expiry.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL session store. The caller owns db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save upserts a session by ID. Last writer wins; fields are never merged.
func (s *Store) Save(ctx context.Context, meta *session.Metadata) error {
	identityJSON, err := marshalIdentity(meta.Identity)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, identity, created_at, last_activity_at, custom)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			identity = EXCLUDED.identity,
			created_at = EXCLUDED.created_at,
			last_activity_at = EXCLUDED.last_activity_at,
			custom = EXCLUDED.custom
	`
	_, err = s.db.ExecContext(ctx, query,
		meta.ID, identityJSON, meta.CreatedAt, meta.LastActivityAt, meta.Custom,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*session.Metadata, error) {
	query := `
		SELECT id, identity, created_at, last_activity_at, custom
		FROM sessions
		WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, id)
	return s.scanSession(row)
}

// UpdateActivity advances LastActivityAt. GREATEST makes racing updates
// converge to the latest timestamp regardless of arrival order. Unknown
// IDs affect zero rows and are a no-op.
func (s *Store) UpdateActivity(ctx context.Context, id string, ts time.Time) error {
	query := `
		UPDATE sessions
		SET last_activity_at = GREATEST(last_activity_at, $2)
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, id, ts)
	if err != nil {
		return fmt.Errorf("updating session activity: %w", err)
	}
	return nil
}

// Remove deletes a session, reporting whether it existed.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	query := `DELETE FROM sessions WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return n > 0, nil
}

// List returns all sessions ordered by ID.
func (s *Store) List(ctx context.Context) ([]*session.Metadata, error) {
	query := `
		SELECT id, identity, created_at, last_activity_at, custom
		FROM sessions
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.collectRows(rows)
}

// ListPage returns up to limit sessions ordered by ID using keyset
// pagination. The returned cursor is non-empty exactly when more remain.
func (s *Store) ListPage(ctx context.Context, c string, limit int) ([]*session.Metadata, string, error) {
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

	query := `
		SELECT id, identity, created_at, last_activity_at, custom
		FROM sessions
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, after, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("listing session page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions, err := s.collectRows(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(sessions) > limit {
		sessions = sessions[:limit]
		next = cursor.Encode(sessions[len(sessions)-1].ID)
	}
	return sessions, next, nil
}

// PruneIdle removes sessions idle strictly longer than idleTimeout as of
// now and returns the IDs removed.
func (s *Store) PruneIdle(ctx context.Context, idleTimeout time.Duration, now time.Time) ([]string, error) {
	query := `DELETE FROM sessions WHERE last_activity_at < $1 RETURNING id`
	rows, err := s.db.QueryContext(ctx, query, now.Add(-idleTimeout))
	if err != nil {
		return nil, fmt.Errorf("pruning idle sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning pruned session id: %w", err)
		}
		removed = append(removed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pruned session ids: %w", err)
	}
	return removed, nil
}

// Clear removes all sessions.
func (s *Store) Clear(ctx context.Context) error {
	query := `DELETE FROM sessions`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("clearing sessions: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the database handle.
func (*Store) Close() error {
	return nil
}

// scanSession scans a single row into a Metadata.
func (*Store) scanSession(row *sql.Row) (*session.Metadata, error) {
	var meta session.Metadata
	var identityJSON []byte

	err := row.Scan(&meta.ID, &identityJSON, &meta.CreatedAt, &meta.LastActivityAt, &meta.Custom)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	meta.Identity, err = unmarshalIdentity(identityJSON)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// collectRows drains rows into Metadata values.
func (*Store) collectRows(rows *sql.Rows) ([]*session.Metadata, error) {
	var sessions []*session.Metadata
	for rows.Next() {
		var meta session.Metadata
		var identityJSON []byte

		if err := rows.Scan(&meta.ID, &identityJSON, &meta.CreatedAt, &meta.LastActivityAt, &meta.Custom); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}

		id, err := unmarshalIdentity(identityJSON)
		if err != nil {
			return nil, err
		}
		meta.Identity = id
		sessions = append(sessions, &meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// marshalIdentity encodes an identity as JSONB, NULL for anonymous.
func marshalIdentity(id *identity.Identity) ([]byte, error) {
	if id == nil {
		return nil, nil
	}
	data, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshaling identity: %w", err)
	}
	return data, nil
}

// unmarshalIdentity decodes a JSONB identity column, nil for NULL.
func unmarshalIdentity(data []byte) (*identity.Identity, error) {
	if len(data) == 0 {
		return nil, nil //nolint:nilnil // NULL column means anonymous session
	}
	var id identity.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("unmarshaling identity: %w", err)
	}
	return &id, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
