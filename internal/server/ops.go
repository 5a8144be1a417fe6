package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/txn2/mcp-sessions/pkg/cursor"
)

const (
	defaultSessionPageSize = 50
	maxSessionPageSize     = 500
)

// sessionSummary is the JSON shape of one session row on the ops listing.
// Custom payloads are opaque to this layer and omitted.
type sessionSummary struct {
	ID             string    `json:"id"`
	Identity       string    `json:"identity,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type sessionListResponse struct {
	Sessions   []sessionSummary `json:"sessions"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// handleListSessions handles GET /sessions: a cursor-paginated listing of
// known sessions for operators. NextCursor is present exactly when more
// pages remain.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSessionPageSize)
	}

	metas, next, err := s.sessions.ListPage(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, cursor.ErrInvalid) {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		writeError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}

	resp := sessionListResponse{
		Sessions:   make([]sessionSummary, 0, len(metas)),
		NextCursor: next,
	}
	for _, m := range metas {
		row := sessionSummary{
			ID:             m.ID,
			CreatedAt:      m.CreatedAt,
			LastActivityAt: m.LastActivityAt,
		}
		if m.Identity != nil {
			row.Identity = m.Identity.ClaimValue
		}
		resp.Sessions = append(resp.Sessions, row)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
