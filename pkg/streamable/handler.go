package streamable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-sessions/pkg/eventstore"
	"github.com/txn2/mcp-sessions/pkg/guard"
	"github.com/txn2/mcp-sessions/pkg/identity"
	"github.com/txn2/mcp-sessions/pkg/session"
)

const (
	// sessionIDHeader carries the session identifier on every request
	// after initialization.
	sessionIDHeader = "Mcp-Session-Id"

	// methodInitialize opens a new session when it arrives without a
	// session header.
	methodInitialize = "initialize"

	// codeSessionNotFound is the JSON-RPC error code on the 404 body for
	// an unknown or expired session.
	codeSessionNotFound = -32001

	// defaultProtocolVersion primes rebound sessions that negotiated
	// their version with a previous process life.
	defaultProtocolVersion = "2025-03-26"
)

// Options configures optional Handler behavior.
type Options struct {
	// Guard rejects non-loopback requests before any session work. Nil
	// disables boundary checking, for deployments behind a trusted proxy.
	Guard *guard.Guard

	// Resolver extracts the caller identity bound to new sessions and
	// checked on every later request. Nil treats every caller as
	// anonymous.
	Resolver identity.Resolver

	// Policy bounds live delivery per HTTP response.
	Policy StreamPolicy

	// Clock drives activity timestamps and stream life bounds. Nil uses
	// the real clock.
	Clock clockwork.Clock
}

// Handler is the HTTP entry point for streamable MCP sessions. It owns
// the session lifecycle: initialize-bearing POSTs mint sessions, every
// request revalidates identity and touches activity, DELETE tears the
// session down, and requests for store-resident sessions without a live
// transport get one bound transparently, so sessions survive process
// restarts when the stores are external.
type Handler struct {
	getServer func(*http.Request) *mcp.Server
	sessions  session.Store
	events    eventstore.Store
	guard     *guard.Guard
	resolver  identity.Resolver
	policy    StreamPolicy
	clock     clockwork.Clock

	mu   sync.Mutex
	live map[string]*liveSession
}

// liveSession pairs a connected transport with its MCP server session.
type liveSession struct {
	transport *ServerTransport
	session   *mcp.ServerSession
}

// NewHandler creates the session handler. getServer returns the MCP
// server to bind each new session to; returning nil rejects the request.
func NewHandler(getServer func(*http.Request) *mcp.Server, sessions session.Store, events eventstore.Store, opts *Options) *Handler {
	if opts == nil {
		opts = &Options{}
	}
	h := &Handler{
		getServer: getServer,
		sessions:  sessions,
		events:    events,
		guard:     opts.Guard,
		resolver:  opts.Resolver,
		policy:    opts.Policy.withDefaults(),
		clock:     opts.Clock,
		live:      make(map[string]*liveSession),
	}
	if h.resolver == nil {
		h.resolver = identity.Anonymous{}
	}
	if h.clock == nil {
		h.clock = clockwork.NewRealClock()
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.guard != nil {
		if err := h.guard.Check(r); err != nil {
			guard.WriteForbidden(w, err.Error())
			return
		}
	}

	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := checkAccept(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r)
	case http.MethodGet:
		h.handleGET(w, r)
	case http.MethodDelete:
		h.handleDELETE(w, r)
	}
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	if len(r.Header.Values(lastEventIDHeader)) > 0 {
		http.Error(w, "Last-Event-ID is only valid on GET requests", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}
	if body[0] == '[' {
		http.Error(w, "JSON-RPC batching is not supported", http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed payload: %v", err), http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		req, ok := msg.(*jsonrpc.Request)
		if !ok || req.Method != methodInitialize {
			http.Error(w, "Bad Request: missing Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		h.startSession(w, r, req)
		return
	}

	ls, ok := h.attach(w, r, sessionID)
	if !ok {
		return
	}
	w.Header().Set(sessionIDHeader, sessionID)
	ls.transport.servePOST(w, r, msg)
}

func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: GET requires an Mcp-Session-Id header", http.StatusBadRequest)
		return
	}

	ls, ok := h.attach(w, r, sessionID)
	if !ok {
		return
	}
	w.Header().Set(sessionIDHeader, sessionID)
	ls.transport.serveGET(w, r)
}

func (h *Handler) handleDELETE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
		return
	}

	meta, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	if meta == nil {
		guard.WriteError(w, http.StatusNotFound, codeSessionNotFound, "session not found")
		return
	}
	if !h.authorize(w, r, meta) {
		return
	}

	h.CloseSession(sessionID)
	if _, err := h.sessions.Remove(r.Context(), sessionID); err != nil {
		slog.Warn("removing session", "session_id", sessionID, "error", err)
	}
	if err := h.events.DropSession(r.Context(), sessionID); err != nil {
		slog.Warn("dropping session events", "session_id", sessionID, "error", err)
	}
	slog.Debug("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// startSession mints a session for an initialize call arriving without a
// session header: identity is resolved and bound, metadata persisted, and
// a fresh transport connected to the MCP server.
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, req *jsonrpc.Request) {
	ident, err := h.resolver.Resolve(r)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	server := h.getServer(r)
	if server == nil {
		http.Error(w, "no server available", http.StatusBadRequest)
		return
	}

	sessionID, err := generateSessionID()
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	now := h.clock.Now()
	meta := &session.Metadata{ID: sessionID, Identity: ident, CreatedAt: now, LastActivityAt: now}
	if err := h.sessions.Save(r.Context(), meta); err != nil {
		http.Error(w, "failed to persist session", http.StatusInternalServerError)
		return
	}

	ls, err := h.connect(r.Context(), server, sessionID, false)
	if err != nil {
		if _, rerr := h.sessions.Remove(r.Context(), sessionID); rerr != nil {
			slog.Warn("removing unconnected session", "session_id", sessionID, "error", rerr)
		}
		http.Error(w, "failed connection", http.StatusInternalServerError)
		return
	}

	slog.Debug("session established", "session_id", sessionID, "identity", ident.String())
	w.Header().Set(sessionIDHeader, sessionID)
	ls.transport.servePOST(w, r, req)
}

// attach resolves the request's session: known in the store, owned by the
// caller, activity touched, and a live transport bound (creating one for
// sessions inherited from a previous process life). A false return means
// the response has been written.
func (h *Handler) attach(w http.ResponseWriter, r *http.Request, sessionID string) (*liveSession, bool) {
	meta, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return nil, false
	}
	if meta == nil {
		guard.WriteError(w, http.StatusNotFound, codeSessionNotFound, "session not found")
		return nil, false
	}
	if !h.authorize(w, r, meta) {
		return nil, false
	}

	if err := h.sessions.UpdateActivity(r.Context(), sessionID, h.clock.Now()); err != nil {
		slog.Warn("updating session activity", "session_id", sessionID, "error", err)
	}

	h.mu.Lock()
	ls := h.live[sessionID]
	h.mu.Unlock()
	if ls != nil {
		return ls, true
	}

	// The session is store-resident but has no transport here: it was
	// created before a restart, or by another instance sharing the
	// stores. Bind a fresh transport with primed protocol state.
	server := h.getServer(r)
	if server == nil {
		http.Error(w, "no server available", http.StatusBadRequest)
		return nil, false
	}
	ls, err = h.connect(r.Context(), server, sessionID, true)
	if err != nil {
		http.Error(w, "failed connection", http.StatusInternalServerError)
		return nil, false
	}
	slog.Debug("session rebound", "session_id", sessionID)
	return ls, true
}

// authorize enforces session ownership: a session bound to an identity
// only accepts requests resolving to that same identity. Anonymous
// sessions accept any caller that already passed the boundary guard.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, meta *session.Metadata) bool {
	if meta.Identity == nil {
		return true
	}
	ident, err := h.resolver.Resolve(r)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return false
	}
	if !sameIdentity(meta.Identity, ident) {
		guard.WriteForbidden(w, "session identity mismatch")
		return false
	}
	return true
}

// connect binds a new transport for the session and registers it. When
// two requests race to rebind the same session, the first registration
// wins and the loser is closed.
func (h *Handler) connect(ctx context.Context, server *mcp.Server, sessionID string, resume bool) (*liveSession, error) {
	h.mu.Lock()
	if existing, ok := h.live[sessionID]; ok {
		h.mu.Unlock()
		return existing, nil
	}
	h.mu.Unlock()

	transport := NewServerTransport(sessionID, h.events, nil, h.policy, h.clock)
	var opts *mcp.ServerSessionOptions
	if resume {
		// The client completed initialization in a previous process
		// life; prime the session state so the server does not demand
		// another handshake.
		opts = &mcp.ServerSessionOptions{
			State: &mcp.ServerSessionState{
				InitializeParams:  &mcp.InitializeParams{ProtocolVersion: defaultProtocolVersion},
				InitializedParams: &mcp.InitializedParams{},
				LogLevel:          "info",
			},
		}
	}
	ss, err := server.Connect(ctx, transport, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting session %s: %w", sessionID, err)
	}

	ls := &liveSession{transport: transport, session: ss}
	h.mu.Lock()
	if existing, ok := h.live[sessionID]; ok {
		h.mu.Unlock()
		_ = ss.Close()
		return existing, nil
	}
	h.live[sessionID] = ls
	h.mu.Unlock()
	return ls, nil
}

// CloseSession tears down the live transport for a session if one exists.
// Store state is untouched; callers decide whether the session itself
// survives. The idle reaper uses this to drop transports for sessions it
// has pruned.
func (h *Handler) CloseSession(sessionID string) {
	h.mu.Lock()
	ls := h.live[sessionID]
	delete(h.live, sessionID)
	h.mu.Unlock()
	if ls != nil {
		_ = ls.session.Close()
	}
}

// LiveSessions reports the number of sessions with a connected transport.
func (h *Handler) LiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// OpenStreams reports the number of logical streams open across all live
// sessions.
func (h *Handler) OpenStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int
	for _, ls := range h.live {
		n += ls.transport.OpenStreams()
	}
	return n
}

// Close tears down every live session. Persisted session and event state
// is left for the next process life.
func (h *Handler) Close() error {
	h.mu.Lock()
	live := h.live
	h.live = make(map[string]*liveSession)
	h.mu.Unlock()

	for _, ls := range live {
		_ = ls.session.Close()
	}
	return nil
}

// checkAccept validates the Accept header: GET responses are always SSE,
// and POST responses may be JSON or SSE, so the client must accept both.
// DELETE has no negotiated body. Wildcard forms are honored.
func checkAccept(r *http.Request) error {
	if r.Method == http.MethodDelete {
		return nil
	}
	accept := strings.Split(strings.Join(r.Header.Values("Accept"), ","), ",")
	var jsonOK, streamOK bool
	for _, c := range accept {
		switch strings.TrimSpace(c) {
		case "application/json", "application/*":
			jsonOK = true
		case "text/event-stream", "text/*":
			streamOK = true
		case "*/*":
			jsonOK = true
			streamOK = true
		}
	}
	if r.Method == http.MethodGet {
		if !streamOK {
			return errors.New("Accept must contain 'text/event-stream' for GET requests")
		}
		return nil
	}
	if !jsonOK || !streamOK {
		return errors.New("Accept must contain both 'application/json' and 'text/event-stream'")
	}
	return nil
}

// generateSessionID mints a v4 UUID for a new session.
func generateSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return id.String(), nil
}

// sameIdentity reports whether two identities name the same principal.
func sameIdentity(a, b *identity.Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ClaimType == b.ClaimType && a.ClaimValue == b.ClaimValue && a.Issuer == b.Issuer
}

var _ http.Handler = (*Handler)(nil)
