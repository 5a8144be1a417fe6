package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oklog/ulid/v2"

	"github.com/txn2/mcp-sessions/internal/sse"
	"github.com/txn2/mcp-sessions/pkg/cancel"
	"github.com/txn2/mcp-sessions/pkg/eventstore"
	"github.com/txn2/mcp-sessions/pkg/stream"
)

const (
	// DefaultStreamID names the standalone GET stream. Streams opened by
	// POST calls get ULID identifiers, which never collide with it.
	DefaultStreamID = "0"

	// DefaultRetryHint is the reconnection interval advertised when a
	// live response ends in favor of polling.
	DefaultRetryHint = 3 * time.Second

	// incomingBuffer is the capacity of the client-to-server channel.
	incomingBuffer = 10

	// lastEventIDHeader carries the client's replay watermark on GET.
	lastEventIDHeader = "Last-Event-ID"

	// notificationCancelled is the JSON-RPC method correlating a
	// cancellation with an in-flight call.
	notificationCancelled = "notifications/cancelled"
)

// StreamPolicy bounds how long a single HTTP response is held open for
// live delivery. When a bound trips, the stream is demoted to polling:
// the response ends with a retry hint and subsequent requests replay
// stored events instead of hanging.
type StreamPolicy struct {
	// RetryHint is the reconnection interval written when a response
	// ends. Zero uses DefaultRetryHint.
	RetryHint time.Duration

	// MaxStreamLife bounds the wall-clock life of one response.
	// Zero means unbounded.
	MaxStreamLife time.Duration

	// MaxEventsPerResponse bounds events delivered on one response.
	// Zero means unbounded.
	MaxEventsPerResponse int
}

func (p StreamPolicy) withDefaults() StreamPolicy {
	if p.RetryHint <= 0 {
		p.RetryHint = DefaultRetryHint
	}
	return p
}

// ServerTransport is the server half of one streamable HTTP session. It
// implements both mcp.Transport and mcp.Connection: the MCP server reads
// client messages through Read and responds through Write, while HTTP
// requests attach and detach as delivery channels for the session's
// logical streams. Events are stored before delivery, so a dropped
// connection can always be resumed from the client's last event ID.
type ServerTransport struct {
	sessionID string
	events    eventstore.Store
	registry  *cancel.Registry
	policy    StreamPolicy
	clock     clockwork.Clock

	incoming chan jsonrpc.Message

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu             sync.Mutex
	connected      bool
	isDone         bool
	done           chan struct{}
	streams        map[string]*liveStream
	requestStreams map[jsonrpc.ID]string
	releases       map[jsonrpc.ID]func()
}

// NewServerTransport creates the transport for one session. A nil
// registry or clock falls back to a private registry and the real clock.
func NewServerTransport(sessionID string, events eventstore.Store, registry *cancel.Registry, policy StreamPolicy, clock clockwork.Clock) *ServerTransport {
	if registry == nil {
		registry = cancel.NewRegistry()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &ServerTransport{
		sessionID:      sessionID,
		events:         events,
		registry:       registry,
		policy:         policy.withDefaults(),
		clock:          clock,
		incoming:       make(chan jsonrpc.Message, incomingBuffer),
		lifeCtx:        lifeCtx,
		lifeCancel:     lifeCancel,
		done:           make(chan struct{}),
		streams:        make(map[string]*liveStream),
		requestStreams: make(map[jsonrpc.ID]string),
		releases:       make(map[jsonrpc.ID]func()),
	}
}

// Connect implements mcp.Transport. The transport is its own connection
// and may be connected at most once.
func (t *ServerTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil, errors.New("transport already connected")
	}
	t.connected = true
	t.mu.Unlock()

	if err := t.events.OpenStream(ctx, t.sessionID, DefaultStreamID, nil); err != nil {
		return nil, fmt.Errorf("opening standalone stream: %w", err)
	}

	t.mu.Lock()
	t.streams[DefaultStreamID] = newLiveStream(DefaultStreamID)
	t.mu.Unlock()
	return t, nil
}

// SessionID implements mcp.Connection.
func (t *ServerTransport) SessionID() string {
	return t.sessionID
}

// OpenStreams reports the number of logical streams the transport still
// tracks: the standalone stream plus any request streams whose replies
// have not all been delivered.
func (t *ServerTransport) OpenStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Read implements mcp.Connection, feeding the MCP server the next
// client message.
func (t *ServerTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	case msg := <-t.incoming:
		return msg, nil
	}
}

// Write implements mcp.Connection. The message is classified, stored if
// its kind is retained, and delivered to the stream's attached response,
// in that order: storage first means a connection lost mid-write is
// recoverable by replay. Responses land on the stream of the request
// they answer; everything else lands on the standalone stream.
func (t *ServerTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	ev := eventstore.Event{Kind: classify(msg), Name: "message", Data: data}
	streamID := DefaultStreamID
	var replyTo jsonrpc.ID
	if resp, ok := msg.(*jsonrpc.Response); ok {
		replyTo = resp.ID
		ev.ReplyTo = requestKey(resp.ID)
	}

	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		return errors.New("session is closed")
	}
	var release func()
	if replyTo.IsValid() {
		sid, ok := t.requestStreams[replyTo]
		if !ok {
			// The call was already answered or abandoned by cancellation.
			// A late reply has nowhere to go; dropping it keeps the session
			// alive and honors the rule that cancelled calls get no answer.
			t.mu.Unlock()
			slog.Debug("dropping reply with no open request",
				"session_id", t.sessionID, "request", requestKey(replyTo))
			return nil
		}
		streamID = sid
		delete(t.requestStreams, replyTo)
		release = t.releases[replyTo]
		delete(t.releases, replyTo)
	}
	s := t.streams[streamID]
	t.mu.Unlock()

	if s == nil {
		return fmt.Errorf("write to closed stream %s", streamID)
	}

	// Append and deliver under the stream lock so a concurrent resume
	// cannot interleave: a message is either in the replayed prefix or
	// delivered live, never both and never neither.
	s.mu.Lock()
	eventID, appendErr := t.events.Append(ctx, t.sessionID, streamID, ev)
	finished, deliverErr := t.deliverLocked(s, data, eventID, replyTo)
	s.mu.Unlock()

	if release != nil {
		release()
	}
	if finished {
		t.removeStream(s.id)
	}

	if appendErr != nil {
		slog.Warn("storing event", "session_id", t.sessionID, "stream_id", streamID, "error", appendErr)
	}
	// Only an outgoing call that could be neither stored nor delivered
	// fails the write; its caller is blocked on the answer and must learn
	// it will never come. Undeliverable notifications and replies are
	// dropped: the session is not broken just because no reader is
	// attached right now.
	stored := appendErr == nil && eventID != ""
	if deliverErr != nil && !stored && ev.Kind == eventstore.KindRequest {
		return fmt.Errorf("undelivered message: %w", deliverErr)
	}
	return nil
}

// Close implements mcp.Connection, ending the session: all hanging
// responses are released and every stream goes terminal. Stored events
// are not touched here; explicit session teardown is the handler's job,
// and a transport closed by a server restart must leave events in place
// for resumption.
func (t *ServerTransport) Close() error {
	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		return nil
	}
	t.isDone = true
	close(t.done)
	streams := make([]*liveStream, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	t.mu.Unlock()

	t.lifeCancel()
	for _, s := range streams {
		s.mu.Lock()
		s.state.Close()
		if s.done != nil {
			close(s.done)
			s.done = nil
		}
		s.mu.Unlock()
	}
	return nil
}

// servePOST handles one decoded client message. Calls open a logical
// stream and hold the response until every reply is delivered or a
// stream policy trips; notifications and responses are accepted with 202.
func (t *ServerTransport) servePOST(w http.ResponseWriter, r *http.Request, msg jsonrpc.Message) {
	req, isReq := msg.(*jsonrpc.Request)
	if isReq && req.Method == notificationCancelled {
		// Fire the correlator, then still forward the notification so the
		// server's own bookkeeping observes it.
		t.fireCancellation(req)
	}

	if !isReq || !req.IsCall() {
		if err := t.publish(r.Context(), msg); err != nil {
			http.Error(w, "session is closing", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	streamID := ulid.Make().String()
	if err := t.events.OpenStream(r.Context(), t.sessionID, streamID, []string{requestKey(req.ID)}); err != nil {
		http.Error(w, fmt.Sprintf("opening stream: %v", err), http.StatusInternalServerError)
		return
	}

	s := newLiveStream(streamID)
	s.requests[req.ID] = struct{}{}
	s.mu.Lock()
	done := s.claimLocked(w)
	s.mu.Unlock()

	cctx, release := t.registry.Register(t.lifeCtx, requestKey(req.ID))

	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		release()
		http.Error(w, "session is closing", http.StatusNotFound)
		return
	}
	t.streams[streamID] = s
	t.requestStreams[req.ID] = streamID
	t.releases[req.ID] = release
	t.mu.Unlock()

	go t.watchCancellation(cctx, req.ID)

	writeStreamHeaders(w)
	if err := t.publish(r.Context(), req); err != nil {
		t.abandonCall(req.ID)
		http.Error(w, "session is closing", http.StatusNotFound)
		return
	}

	t.hang(r.Context(), s, done)
}

// serveGET attaches the request as the delivery channel for a stream.
// Without Last-Event-ID it claims the standalone stream and replays its
// retained backlog; with one, it replays the suffix after the watermark
// and then either goes live or, for a polling or completed stream, ends
// immediately with a retry hint.
func (t *ServerTransport) serveGET(w http.ResponseWriter, r *http.Request) {
	watermark := eventstore.FormatEventID(DefaultStreamID, 0)
	streamID := DefaultStreamID
	if len(r.Header.Values(lastEventIDHeader)) > 0 {
		watermark = r.Header.Get(lastEventIDHeader)
		sid, _, err := eventstore.ParseEventID(watermark)
		if err != nil {
			http.Error(w, fmt.Sprintf("malformed Last-Event-ID %q", watermark), http.StatusBadRequest)
			return
		}
		streamID = sid
	}

	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		http.Error(w, "session is closing", http.StatusNotFound)
		return
	}
	s := t.streams[streamID]
	t.mu.Unlock()

	if s == nil {
		// The stream is complete or belongs to a previous process life.
		// Replay whatever is stored and end; the client polls again with
		// its advanced watermark.
		t.replayAndEnd(w, r, watermark)
		return
	}

	s.mu.Lock()
	if s.w != nil {
		s.mu.Unlock()
		http.Error(w, "stream already has an active connection", http.StatusConflict)
		return
	}
	if s.state.Mode() == stream.Polling {
		s.mu.Unlock()
		t.replayAndEnd(w, r, watermark)
		return
	}

	// Claim before writing: holding s.mu across replay and claim means
	// concurrent writes are either in the replayed prefix or delivered
	// live after the claim, never dropped or duplicated.
	replay, err := t.collectReplay(r.Context(), watermark)
	if err != nil {
		s.mu.Unlock()
		http.Error(w, "failed to replay events", http.StatusBadRequest)
		return
	}
	done := s.claimLocked(w)
	writeStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	for _, ev := range replay {
		if werr := sse.Write(w, ev); werr != nil {
			s.releaseLocked()
			s.mu.Unlock()
			return
		}
	}
	s.flushLocked()
	s.mu.Unlock()

	t.hang(r.Context(), s, done)
}

// replayAndEnd serves a polling read: stored events after the watermark,
// a retry hint, and no hanging.
func (t *ServerTransport) replayAndEnd(w http.ResponseWriter, r *http.Request, watermark string) {
	replay, err := t.collectReplay(r.Context(), watermark)
	if err != nil {
		http.Error(w, "failed to replay events", http.StatusBadRequest)
		return
	}
	writeStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	for _, ev := range replay {
		if err := sse.Write(w, ev); err != nil {
			return
		}
	}
	// A bare retry frame paces the client's next poll without
	// dispatching a message.
	_ = sse.Write(w, sse.Event{Retry: t.policy.RetryHint})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// collectReplay gathers the replayable suffix before anything is
// written, so replay failures can still change the HTTP status.
func (t *ServerTransport) collectReplay(ctx context.Context, watermark string) ([]sse.Event, error) {
	var events []sse.Event
	err := t.events.ReplayAfter(ctx, t.sessionID, watermark, func(ev eventstore.Event) error {
		name := ev.Name
		if name == "" {
			name = "message"
		}
		events = append(events, sse.Event{ID: ev.ID, Name: name, Data: ev.Data, Retry: ev.Retry})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// hang holds the HTTP response open for live delivery until the stream
// completes, the client goes away, the session ends, or the stream's
// life bound trips and demotes it to polling.
func (t *ServerTransport) hang(ctx context.Context, s *liveStream, done <-chan struct{}) {
	var life <-chan time.Time
	if t.policy.MaxStreamLife > 0 {
		life = t.clock.After(t.policy.MaxStreamLife)
	}
	select {
	case <-ctx.Done():
	case <-done:
	case <-t.done:
	case <-life:
		s.mu.Lock()
		t.demoteLocked(s)
		s.mu.Unlock()
	}
	s.release()
}

// deliverLocked records the reply accounting and writes the event to the
// stream's attached response. It reports whether the stream is finished
// (all its requests answered). s.mu must be held.
func (t *ServerTransport) deliverLocked(s *liveStream, data []byte, eventID string, replyTo jsonrpc.ID) (finished bool, err error) {
	// Accounting happens even when nothing is attached: the stored event
	// covers delivery by replay.
	if replyTo.IsValid() {
		delete(s.requests, replyTo)
	}
	if eventID != "" {
		if _, seq, perr := eventstore.ParseEventID(eventID); perr == nil {
			s.state.Advance(seq)
		}
	}
	finished = len(s.requests) == 0 && s.id != DefaultStreamID
	if finished {
		s.state.Close()
	}

	if s.done == nil {
		return finished, errors.New("stream has no active connection")
	}
	if finished {
		defer func() {
			close(s.done)
			s.done = nil
		}()
	}
	if werr := sse.Write(s.w, sse.Event{ID: eventID, Name: "message", Data: data}); werr != nil {
		return finished, werr
	}
	s.flushLocked()

	s.deliveredOnClaim++
	if !finished && t.policy.MaxEventsPerResponse > 0 && s.deliveredOnClaim >= t.policy.MaxEventsPerResponse {
		t.demoteLocked(s)
	}
	return finished, nil
}

// demoteLocked moves the stream to polling and releases its hanging
// response with a final retry hint. Every delivered event was stored
// before delivery, so the flush precondition for the transition holds
// structurally. s.mu must be held.
func (t *ServerTransport) demoteLocked(s *liveStream) {
	if s.done == nil {
		return
	}
	if err := s.state.ToPolling(nil); err != nil {
		return
	}
	_ = sse.Write(s.w, sse.Event{Retry: t.policy.RetryHint})
	s.flushLocked()
	close(s.done)
	s.done = nil
}

// publish hands a client message to the MCP server.
func (t *ServerTransport) publish(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case t.incoming <- msg:
		return nil
	case <-t.done:
		return errors.New("session is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchCancellation abandons the call when its context is cancelled by
// the correlator: the client said it no longer wants the answer, so the
// stream stops waiting for it. Session teardown cancels the same context
// with a different cause and is not an abandonment.
func (t *ServerTransport) watchCancellation(cctx context.Context, id jsonrpc.ID) {
	<-cctx.Done()
	if errors.Is(context.Cause(cctx), cancel.ErrCancelled) {
		t.abandonCall(id)
	}
}

// fireCancellation correlates a cancellation notification with its
// in-flight call. Unknown or completed request IDs are silent no-ops.
// The call is abandoned before the notification is forwarded, so a
// response the server may still emit finds its route already gone.
func (t *ServerTransport) fireCancellation(req *jsonrpc.Request) {
	var params struct {
		RequestID any    `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.RequestID == nil {
		return
	}
	key := rawRequestKey(params.RequestID)
	t.registry.Cancel(key, params.Reason)
	t.abandonCallByKey(key)
}

// abandonCallByKey abandons the in-flight call whose canonical ID key
// matches. Cancellation params carry the raw ID, not the decoded one.
func (t *ServerTransport) abandonCallByKey(key string) {
	t.mu.Lock()
	var match jsonrpc.ID
	var found bool
	for id := range t.requestStreams {
		if requestKey(id) == key {
			match, found = id, true
			break
		}
	}
	t.mu.Unlock()
	if found {
		t.abandonCall(match)
	}
}

// abandonCall drops a cancelled call from its stream, ending the
// response if nothing else is pending on it.
func (t *ServerTransport) abandonCall(id jsonrpc.ID) {
	t.mu.Lock()
	streamID, ok := t.requestStreams[id]
	var s *liveStream
	var release func()
	if ok {
		delete(t.requestStreams, id)
		release = t.releases[id]
		delete(t.releases, id)
		s = t.streams[streamID]
	}
	t.mu.Unlock()
	if release != nil {
		release()
	}
	if s == nil {
		return
	}

	s.mu.Lock()
	delete(s.requests, id)
	finished := len(s.requests) == 0 && s.id != DefaultStreamID
	if finished {
		s.state.Close()
		if s.done != nil {
			close(s.done)
			s.done = nil
		}
	}
	s.mu.Unlock()

	if finished {
		t.removeStream(streamID)
	}
}

func (t *ServerTransport) removeStream(id string) {
	if id == DefaultStreamID {
		return
	}
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

// liveStream is the in-process delivery state for one logical stream: at
// most one HTTP response attached at a time, the set of calls awaiting
// replies, and the stream's delivery mode.
type liveStream struct {
	id    string
	state *stream.State

	mu               sync.Mutex
	w                http.ResponseWriter
	flusher          http.Flusher
	done             chan struct{}
	requests         map[jsonrpc.ID]struct{}
	deliveredOnClaim int
}

func newLiveStream(id string) *liveStream {
	return &liveStream{
		id:       id,
		state:    stream.NewState(id),
		requests: make(map[jsonrpc.ID]struct{}),
	}
}

// claimLocked attaches a response as the stream's delivery channel and
// returns the channel closed when the response should end. s.mu held.
func (s *liveStream) claimLocked(w http.ResponseWriter) chan struct{} {
	s.w = w
	s.flusher, _ = w.(http.Flusher)
	s.done = make(chan struct{})
	s.deliveredOnClaim = 0
	return s.done
}

func (s *liveStream) releaseLocked() {
	s.w = nil
	s.flusher = nil
	s.done = nil
}

// release detaches the stream from its response once the hanging request
// returns, making it claimable by a resume.
func (s *liveStream) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *liveStream) flushLocked() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// classify maps a wire message to its retention kind: responses are
// replies, requests with an ID are calls, and everything else is a
// notification.
func classify(msg jsonrpc.Message) eventstore.Kind {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		return eventstore.KindReply
	case *jsonrpc.Request:
		if m.IsCall() {
			return eventstore.KindRequest
		}
	}
	return eventstore.KindNotification
}

// requestKey canonicalizes a JSON-RPC request ID into a stable string
// for store keys and the cancellation registry.
func requestKey(id jsonrpc.ID) string {
	b, err := json.Marshal(id)
	if err != nil {
		return fmt.Sprintf("%v", id)
	}
	return string(b)
}

// rawRequestKey canonicalizes a request ID decoded from notification
// params. JSON numbers decode as float64 there, while message IDs carry
// int64; marshaling collapses both to the same wire text.
func rawRequestKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
}

// Verify interface compliance.
var (
	_ mcp.Transport  = (*ServerTransport)(nil)
	_ mcp.Connection = (*ServerTransport)(nil)
)
