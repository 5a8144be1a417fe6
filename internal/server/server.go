// Package server wires configuration into a running session service: the
// stores, the streamable handler, the idle reaper, and the ops endpoints.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/txn2/mcp-sessions/pkg/config"
	"github.com/txn2/mcp-sessions/pkg/database/migrate"
	"github.com/txn2/mcp-sessions/pkg/eventstore"
	"github.com/txn2/mcp-sessions/pkg/guard"
	"github.com/txn2/mcp-sessions/pkg/health"
	"github.com/txn2/mcp-sessions/pkg/identity"
	"github.com/txn2/mcp-sessions/pkg/reaper"
	"github.com/txn2/mcp-sessions/pkg/session"
	sessionpostgres "github.com/txn2/mcp-sessions/pkg/session/postgres"
	"github.com/txn2/mcp-sessions/pkg/streamable"
)

// Version is set at build time.
var Version = "dev"

const (
	// mcpPath is where the streamable handler is mounted.
	mcpPath = "/mcp"

	// dbConnectTimeout bounds the startup connectivity check.
	dbConnectTimeout = 5 * time.Second

	// shutdownTimeout bounds graceful HTTP shutdown.
	shutdownTimeout = 10 * time.Second
)

// Server is the assembled session service.
type Server struct {
	cfg     *config.Config
	handler *streamable.Handler
	reaper  *reaper.Reaper
	checker *health.Checker
	httpSrv *http.Server

	sessions session.Store
	events   eventstore.Store
	db       *sql.DB

	mu   sync.Mutex
	addr string
}

// New assembles a server from validated configuration. mcpServer is the
// MCP server every new session binds to.
func New(cfg *config.Config, mcpServer *mcp.Server) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if mcpServer == nil {
		return nil, fmt.Errorf("mcp server is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessions, db, err := buildSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	events, err := buildEventStore(cfg)
	if err != nil {
		_ = sessions.Close()
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	handler := streamable.NewHandler(
		func(*http.Request) *mcp.Server { return mcpServer },
		sessions, events,
		&streamable.Options{
			Guard:    guard.New(cfg.Server.AllowedHosts...),
			Resolver: newResolver(cfg),
			Policy: streamable.StreamPolicy{
				RetryHint:            cfg.Streams.RetryInterval,
				MaxStreamLife:        cfg.Streams.MaxStreamLife,
				MaxEventsPerResponse: cfg.Streams.MaxEventsPerResponse,
			},
		},
	)

	s := &Server{
		cfg:      cfg,
		handler:  handler,
		checker:  health.NewChecker(),
		sessions: sessions,
		events:   events,
		db:       db,
	}

	s.reaper = reaper.New(sessions, events, reaper.Config{
		Interval:    cfg.Reaper.Interval,
		IdleTimeout: cfg.Sessions.IdleTimeout,
		OnPruned:    handler.CloseSession,
	}, nil)

	s.checker.SetStats(func() health.Stats {
		return health.Stats{
			LiveSessions: handler.LiveSessions(),
			OpenStreams:  handler.OpenStreams(),
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.checker.LivenessHandler())
	mux.HandleFunc("/readyz", s.checker.ReadinessHandler())
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.Handle(mcpPath, handler)

	s.httpSrv = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		// Only the header read is bounded. Request and response bodies
		// stay open for the life of a stream, so whole-request timeouts
		// would sever healthy SSE connections.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// NewWithConfig loads and validates the configuration file, then assembles
// the server.
func NewWithConfig(path string, mcpServer *mcp.Server) (*Server, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, mcpServer)
}

// newResolver builds the identity resolver. The JWT resolver handles the
// anonymous case itself, so it serves every deployment shape.
func newResolver(cfg *config.Config) identity.Resolver {
	return identity.NewJWTResolver(identity.JWTConfig{
		SigningKey: []byte(cfg.Identity.JWT.SigningKey),
		Issuer:     cfg.Identity.JWT.Issuer,
	})
}

// buildSessionStore constructs the configured session backend. The
// returned db handle is non-nil only for postgres, whose schema is
// migrated before first use.
func buildSessionStore(cfg *config.Config) (session.Store, *sql.DB, error) {
	switch cfg.Sessions.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(), nil, nil
	case config.BackendRedis:
		store, err := session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.Sessions.Redis.Addr,
			Password: cfg.Sessions.Redis.Password,
			DB:       cfg.Sessions.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating redis session store: %w", err)
		}
		return store, nil, nil
	case config.BackendPostgres:
		db, err := openPostgres(cfg.Sessions.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := migrate.Run(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrating session schema: %w", err)
		}
		return sessionpostgres.New(db), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}
}

// buildEventStore constructs the configured event backend.
func buildEventStore(cfg *config.Config) (eventstore.Store, error) {
	retention := eventstore.Config{
		SlidingTTL:  cfg.Events.SlidingTTL,
		AbsoluteTTL: cfg.Events.AbsoluteTTL,
	}
	switch cfg.Events.Backend {
	case config.BackendMemory:
		return eventstore.NewMemoryStore(retention, nil), nil
	case config.BackendRedis:
		store, err := eventstore.NewRedisStore(eventstore.RedisConfig{
			Addr:     cfg.Events.Redis.Addr,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		}, retention, nil)
		if err != nil {
			return nil, fmt.Errorf("creating redis event store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

// openPostgres opens and pings the session database.
func openPostgres(cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), dbConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	return db, nil
}

// Run starts the HTTP listener and the reaper and blocks until ctx is
// cancelled or a component fails. On cancellation the live sessions are
// closed first so hanging streams release their connections, then the
// HTTP server drains.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Address, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.checker.SetReady()
	slog.Info("server listening", "address", ln.Addr().String(), "mcp_path", mcpPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.checker.SetDraining()
		_ = s.handler.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Addr returns the bound listen address, empty until Run has started the
// listener.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler returns the streamable MCP handler, for embedding in an
// existing mux instead of Run.
func (s *Server) Handler() *streamable.Handler {
	return s.handler
}

// Config returns the server configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// Close releases every server resource. Persisted session and event state
// is left in place for the next process life.
func (s *Server) Close() error {
	var errs []error
	if err := s.handler.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing handler: %w", err))
	}
	if err := s.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing event store: %w", err))
	}
	if err := s.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing session store: %w", err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing server: %v", errs)
	}
	return nil
}
