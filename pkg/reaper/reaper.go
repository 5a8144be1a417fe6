// Package reaper runs the background sweep that keeps the transport's
// stores bounded: sessions idle past the configured timeout are pruned,
// their stream state is dropped, and expired events are removed.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/txn2/mcp-sessions/pkg/eventstore"
	"github.com/txn2/mcp-sessions/pkg/session"
)

const (
	// DefaultInterval is the sweep cadence when none is configured.
	DefaultInterval = time.Minute

	// DefaultIdleTimeout is how long a session may stay inactive before
	// the reaper removes it.
	DefaultIdleTimeout = 2 * time.Hour
)

// Config controls the reaper schedule.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// IdleTimeout is the inactivity span after which a session is pruned.
	IdleTimeout time.Duration

	// OnPruned, when set, is invoked for each pruned session ID so the
	// transport layer can tear down any live connection state it still
	// holds for that session.
	OnPruned func(sessionID string)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Reaper periodically prunes idle sessions and expired events.
type Reaper struct {
	sessions session.Store
	events   eventstore.Store
	cfg      Config
	clock    clockwork.Clock
}

// New creates a reaper over the given stores. A nil clock uses the real
// one; tests inject a fake to drive sweeps deterministically.
func New(sessions session.Store, events eventstore.Store, cfg Config, clock clockwork.Clock) *Reaper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reaper{
		sessions: sessions,
		events:   events,
		cfg:      cfg.withDefaults(),
		clock:    clock,
	}
}

// Run sweeps on the configured interval until ctx is cancelled, then
// returns nil. Sweep errors are logged, never fatal: a failed sweep is
// retried on the next tick.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pruning pass: idle sessions first, cascading into their
// event streams, then expired events across all remaining streams.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.clock.Now()

	pruned, err := r.sessions.PruneIdle(ctx, r.cfg.IdleTimeout, now)
	if err != nil {
		slog.Warn("reaper: pruning idle sessions", "error", err)
	}
	for _, id := range pruned {
		if err := r.events.DropSession(ctx, id); err != nil {
			slog.Warn("reaper: dropping session streams", "session_id", id, "error", err)
		}
		if r.cfg.OnPruned != nil {
			r.cfg.OnPruned(id)
		}
	}

	removed, err := r.events.CleanExpired(ctx, now)
	if err != nil {
		slog.Warn("reaper: cleaning expired events", "error", err)
	}

	if len(pruned) > 0 || removed > 0 {
		slog.Debug("reaper sweep complete",
			"sessions_pruned", len(pruned),
			"events_removed", removed)
	}
}
