// Package guard wraps long-running protected operations in a fail-safe
// marker. Cleanup is guaranteed by three independent mechanisms: a
// deferred removal on every exit path, a teardown hook fired when the
// tab shuts down, and a staleness check on every read. No single
// failure defeats all three.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goatkit/sessionclock/internal/models"
	"github.com/goatkit/sessionclock/internal/store"
)

// Guard protects critical operations with a time-bounded marker in the
// tab-scoped store. A critical operation is local to the tab running
// it, so the marker never crosses tabs.
type Guard struct {
	store       store.Store
	maxDuration time.Duration
	logger      *slog.Logger

	teardownOnce sync.Once
	now          func() time.Time
}

// New creates a guard and sweeps any stale marker a crashed run of
// this tab left behind, so the guard starts clean.
func New(ctx context.Context, s store.Store, maxDuration time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{store: s, maxDuration: maxDuration, logger: logger, now: time.Now}
	g.sweepStale(ctx)
	return g
}

// Protect writes the marker, runs op, and removes the marker on every
// exit path including panics. The operation's error passes through
// untouched; guard internals never mask it.
func (g *Guard) Protect(ctx context.Context, name string, op func(ctx context.Context) error) error {
	rec := &models.CriticalOperationRecord{
		OperationName: name,
		StartTime:     g.now(),
		MaxDuration:   g.maxDuration,
	}
	if data, err := json.Marshal(rec); err == nil {
		if err := g.store.Set(ctx, models.KeyCriticalOperation, data); err != nil {
			g.logger.Warn("failed to persist critical-operation marker, proceeding unprotected",
				"operation", name, "error", err)
		}
	}

	defer g.remove(ctx, name)

	return op(ctx)
}

// InProgress reports whether a live, non-stale marker exists. A stale
// marker reads as absent; the original writer need not still be alive.
func (g *Guard) InProgress(ctx context.Context) bool {
	rec := g.load(ctx)
	if rec == nil {
		return false
	}
	if rec.Stale(g.now()) {
		// Self-heal opportunistically; correctness never depends on
		// this write landing.
		g.remove(ctx, rec.OperationName)
		return false
	}
	return true
}

// Current returns the live marker, if any.
func (g *Guard) Current(ctx context.Context) *models.CriticalOperationRecord {
	rec := g.load(ctx)
	if rec == nil || rec.Stale(g.now()) {
		return nil
	}
	return rec
}

// ForceClear removes the marker unconditionally. Operator escape hatch.
func (g *Guard) ForceClear(ctx context.Context) {
	g.remove(ctx, "force-clear")
	g.logger.Info("critical-operation marker force-cleared")
}

// Teardown removes any live marker when the tab is closed or navigated
// away mid-operation. One-shot; safe to call from signal handlers and
// deferred shutdown paths alike.
func (g *Guard) Teardown(ctx context.Context) {
	g.teardownOnce.Do(func() {
		if g.load(ctx) != nil {
			g.logger.Info("tab teardown with critical operation in flight, removing marker")
			g.remove(ctx, "teardown")
		}
	})
}

func (g *Guard) sweepStale(ctx context.Context) {
	rec := g.load(ctx)
	if rec == nil || !rec.Stale(g.now()) {
		return
	}
	g.logger.Info("sweeping stale critical-operation marker",
		"operation", rec.OperationName, "age", g.now().Sub(rec.StartTime))
	g.remove(ctx, rec.OperationName)
}

func (g *Guard) load(ctx context.Context) *models.CriticalOperationRecord {
	data, err := g.store.Get(ctx, models.KeyCriticalOperation)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		g.logger.Warn("failed to read critical-operation marker", "error", err)
		return nil
	}
	var rec models.CriticalOperationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		g.logger.Warn("unparseable critical-operation marker, ignoring", "error", err)
		return nil
	}
	return &rec
}

func (g *Guard) remove(ctx context.Context, name string) {
	if err := g.store.Delete(ctx, models.KeyCriticalOperation); err != nil {
		g.logger.Warn("failed to remove critical-operation marker",
			"operation", name, "error", err)
	}
}
