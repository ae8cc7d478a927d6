// Package grace tracks bounded, reason-tagged suppression windows.
// A grace period only suppresses expiry, it never causes state change,
// so duplicate suppression across racing tabs is safe.
package grace

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/goatkit/sessionclock/internal/config"
	"github.com/goatkit/sessionclock/internal/metrics"
	"github.com/goatkit/sessionclock/internal/models"
	"github.com/goatkit/sessionclock/internal/store"
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithMetrics records grants and rejections on the given instrumentation.
func WithMetrics(m *metrics.ClockMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// Ledger manages at most one active grace period at a time and
// enforces the per-session budget caps that keep suppression from
// becoming an unbounded bypass of the timeout policy.
type Ledger struct {
	store   store.Store
	cfg     *config.Clock
	logger  *slog.Logger
	metrics *metrics.ClockMetrics

	// Serializes this tab's read-modify-write of the budget counters.
	// Cross-tab overlap stays possible and acceptable: a grace period
	// never causes state change.
	mu sync.Mutex

	now func() time.Time
}

// NewLedger creates a ledger over the shared store.
func NewLedger(s store.Store, cfg *config.Clock, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{store: s, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins a grace period for the given reason. It returns nil,
// with a logged rejection, when the reason is unknown or either budget
// cap is exhausted. Callers must treat nil as "no protection granted"
// and never as an error.
func (l *Ledger) Start(ctx context.Context, reason models.GraceReason) *models.GracePeriodRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	duration, ok := l.cfg.GraceDuration(reason)
	if !ok {
		l.logger.Warn("grace period rejected: unknown reason", "reason", reason)
		l.rejected()
		return nil
	}

	count := l.counter(ctx, models.KeyGraceCount)
	if count >= int64(l.cfg.MaxGracePeriods) {
		l.logger.Warn("grace period rejected: count cap reached",
			"reason", reason, "count", count, "cap", l.cfg.MaxGracePeriods)
		l.rejected()
		return nil
	}

	cumulative := time.Duration(l.counter(ctx, models.KeyGraceCumulative)) * time.Millisecond
	if cumulative+duration > l.cfg.MaxTotalGraceTime {
		l.logger.Warn("grace period rejected: cumulative budget exhausted",
			"reason", reason, "cumulative", cumulative, "budget", l.cfg.MaxTotalGraceTime)
		l.rejected()
		return nil
	}

	rec := &models.GracePeriodRecord{
		Reason:    reason,
		StartTime: l.now(),
		Duration:  duration,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("failed to marshal grace record", "error", err)
		return nil
	}
	if err := l.store.Set(ctx, models.KeyGracePeriod, data); err != nil {
		l.logger.Warn("failed to persist grace record", "reason", reason, "error", err)
		return nil
	}

	l.setCounter(ctx, models.KeyGraceCount, count+1)
	l.setCounter(ctx, models.KeyGraceCumulative, int64((cumulative+duration)/time.Millisecond))

	if l.metrics != nil {
		l.metrics.GraceStarts.WithLabelValues(string(reason)).Inc()
	}
	l.logger.Info("grace period started",
		"reason", reason, "duration", duration, "count", count+1)
	return rec
}

func (l *Ledger) rejected() {
	if l.metrics != nil {
		l.metrics.GraceRejections.Inc()
	}
}

// Status derives the current grace state. A record whose window has
// passed reads as inactive without requiring a cleanup write.
func (l *Ledger) Status(ctx context.Context) models.GraceStatus {
	rec := l.load(ctx)
	now := l.now()
	if !rec.Active(now) {
		return models.GraceStatus{}
	}
	return models.GraceStatus{
		Active:    true,
		Reason:    rec.Reason,
		Remaining: rec.ExpiresAt().Sub(now),
	}
}

// ShouldSkipCheck reports whether expiry evaluation is suppressed.
func (l *Ledger) ShouldSkipCheck(ctx context.Context) bool {
	return l.Status(ctx).Active
}

// Consume explicitly ends the active grace period before its natural
// expiry, for collaborators that finished the protected action early.
func (l *Ledger) Consume(ctx context.Context) {
	if err := l.store.Delete(ctx, models.KeyGracePeriod); err != nil {
		l.logger.Warn("failed to consume grace record", "error", err)
	}
}

// CleanupExpired removes a record whose window has passed. Idempotent;
// called on tab start-up and periodically.
func (l *Ledger) CleanupExpired(ctx context.Context) {
	rec := l.load(ctx)
	if rec == nil || rec.Active(l.now()) {
		return
	}
	if err := l.store.Delete(ctx, models.KeyGracePeriod); err != nil {
		l.logger.Warn("failed to remove expired grace record", "error", err)
	}
}

// CleanupOrphaned removes a record old enough that only a crashed tab
// can have left it. Returns the number of records removed (0 or 1).
func (l *Ledger) CleanupOrphaned(ctx context.Context) int {
	rec := l.load(ctx)
	if rec == nil || !rec.Orphaned(l.now(), l.cfg.OrphanAge()) {
		return 0
	}
	if err := l.store.Delete(ctx, models.KeyGracePeriod); err != nil {
		l.logger.Warn("failed to remove orphaned grace record", "error", err)
		return 0
	}
	l.logger.Info("removed orphaned grace record",
		"reason", rec.Reason, "age", l.now().Sub(rec.StartTime))
	return 1
}

// ResetBudget zeroes the cumulative counters. Called once at session
// start; silent extensions never touch these.
func (l *Ledger) ResetBudget(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setCounter(ctx, models.KeyGraceCount, 0)
	l.setCounter(ctx, models.KeyGraceCumulative, 0)
}

func (l *Ledger) load(ctx context.Context) *models.GracePeriodRecord {
	data, err := l.store.Get(ctx, models.KeyGracePeriod)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		l.logger.Warn("failed to read grace record", "error", err)
		return nil
	}
	var rec models.GracePeriodRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		l.logger.Warn("unparseable grace record, ignoring", "error", err)
		return nil
	}
	return &rec
}

func (l *Ledger) counter(ctx context.Context, key string) int64 {
	data, err := l.store.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (l *Ledger) setCounter(ctx context.Context, key string, n int64) {
	if err := l.store.Set(ctx, key, []byte(strconv.FormatInt(n, 10))); err != nil {
		l.logger.Warn("failed to persist grace counter", "key", key, "error", err)
	}
}
