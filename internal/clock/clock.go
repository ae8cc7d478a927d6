// Package clock implements the session state machine. On every tick it
// reads the token, activity, grace, and critical-operation records,
// decides the session tier, and pushes the decision to sibling tabs.
package clock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/goatkit/sessionclock/internal/config"
	"github.com/goatkit/sessionclock/internal/crosstab"
	"github.com/goatkit/sessionclock/internal/grace"
	"github.com/goatkit/sessionclock/internal/guard"
	"github.com/goatkit/sessionclock/internal/metrics"
	"github.com/goatkit/sessionclock/internal/models"
	"github.com/goatkit/sessionclock/internal/token"
)

// Events carries the listener callbacks the UI collaborators register.
// Nil callbacks are skipped. Callbacks run on the tick goroutine and
// must not block.
type Events struct {
	Warning  func(remainingMinutes int)
	Extended func(at time.Time, silent bool)
	Expired  func(reason models.ExpiryReason)
}

// Status is the point-in-time answer to "how is the session doing".
type Status struct {
	Tier             models.SessionTier `json:"tier"`
	Remaining        time.Duration      `json:"remaining"`
	RemainingMinutes int                `json:"remaining_minutes"`
	Formatted        string             `json:"formatted"`
	Urgency          models.UrgencyTier `json:"urgency"`
	Grace            models.GraceStatus `json:"grace"`
	CriticalOp       bool               `json:"critical_operation"`
}

// Clock is one tab's session state machine.
type Clock struct {
	cfg     *config.Clock
	tokens  *token.Manager
	ledger  *grace.Ledger
	guard   *guard.Guard
	channel *crosstab.Channel
	metrics *metrics.ClockMetrics
	logger  *slog.Logger
	events  Events

	// Rate limit on silent extensions so an active user cannot trigger
	// unbounded writes to the shared store.
	limiter *rate.Limiter

	mu           sync.Mutex
	tier         models.SessionTier
	warnedAt     int // last warning's minute count, to avoid repeats
	cancel       context.CancelFunc
	ticking      atomic.Bool
	now          func() time.Time
}

// Option applies configuration to the clock.
type Option func(*Clock)

// WithLogger injects a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Clock) { c.logger = l }
}

// WithMetrics injects a metrics instance.
func WithMetrics(m *metrics.ClockMetrics) Option {
	return func(c *Clock) { c.metrics = m }
}

// WithEvents registers the listener callbacks.
func WithEvents(ev Events) Option {
	return func(c *Clock) { c.events = ev }
}

// New wires the state machine to its collaborators and subscribes to
// cross-tab broadcasts. Call Start to begin ticking.
func New(cfg *config.Clock, tokens *token.Manager, ledger *grace.Ledger, g *guard.Guard, channel *crosstab.Channel, opts ...Option) *Clock {
	c := &Clock{
		cfg:      cfg,
		tokens:   tokens,
		ledger:   ledger,
		guard:    g,
		channel:  channel,
		logger:   slog.Default(),
		tier:     models.TierActive,
		warnedAt: -1,
		limiter:  rate.NewLimiter(rate.Every(cfg.SilentExtendInterval), 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if channel != nil {
		// An incoming expiry is authoritative; an incoming extension is
		// a cache-refresh signal. Both are idempotent.
		channel.OnExpired(func(reason models.ExpiryReason) {
			c.markExpired(reason)
		})
		channel.OnExtended(func(msg models.BroadcastMessage) {
			c.refreshAfterExtension(msg)
		})
	}
	return c
}

// Start launches the periodic evaluation loop.
func (c *Clock) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// tick runs one evaluation with a reentrancy guard: a tick that
// overruns the interval is skipped, never stacked.
func (c *Clock) tick(ctx context.Context) {
	if !c.ticking.CompareAndSwap(false, true) {
		return
	}
	defer c.ticking.Store(false)
	c.Evaluate(ctx, c.now())
}

// Evaluate runs the transition algorithm at the given instant. It is
// idempotent: evaluating the same persisted state twice yields the
// same tier and at most one emitted event.
func (c *Clock) Evaluate(ctx context.Context, now time.Time) models.SessionTier {
	if c.metrics != nil {
		c.metrics.Ticks.Inc()
	}

	// Suppression overlay: while a critical operation or a grace period
	// is live, no transition happens at all.
	if c.guard != nil && c.guard.InProgress(ctx) {
		return c.Tier()
	}
	if c.ledger != nil && c.ledger.ShouldSkipCheck(ctx) {
		return c.Tier()
	}

	tok, err := c.tokens.Load(ctx)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrInvalidToken):
			c.Expire(ctx, models.ExpiryExternal)
		case errors.Is(err, token.ErrNoToken):
			c.markExpired(models.ExpiryUnknown)
		default:
			// Transient storage failure: hold the current state rather
			// than failing toward a spurious logout.
			c.logger.Warn("token read failed, holding state", "error", err)
		}
		return c.Tier()
	}

	remaining := c.cfg.Remaining(tok, now)
	if c.metrics != nil {
		c.metrics.RemainingSeconds.Set(remaining.Seconds())
	}

	switch {
	case remaining <= 0:
		c.Expire(ctx, classifyExpiry(tok, now))

	case remaining <= c.cfg.WarningThreshold:
		if c.tokens.RecentlyActive(ctx, now, c.cfg.RecentActivityWindow) && c.limiter.Allow() {
			c.silentExtend(ctx, tok, now)
		} else {
			c.warn(now, remaining)
		}

	default:
		c.setTier(models.TierActive)
	}
	return c.Tier()
}

// Extend renews the idle expiry on explicit user request and tells the
// other tabs. Unlike silent extension it is not rate limited.
func (c *Clock) Extend(ctx context.Context) error {
	tok, err := c.tokens.Load(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	if _, err := c.tokens.ExtendIdle(ctx, tok, now); err != nil {
		return err
	}
	c.tokens.RecordActivity(ctx, now)
	c.afterExtension(ctx, now, false)
	return nil
}

// Expire ends the session: emit, clear the token, broadcast, done.
// Calling it twice is safe; only the first call acts.
func (c *Clock) Expire(ctx context.Context, reason models.ExpiryReason) {
	if !c.markExpired(reason) {
		return
	}
	if err := c.tokens.Clear(ctx); err != nil {
		c.logger.Warn("failed to clear token on expiry", "error", err)
	}
	if c.channel != nil {
		c.channel.PublishExpired(ctx, reason)
	}
	c.logger.Info("session expired", "reason", reason)
}

// Tier returns the current tier with the grace overlay applied.
func (c *Clock) Tier() models.SessionTier {
	c.mu.Lock()
	tier := c.tier
	c.mu.Unlock()
	if tier != models.TierExpired && c.ledger != nil && c.ledger.ShouldSkipCheck(context.Background()) {
		return models.TierGrace
	}
	return tier
}

// CurrentStatus assembles the query surface for display collaborators.
func (c *Clock) CurrentStatus(ctx context.Context) Status {
	now := c.now()
	st := Status{Tier: c.Tier()}
	if c.ledger != nil {
		st.Grace = c.ledger.Status(ctx)
	}
	if c.guard != nil {
		st.CriticalOp = c.guard.InProgress(ctx)
	}
	tok, err := c.tokens.Load(ctx)
	if err != nil {
		st.Formatted = config.FormatRemaining(0)
		st.Urgency = models.UrgencyCritical
		return st
	}
	st.Remaining = c.cfg.Remaining(tok, now)
	st.RemainingMinutes = c.cfg.RemainingMinutes(tok, now)
	st.Formatted = config.FormatRemaining(st.Remaining)
	st.Urgency = c.cfg.TierFor(st.Remaining)
	return st
}

func (c *Clock) silentExtend(ctx context.Context, tok *models.SessionToken, now time.Time) {
	if _, err := c.tokens.ExtendIdle(ctx, tok, now); err != nil {
		c.logger.Warn("silent extension failed", "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.SilentExtensions.Inc()
	}
	c.logger.Debug("idle expiry silently extended", "at", now)
	c.afterExtension(ctx, now, true)
}

func (c *Clock) afterExtension(ctx context.Context, at time.Time, silent bool) {
	c.mu.Lock()
	c.tier = models.TierActive
	c.warnedAt = -1
	c.mu.Unlock()
	if c.channel != nil {
		c.channel.PublishExtended(ctx, silent)
	}
	if c.events.Extended != nil {
		c.events.Extended(at, silent)
	}
}

func (c *Clock) warn(now time.Time, remaining time.Duration) {
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	c.mu.Lock()
	transitioned := c.tier != models.TierWarning
	repeat := c.warnedAt == minutes
	c.tier = models.TierWarning
	c.warnedAt = minutes
	c.mu.Unlock()

	if transitioned && c.metrics != nil {
		c.metrics.Transitions.WithLabelValues(string(models.TierWarning)).Inc()
	}
	if (transitioned || !repeat) && c.events.Warning != nil {
		c.events.Warning(minutes)
	}
}

func (c *Clock) setTier(tier models.SessionTier) {
	c.mu.Lock()
	changed := c.tier != tier
	c.tier = tier
	if tier == models.TierActive {
		c.warnedAt = -1
	}
	c.mu.Unlock()
	if changed && c.metrics != nil {
		c.metrics.Transitions.WithLabelValues(string(tier)).Inc()
	}
}

// markExpired flips the tier to expired exactly once and emits the
// expiry event. Returns false if the session was already expired.
func (c *Clock) markExpired(reason models.ExpiryReason) bool {
	c.mu.Lock()
	if c.tier == models.TierExpired {
		c.mu.Unlock()
		return false
	}
	c.tier = models.TierExpired
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Transitions.WithLabelValues(string(models.TierExpired)).Inc()
	}
	if c.events.Expired != nil {
		c.events.Expired(reason)
	}
	return true
}

// refreshAfterExtension handles a sibling tab's extension broadcast:
// the token is re-read on the next evaluation, local warning state is
// reset now.
func (c *Clock) refreshAfterExtension(msg models.BroadcastMessage) {
	c.mu.Lock()
	if c.tier == models.TierWarning {
		c.tier = models.TierActive
	}
	c.warnedAt = -1
	c.mu.Unlock()
	if c.events.Extended != nil {
		c.events.Extended(msg.Timestamp, msg.Silent)
	}
}

// classifyExpiry names which limit ran out first.
func classifyExpiry(tok *models.SessionToken, now time.Time) models.ExpiryReason {
	if !now.Before(tok.AbsoluteExpiry) {
		return models.ExpiryAbsoluteLimit
	}
	if !now.Before(tok.IdleExpiry) {
		return models.ExpiryInactivity
	}
	return models.ExpiryUnknown
}
