// Package crosstab propagates extend/expire decisions between tabs
// over the shared store's change notifications. Delivery is
// at-least-once and unordered; every consumer stays idempotent against
// the persisted token state, so duplicates and reorderings are safe.
package crosstab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goatkit/sessionclock/internal/models"
	"github.com/goatkit/sessionclock/internal/store"
)

// ExtendedHandler consumes an incoming extension broadcast.
type ExtendedHandler func(msg models.BroadcastMessage)

// ExpiredHandler consumes an incoming expiry broadcast.
type ExpiredHandler func(reason models.ExpiryReason)

// Channel is one tab's endpoint on the shared broadcast key.
type Channel struct {
	store  store.Watchable
	tabID  string
	logger *slog.Logger

	mu         sync.RWMutex
	onExtended []ExtendedHandler
	onExpired  []ExpiredHandler
}

// New creates a channel with a fresh tab identity.
func New(s store.Watchable, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		store:  s,
		tabID:  uuid.NewString(),
		logger: logger,
	}
}

// TabID returns this tab's identity, used to drop self-originated
// broadcasts.
func (c *Channel) TabID() string {
	return c.tabID
}

// OnExtended registers a handler for extension broadcasts.
func (c *Channel) OnExtended(fn ExtendedHandler) {
	c.mu.Lock()
	c.onExtended = append(c.onExtended, fn)
	c.mu.Unlock()
}

// OnExpired registers a handler for expiry broadcasts.
func (c *Channel) OnExpired(fn ExpiredHandler) {
	c.mu.Lock()
	c.onExpired = append(c.onExpired, fn)
	c.mu.Unlock()
}

// Start begins consuming broadcasts until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	events, err := c.store.Watch(ctx)
	if err != nil {
		return err
	}
	go c.consume(ctx, events)
	return nil
}

// PublishExtended announces that this tab extended the session.
func (c *Channel) PublishExtended(ctx context.Context, silent bool) {
	c.publish(ctx, models.BroadcastMessage{
		Type:      models.BroadcastExtended,
		TabID:     c.tabID,
		Timestamp: time.Now(),
		Silent:    silent,
	})
}

// PublishExpired announces that this tab decided the session is over.
func (c *Channel) PublishExpired(ctx context.Context, reason models.ExpiryReason) {
	c.publish(ctx, models.BroadcastMessage{
		Type:      models.BroadcastExpired,
		TabID:     c.tabID,
		Timestamp: time.Now(),
		Reason:    reason,
	})
}

func (c *Channel) publish(ctx context.Context, msg models.BroadcastMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal broadcast", "type", msg.Type, "error", err)
		return
	}
	if err := c.store.Set(ctx, models.KeyBroadcast, data); err != nil {
		c.logger.Warn("failed to publish broadcast", "type", msg.Type, "error", err)
	}
}

func (c *Channel) consume(ctx context.Context, events <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Key != models.KeyBroadcast || ev.Op != store.OpSet {
				continue
			}
			c.dispatch(ctx)
		}
	}
}

// dispatch re-reads the broadcast key rather than trusting any event
// payload; the store's latest value wins regardless of event order.
func (c *Channel) dispatch(ctx context.Context) {
	data, err := c.store.Get(ctx, models.KeyBroadcast)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Warn("failed to read broadcast", "error", err)
		return
	}
	var msg models.BroadcastMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("unparseable broadcast, ignoring", "error", err)
		return
	}
	if msg.TabID == c.tabID {
		return
	}

	c.mu.RLock()
	extended := make([]ExtendedHandler, len(c.onExtended))
	copy(extended, c.onExtended)
	expired := make([]ExpiredHandler, len(c.onExpired))
	copy(expired, c.onExpired)
	c.mu.RUnlock()

	switch msg.Type {
	case models.BroadcastExtended:
		for _, fn := range extended {
			fn(msg)
		}
	case models.BroadcastExpired:
		reason := msg.Reason
		if reason == "" {
			reason = models.ExpiryUnknown
		}
		for _, fn := range expired {
			fn(reason)
		}
	default:
		c.logger.Warn("unknown broadcast type", "type", msg.Type)
	}
}
