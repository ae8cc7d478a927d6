// Package token persists the session token and activity record in the
// shared store and ingests expiry metadata from externally issued
// tokens. Verification of the token itself belongs to the
// authentication collaborator, not here.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/goatkit/sessionclock/internal/config"
	"github.com/goatkit/sessionclock/internal/models"
	"github.com/goatkit/sessionclock/internal/store"
)

// ErrNoToken is returned when no session token is persisted.
var ErrNoToken = errors.New("token: no session token")

// ErrInvalidToken is returned for unparseable or internally
// inconsistent persisted tokens. Callers treat it as already expired.
var ErrInvalidToken = errors.New("token: invalid session token")

// Manager reads and writes the token and last-activity keys.
type Manager struct {
	store  store.Store
	cfg    *config.Clock
	logger *slog.Logger
}

// NewManager creates a token manager over the shared store.
func NewManager(s store.Store, cfg *config.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, cfg: cfg, logger: logger}
}

// Load returns the persisted token. Unparseable or inconsistent data
// yields ErrInvalidToken; the session is then fail-safe expired.
func (m *Manager) Load(ctx context.Context) (*models.SessionToken, error) {
	data, err := m.store.Get(ctx, models.KeyToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	var tok models.SessionToken
	if err := json.Unmarshal(data, &tok); err != nil {
		m.logger.Warn("persisted token is unparseable, treating session as expired", "error", err)
		return nil, ErrInvalidToken
	}
	if !tok.Valid() {
		m.logger.Warn("persisted token is internally inconsistent, treating session as expired")
		return nil, ErrInvalidToken
	}
	return &tok, nil
}

// Save persists the token.
func (m *Manager) Save(ctx context.Context, tok *models.SessionToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := m.store.Set(ctx, models.KeyToken, data); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Clear removes the token, ending the session for every tab.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Delete(ctx, models.KeyToken); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// BeginSession persists a fresh token starting at start and seeds the
// activity record. Called once by the authentication collaborator on
// login.
func (m *Manager) BeginSession(ctx context.Context, start time.Time) (*models.SessionToken, error) {
	tok := m.cfg.NewToken(start)
	if err := m.Save(ctx, tok); err != nil {
		return nil, err
	}
	m.RecordActivity(ctx, start)
	return tok, nil
}

// ExtendIdle moves the idle expiry forward from now and persists the
// token. The absolute expiry never moves.
func (m *Manager) ExtendIdle(ctx context.Context, tok *models.SessionToken, now time.Time) (*models.SessionToken, error) {
	extended := *tok
	extended.IdleExpiry = now.Add(m.cfg.IdleTimeout)
	if err := m.Save(ctx, &extended); err != nil {
		return nil, err
	}
	return &extended, nil
}

// RecordActivity advances the last-activity timestamp. The record is
// monotonically non-decreasing within a session; stale updates from
// racing tabs are dropped.
func (m *Manager) RecordActivity(ctx context.Context, now time.Time) {
	if last, ok := m.LastActivity(ctx); ok && !now.After(last) {
		return
	}
	value := strconv.FormatInt(now.UnixMilli(), 10)
	if err := m.store.Set(ctx, models.KeyLastActivity, []byte(value)); err != nil {
		m.logger.Warn("failed to record activity", "error", err)
	}
}

// LastActivity returns the persisted activity timestamp, if any.
func (m *Manager) LastActivity(ctx context.Context) (time.Time, bool) {
	data, err := m.store.Get(ctx, models.KeyLastActivity)
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// RecentlyActive reports whether activity was seen within window of now.
func (m *Manager) RecentlyActive(ctx context.Context, now time.Time, window time.Duration) bool {
	last, ok := m.LastActivity(ctx)
	if !ok {
		return false
	}
	return now.Sub(last) <= window
}
