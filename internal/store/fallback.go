package store

import (
	"context"
	"log/slog"
	"sync"
)

// FallbackStore wraps a durable primary and degrades to a tab-local
// in-memory overlay when the primary refuses a write (quota exceeded,
// storage disabled). Feature code never sees the failure; the current
// tab keeps a working, if unshared, view of its own records.
type FallbackStore struct {
	primary Store
	logger  *slog.Logger

	mu      sync.RWMutex
	overlay map[string][]byte
}

// NewFallbackStore wraps primary with a degradation overlay.
func NewFallbackStore(primary Store, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary: primary,
		logger:  logger,
		overlay: make(map[string][]byte),
	}
}

// Get prefers the overlay for keys that failed to persist, so the tab
// sees its own last write.
func (s *FallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	v, ok := s.overlay[key]
	s.mu.RUnlock()
	if ok {
		if v == nil {
			return nil, ErrNotFound
		}
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}
	return s.primary.Get(ctx, key)
}

// Set writes through to the primary; on failure it records the value
// in the overlay and logs a warning instead of surfacing the error.
func (s *FallbackStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.primary.Set(ctx, key, value); err != nil {
		s.logger.Warn("shared store write failed, degrading to tab-local record",
			"key", key, "error", err)
		cp := make([]byte, len(value))
		copy(cp, value)
		s.mu.Lock()
		s.overlay[key] = cp
		s.mu.Unlock()
		return nil
	}
	// A successful write supersedes any degraded copy.
	s.mu.Lock()
	delete(s.overlay, key)
	s.mu.Unlock()
	return nil
}

// Delete mirrors Set's degradation: a failed delete is remembered as a
// tombstone in the overlay.
func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	if err := s.primary.Delete(ctx, key); err != nil {
		s.logger.Warn("shared store delete failed, degrading to tab-local record",
			"key", key, "error", err)
		s.mu.Lock()
		s.overlay[key] = nil
		s.mu.Unlock()
		return nil
	}
	s.mu.Lock()
	delete(s.overlay, key)
	s.mu.Unlock()
	return nil
}

// Keys lists the primary's keys; overlay-only keys are tab-local and
// appended when the primary is unreachable for them.
func (s *FallbackStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.primary.Keys(ctx, prefix)
	if err != nil {
		keys = nil
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	s.mu.RLock()
	for k, v := range s.overlay {
		if v != nil && !seen[k] && len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	return keys, nil
}

// Close closes the primary.
func (s *FallbackStore) Close() error {
	return s.primary.Close()
}
