// Package sweeper removes stale records left behind by crashed tabs.
// It runs once before any other component on tab start-up and then on
// a periodic schedule.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/goatkit/sessionclock/internal/grace"
	"github.com/goatkit/sessionclock/internal/guard"
	"github.com/goatkit/sessionclock/internal/metrics"
)

// Default interval if not configured (5 minutes).
const defaultSweepInterval = 5 * time.Minute

// Sweeper cleans orphaned grace and critical-operation records.
type Sweeper struct {
	ledger   *grace.Ledger
	guard    *guard.Guard
	metrics  *metrics.ClockMetrics
	interval time.Duration
	logger   *log.Logger
	cron     *cron.Cron
}

// New creates a sweeper over the given ledger and guard.
func New(ledger *grace.Ledger, g *guard.Guard, m *metrics.ClockMetrics, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		ledger:   ledger,
		guard:    g,
		metrics:  m,
		interval: interval,
		logger:   log.New(log.Writer(), "[ORPHAN-SWEEP] ", log.LstdFlags),
	}
}

// Name returns the task name.
func (s *Sweeper) Name() string {
	return "orphan-sweep"
}

// Schedule returns the cron schedule based on the configured interval.
func (s *Sweeper) Schedule() string {
	minutes := int(s.interval.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	if minutes >= 60 {
		hours := minutes / 60
		if hours >= 24 {
			return "0 0 * * *"
		}
		return fmt.Sprintf("0 */%d * * *", hours)
	}
	return fmt.Sprintf("*/%d * * * *", minutes)
}

// RunStartup sweeps before any other component runs, so a record left
// by a crashed tab never blocks a freshly opened tab.
func (s *Sweeper) RunStartup(ctx context.Context) {
	s.logger.Println("Running start-up orphan sweep...")
	s.Run(ctx)
}

// Run removes expired and orphaned records. Idempotent.
func (s *Sweeper) Run(ctx context.Context) {
	removed := 0
	if s.ledger != nil {
		s.ledger.CleanupExpired(ctx)
		removed += s.ledger.CleanupOrphaned(ctx)
	}
	if s.guard != nil {
		// The staleness-aware read self-heals: a stale marker is
		// removed as a side effect of looking at it.
		s.guard.InProgress(ctx)
	}
	if removed > 0 {
		if s.metrics != nil {
			s.metrics.OrphansSwept.Add(float64(removed))
		}
		s.logger.Printf("Orphan sweep complete: %d records removed", removed)
	}
}

// Start schedules the periodic sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.Schedule(), func() {
		s.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", s.Name(), err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the periodic sweep.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
