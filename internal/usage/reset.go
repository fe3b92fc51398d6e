// Package usage schedules the periodic sweep that returns exhausted quotas
// to the pool once their reset time has passed.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/rotator/internal/rotation"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pool is the part of the rotation engine the scheduler drives.
type Pool interface {
	ReclaimExpired(ctx context.Context) (int, error)
	Summarize(ctx context.Context) (*rotation.Summary, error)
}

// ResetScheduler runs quota reclamation on a cron schedule
type ResetScheduler struct {
	pool     Pool
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewResetScheduler creates a new reset scheduler. An empty schedule is
// accepted and leaves the scheduler idle.
func NewResetScheduler(pool Pool, schedule string, logger zerolog.Logger) (*ResetScheduler, error) {
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("invalid reclaim schedule %q: %w", schedule, err)
		}
	}

	return &ResetScheduler{
		pool:     pool,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With().Str("component", "reset-scheduler").Logger(),
	}, nil
}

// Start registers the sweep and starts the cron runner. The scheduler
// stops on its own when ctx is done.
func (rs *ResetScheduler) Start(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.schedule == "" {
		rs.logger.Info().Msg("Reclaim schedule not configured, scheduler idle")
		return nil
	}
	if rs.running {
		return nil
	}

	if _, err := rs.cron.AddFunc(rs.schedule, func() {
		if _, err := rs.RunOnce(ctx); err != nil {
			rs.logger.Error().Err(err).Msg("Scheduled quota reclaim failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reclaim: %w", err)
	}

	rs.cron.Start()
	rs.running = true

	rs.logger.Info().
		Str("schedule", rs.schedule).
		Msg("Quota reset scheduler started")

	go func() {
		<-ctx.Done()
		rs.Stop()
	}()

	return nil
}

// RunOnce reclaims expired quotas and refreshes the account gauges.
func (rs *ResetScheduler) RunOnce(ctx context.Context) (int, error) {
	reclaimed, err := rs.pool.ReclaimExpired(ctx)
	if err != nil {
		return 0, err
	}

	summary, err := rs.pool.Summarize(ctx)
	if err != nil {
		return reclaimed, err
	}

	event := rs.logger.Debug()
	if reclaimed > 0 {
		event = rs.logger.Info()
	}
	event.
		Int("reclaimed", reclaimed).
		Int("available", summary.Available).
		Int("partially_limited", summary.PartiallyLimited).
		Int("fully_limited", summary.FullyLimited).
		Msg("Quota reclaim complete")

	return reclaimed, nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ResetScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.running {
		return
	}
	<-rs.cron.Stop().Done()
	rs.running = false
	rs.logger.Info().Msg("Quota reset scheduler stopped")
}

// IsRunning reports whether the cron runner is active.
func (rs *ResetScheduler) IsRunning() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.running
}

// NextRun returns the next scheduled sweep, or nil when idle.
func (rs *ResetScheduler) NextRun() *time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.running {
		return nil
	}
	entries := rs.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
