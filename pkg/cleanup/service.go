// Package cleanup prunes terminal jobs that have aged past the retention
// window. Events and model routes go with their job through the schema's
// ON DELETE CASCADE.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/leeoohoo/mcp-subagent-router/pkg/services"
)

// DefaultInterval is how often the retention sweep runs.
const DefaultInterval = time.Hour

// Service periodically deletes done, error, and cancelled jobs older than
// the configured retention. Sweeps are idempotent; a second process against
// the same database does no harm.
type Service struct {
	jobs          *services.JobService
	retentionDays int
	interval      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention janitor. A retention of zero or less
// disables it entirely.
func NewService(jobs *services.JobService, retentionDays int) *Service {
	return &Service{
		jobs:          jobs,
		retentionDays: retentionDays,
		interval:      DefaultInterval,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.retentionDays <= 0 || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention janitor started",
		"retention_days", s.retentionDays,
		"interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention janitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	count, err := s.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: job cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old terminal jobs", "count", count)
	}
}
