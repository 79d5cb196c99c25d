// Package maintenance runs the scheduled summarization catch-up sweep.
// Turn-time memory maintenance is fire-and-forget, so a crashed or
// failed pass can leave a user stuck over the threshold; the sweep
// periodically retries those users.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/attena/attena/pkg/attena/coordinator"
	"github.com/attena/attena/pkg/attena/store"
)

// UserSource lists users due for summarization.
type UserSource interface {
	UsersOverThreshold(ctx context.Context, threshold int) ([]store.User, error)
}

// MemoryMaintainer runs one user's summarization pass.
type MemoryMaintainer interface {
	MaintainMemory(ctx context.Context, userID string)
}

// Sweeper schedules the catch-up sweep with a cron expression.
type Sweeper struct {
	users      UserSource
	maintainer MemoryMaintainer
	cron       *cron.Cron
	logger     *slog.Logger
}

// New creates a Sweeper.
func New(users UserSource, maintainer MemoryMaintainer, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		users:      users,
		maintainer: maintainer,
		logger:     logger.With("component", "maintenance"),
	}
}

// Start registers the sweep on the given cron schedule and starts the
// scheduler. Supports standard 5-field expressions and descriptors
// like @hourly.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.cron.Start()
	s.logger.Info("summarization sweep scheduled", "schedule", schedule)
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass: every user at or over the summarization
// threshold gets a maintenance run.
func (s *Sweeper) Sweep(ctx context.Context) {
	users, err := s.users.UsersOverThreshold(ctx, coordinator.SummaryThreshold)
	if err != nil {
		s.logger.Warn("sweep query failed", "error", err)
		return
	}
	if len(users) == 0 {
		return
	}

	s.logger.Info("running summarization sweep", "users", len(users))
	for _, u := range users {
		s.maintainer.MaintainMemory(ctx, u.Phone)
	}
}
