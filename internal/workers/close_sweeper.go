package workers

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
)

// ExpiryCloser closes competitions whose end time has passed.
type ExpiryCloser interface {
	CloseExpired(ctx context.Context, now time.Time) (int, error)
}

// CloseSweeper periodically closes expired competitions on a cron schedule.
type CloseSweeper struct {
	closer   ExpiryCloser
	schedule string
	now      func() time.Time
	// OnClosed runs after a sweep closed at least one competition.
	OnClosed func(ctx context.Context)
}

func NewCloseSweeper(closer ExpiryCloser, schedule string) *CloseSweeper {
	return &CloseSweeper{closer: closer, schedule: schedule, now: time.Now}
}

// RunOnce performs a single sweep.
func (s *CloseSweeper) RunOnce(ctx context.Context) int {
	n, err := s.closer.CloseExpired(ctx, s.now().UTC())
	if err != nil {
		logger.Error().Err(err).Msg("Close sweep failed")
		return 0
	}
	if n > 0 {
		logger.Info().Int("closed", n).Msg("Closed expired competitions")
		if s.OnClosed != nil {
			s.OnClosed(ctx)
		}
	}
	return n
}

// Start schedules the sweep and blocks until ctx is cancelled.
func (s *CloseSweeper) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	logger.Info().Str("schedule", s.schedule).Msg("Close sweeper started")
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info().Msg("Close sweeper stopped")
	return nil
}
