package lifecycle

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSchedule runs the sweep nightly.
const DefaultSchedule = "15 3 * * *"

// Scheduler runs the retention sweep on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	schedule string
}

// cronLogger adapts zerolog to cron's logger.
type cronLogger struct {
	logger zerolog.Logger
}

// Info logs routine messages about cron's operation.
func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

// Error logs an error condition.
func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// NewScheduler validates schedule (standard five-field cron syntax) and
// returns a stopped scheduler.
func NewScheduler(sweeper *Sweeper, schedule string) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, err
	}
	logger := cronLogger{log.With().Str("component", "retention-cron").Logger()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger)),
		),
		sweeper:  sweeper,
		schedule: schedule,
	}, nil
}

// Run schedules the sweep and blocks until ctx is cancelled, then waits up
// to 30 seconds for a running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.sweeper.RunRetentionSweep(ctx); err != nil {
			log.Error().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		return err
	}
	log.Info().Str("schedule", s.schedule).Msg("retention sweep scheduled")
	s.cron.Start()

	<-ctx.Done()
	stopped, cancel := context.WithTimeout(s.cron.Stop(), 30*time.Second)
	defer cancel()
	<-stopped.Done()
	return nil
}
