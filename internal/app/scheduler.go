/**
 * @description
 * Cron scheduler wiring for the periodic sweep.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the periodic sweep job.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper *Sweeper, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		s.logger.Error("failed to schedule entitlement sweep", "error", err)
	} else {
		s.logger.Info("scheduled entitlement sweep", "schedule", s.schedule)
	}

	s.cron.Start()
}

func (s *Scheduler) runSweep() {
	if _, err := s.sweeper.Run(context.Background()); err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
