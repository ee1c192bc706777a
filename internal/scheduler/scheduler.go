// Package scheduler runs periodic reclassification passes on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pennywise-app/pennywise/internal/reclassify"
)

// Runner is the part of reclassify.Service the scheduler needs.
type Runner interface {
	Run(ctx context.Context, scope reclassify.Scope) (reclassify.Report, error)
}

// Scheduler triggers full reclassification passes.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

// New parses spec, a standard five field cron expression, evaluated in loc.
func New(spec string, loc *time.Location, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		runner:  runner,
		timeout: 10 * time.Minute,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.logger.Info("scheduled reclassify starting")
	if _, err := s.runner.Run(ctx, reclassify.Scope{}); err != nil {
		s.logger.Error("scheduled reclassify failed", "error", err)
	}
}

// Next returns the next activation time, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running pass to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("reclassify schedule started", "next", s.Next())
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
