package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TickFunc is invoked on every scheduled fire.
type TickFunc func(ctx context.Context, fired time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Spec is a standard five-field cron expression or descriptor such as "@daily".
	Spec       string
	Location   *time.Location
	RunOnStart bool
}

// Scheduler fires a tick function on a cron schedule. A fire that arrives
// while the previous tick is still running is skipped.
type Scheduler struct {
	opts     Options
	schedule cron.Schedule
	logger   zerolog.Logger
}

// New validates the cron expression and constructs a Scheduler.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	spec := strings.TrimSpace(opts.Spec)
	if spec == "" {
		return nil, fmt.Errorf("scheduler cron spec is empty")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	opts.Spec = spec
	return &Scheduler{
		opts:     opts,
		schedule: schedule,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// NextRun reports the first fire time strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	return s.schedule.Next(now.In(s.opts.Location))
}

// Run blocks, invoking tick on schedule until ctx is cancelled. It waits for
// an in-flight tick to return before exiting.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	clog := cronLogger{logger: s.logger}
	job := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).
		Then(cron.FuncJob(func() {
			fired := time.Now().In(s.opts.Location)
			s.logger.Info().Time("fired", fired).Msg("executing scheduled tick")
			if err := tick(ctx, fired); err != nil {
				s.logger.Error().Err(err).Time("fired", fired).Msg("tick execution failed")
			}
		}))

	c := cron.New(cron.WithLocation(s.opts.Location), cron.WithLogger(clog))
	c.Schedule(s.schedule, job)
	c.Start()
	s.logger.Info().
		Str("spec", s.opts.Spec).
		Time("next_run", s.NextRun(time.Now())).
		Msg("scheduler started")

	if s.opts.RunOnStart {
		go job.Run()
	}

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

// cronLogger adapts zerolog to cron's logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
