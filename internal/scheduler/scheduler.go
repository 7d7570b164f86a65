// Package scheduler re-runs the feed sync on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "birthdaycal/internal/log"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type Scheduler struct {
	cron *cron.Cron
	spec string
	job  Job

	// ctx is set by Start and handed to every job run.
	ctx context.Context
}

// New validates spec (standard 5-field cron or a descriptor such as
// "@daily") and returns a scheduler that runs job in loc. A run that is
// still in progress when the next one fires causes that tick to be
// skipped.
func New(spec string, loc *time.Location, job Job) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	s := &Scheduler{cron: c, spec: spec, job: job, ctx: context.Background()}
	if _, err := c.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("add refresh job %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule until ctx is cancelled, then waits for a
// running job to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	appLog.Info("scheduler started", "spec", s.spec, "next", s.Next().Format(time.RFC3339))

	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	appLog.Info("scheduler stopped")
	return nil
}

// Next returns the next activation time, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) runOnce() {
	started := time.Now()
	if err := s.job(s.ctx); err != nil {
		appLog.Error("scheduled sync failed", err, "elapsed", time.Since(started).String())
		return
	}
	appLog.Info("scheduled sync finished", "elapsed", time.Since(started).String())
}

// cronLogger routes cron's own messages into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
