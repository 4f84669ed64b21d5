package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule wakes the world every day at 00:00 UTC.
const DefaultSchedule = "0 0 * * *"

// Runner fires the scheduler's Wake on a cron schedule evaluated in UTC.
// A wake that panics is recovered and logged; a wake still running when the
// next one is due causes the next one to be skipped.
type Runner struct {
	Sched *Scheduler
	Spec  string

	cron     *cron.Cron
	schedule cron.Schedule
	entry    cron.EntryID
	cancel   context.CancelFunc
}

// NewRunner parses spec (standard 5-field cron) and prepares a runner.
func NewRunner(sched *Scheduler, spec string) (*Runner, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	logger := cronLogger{l: sched.logger()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Runner{Sched: sched, Spec: spec, cron: c, schedule: schedule}, nil
}

// Start begins firing wakes in the background. Wakes receive a context that
// is cancelled by Stop.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.entry = r.cron.Schedule(r.schedule, cron.FuncJob(func() {
		r.Sched.Wake(ctx)
	}))
	r.cron.Start()
	slog.Info("world clock started", "schedule", r.Spec, "next_wake", r.Next())
}

// Stop halts the trigger and waits for a running wake to finish.
func (r *Runner) Stop() {
	done := r.cron.Stop()
	<-done.Done()
	if r.cancel != nil {
		r.cancel()
	}
	slog.Info("world clock stopped")
}

// Next returns the next scheduled wake after now.
func (r *Runner) Next() time.Time {
	return r.NextAfter(time.Now().UTC())
}

// NextAfter returns the first wake strictly after t.
func (r *Runner) NextAfter(t time.Time) time.Time {
	return r.schedule.Next(t.UTC())
}

// cronLogger routes the cron library's logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
