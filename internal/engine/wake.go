// Package engine drives the world forward in time: a daily wake that rolls
// weekly elections over and resolves every world event that has arrived.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WakeTask is the lease task name for the scheduled daily wake.
const WakeTask = "daily-wake"

// Scheduler ties the election cycle and event resolution to the world clock.
type Scheduler struct {
	Store          Store
	Clock          Clock
	Holder         string       // Lease owner, usually the host name
	CycleDay       time.Weekday // UTC weekday of the election rollover
	ElectionLength time.Duration
	Logger         *slog.Logger

	mu   sync.Mutex
	last *WakeReport
}

// NewScheduler creates a scheduler with the default Monday rollover and
// one-week elections.
func NewScheduler(store Store, clock Clock, holder string) *Scheduler {
	return &Scheduler{
		Store:          store,
		Clock:          clock,
		Holder:         holder,
		CycleDay:       time.Monday,
		ElectionLength: 7 * 24 * time.Hour,
	}
}

// LeaseKey is the UTC calendar date of now; one wake per key per day.
func LeaseKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Wake runs one scheduled cycle. It reads the clock once and uses that
// instant for every comparison. Failures are logged and recorded in the
// report; none are returned.
func (s *Scheduler) Wake(ctx context.Context) WakeReport {
	now := s.clock().Now().UTC()
	rep := WakeReport{At: now, Holder: s.Holder}
	started := time.Now()
	log := s.logger().With("wake", now.Format(time.RFC3339))

	log.Info("wake started", "holder", s.Holder, "weekday", now.Weekday())

	owned, err := s.Store.AcquireLease(ctx, WakeTask, LeaseKey(now), s.Holder, now)
	switch {
	case err != nil:
		log.Error("lease unavailable, skipping wake", "error", err)
		rep.Skipped = true
		rep.fail(fmt.Errorf("acquire lease: %w", err))
	case !owned:
		log.Info("wake already claimed by another instance", "key", LeaseKey(now))
		rep.Skipped = true
		rep.emit(Record{Description: "wake claimed by another instance", Category: "lease"})
	default:
		if now.Weekday() == s.CycleDay {
			rep.Rollover = true
			s.prepareElections(ctx, now, &rep, log)
			s.closeElections(ctx, now, &rep, log)
		}
		s.resolveEvents(ctx, now, &rep, log)
	}

	s.finish(ctx, &rep, started, log)
	return rep
}

// ResolveNow closes due elections and resolves due events immediately,
// without the daily lease. Both passes are guarded by the isClosed and
// resolved flags, so running it next to a scheduled wake is safe.
func (s *Scheduler) ResolveNow(ctx context.Context) WakeReport {
	now := s.clock().Now().UTC()
	rep := WakeReport{At: now, Holder: s.Holder}
	started := time.Now()
	log := s.logger().With("manual", now.Format(time.RFC3339))

	s.closeElections(ctx, now, &rep, log)
	s.resolveEvents(ctx, now, &rep, log)

	s.finish(ctx, &rep, started, log)
	return rep
}

// LastReport returns the most recent report produced by this scheduler.
func (s *Scheduler) LastReport() (WakeReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return WakeReport{}, false
	}
	return *s.last, true
}

func (s *Scheduler) finish(ctx context.Context, rep *WakeReport, started time.Time, log *slog.Logger) {
	rep.Duration = time.Since(started)

	if err := s.Store.SaveWakeReport(ctx, *rep); err != nil {
		log.Error("wake journal save failed", "error", err)
	}

	s.mu.Lock()
	r := *rep
	s.last = &r
	s.mu.Unlock()

	log.Info("wake finished",
		"skipped", rep.Skipped,
		"rollover", rep.Rollover,
		"elections_created", rep.ElectionsCreated,
		"elections_duplicate", rep.ElectionsDuplicate,
		"elections_closed", rep.ElectionsClosed,
		"elections_no_quorum", rep.ElectionsNoQuorum,
		"elections_failed", rep.ElectionsFailed,
		"events_resolved", rep.EventsResolved,
		"events_retried", rep.EventsRetried,
		"errors", len(rep.Errors),
		"duration", rep.Duration,
	)
}

func (s *Scheduler) clock() Clock {
	if s.Clock == nil {
		return RealClock{}
	}
	return s.Clock
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
