// Package maintenance is the cron-scheduled sweep runner named in spec
// §4.1/§5: background cleanup that "runs under the same serialization
// discipline" as every other actor mutation. Each sweep still goes through
// its owning package's own locking (actor.Submit for session/refresh,
// the index's own mutex for authcode/ratelimit/revocation), so this
// package owns only scheduling, not synchronization.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sgrastar/authrim/pkg/logger"
)

// Sweeper is a single named cleanup task.
type Sweeper struct {
	Name string
	Run  func(ctx context.Context)
}

// Scheduler drives a set of Sweepers on cron schedules, mirroring the
// shared-cron/per-job-wrapper idiom from the example pack: one cron
// scheduler goroutine drives every registered job, each run wrapped so
// panics are recovered and logged rather than crashing the process.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	entries map[string]cron.EntryID
}

// NewScheduler constructs a Scheduler. ctx is attached to every sweep
// invocation; cancel it before Stop to abort sweeps still in flight.
func NewScheduler(ctx context.Context) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		ctx:     ctx,
		entries: make(map[string]cron.EntryID),
	}
}

// Register schedules sweep to run on cronExpr (standard 5-field cron
// syntax, or the "@every 1m"-style shortcuts cron/v3 accepts). Replaces
// any existing registration under the same name.
func (s *Scheduler) Register(sweep Sweeper, cronExpr string) error {
	if existing, ok := s.entries[sweep.Name]; ok {
		s.cron.Remove(existing)
		delete(s.entries, sweep.Name)
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("maintenance: sweep panicked", "sweep", sweep.Name, "recovered", r)
			}
		}()
		start := time.Now()
		sweep.Run(s.ctx)
		logger.Debugw("maintenance: sweep completed", "sweep", sweep.Name, "duration", time.Since(start).String())
	}

	id, err := s.cron.AddFunc(cronExpr, wrapped)
	if err != nil {
		return err
	}
	s.entries[sweep.Name] = id
	return nil
}

// Start begins running registered sweeps on their schedules. Non-blocking:
// cron/v3 manages its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
