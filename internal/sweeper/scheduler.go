package sweeper

import (
	"context"
	"sync"
	"time"

	"throttle-service/internal/util"
)

// Scheduler runs a Sweeper once a day at a fixed wall-clock time.
type Scheduler struct {
	sweeper *Sweeper
	hour    int
	minute  int
	timeout time.Duration
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(s *Sweeper, hour, minute int, timeout time.Duration) *Scheduler {
	return &Scheduler{
		sweeper: s,
		hour:    hour,
		minute:  minute,
		timeout: timeout,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// NextRun is the first hour:minute strictly after now, in now's location.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start launches the schedule loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := NextRun(s.now(), s.hour, s.minute)
		util.Info("Next throttle sweep scheduled", util.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	// Run logs its own outcome.
	_, _ = s.sweeper.Run(runCtx)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}
