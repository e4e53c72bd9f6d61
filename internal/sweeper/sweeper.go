package sweeper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"throttle-service/internal/events"
	"throttle-service/internal/metrics"
	"throttle-service/internal/models"
	"throttle-service/internal/repository"
	"throttle-service/internal/throttle"
	"throttle-service/internal/util"
)

// PolicyLookup resolves the policy of a scope. *throttle.Registry satisfies it.
type PolicyLookup interface {
	Lookup(scope string) (throttle.Policy, bool)
}

// Report summarizes one sweep.
type Report struct {
	Scanned      int           `json:"scanned"`
	Deleted      int           `json:"deleted"`
	Skipped      int           `json:"skipped"`
	UnknownScope int           `json:"unknown_scope"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
}

// Sweeper deletes penalized records that stayed dormant for twice their cooldown.
// Missed or repeated runs only delay cleanup; they never change a decision.
type Sweeper struct {
	store     repository.ThrottleStore
	policies  PolicyLookup
	publisher events.Publisher
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Sweeper) { s.publisher = p }
}

func New(store repository.ThrottleStore, policies PolicyLookup, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		policies:  policies,
		publisher: events.Nop{},
		now:       time.Now,
		logger:    util.Named("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans every blocked record once. Per-record delete failures are counted and
// skipped; a failure of the scan itself aborts the run.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	now := s.now().UTC()
	var report Report

	err := s.store.ListBlocked(ctx, func(rec *models.ThrottleRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Scanned++
		s.sweepRecord(ctx, rec, now, &report)
		return nil
	})

	report.Duration = time.Since(start)
	metrics.SweepDuration.Observe(report.Duration.Seconds())

	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		s.logger.Error("Sweep aborted",
			util.Int("scanned", report.Scanned), util.Int("deleted", report.Deleted), util.ErrorField(err))
		return report, fmt.Errorf("failed to scan blocked records: %w", err)
	}

	metrics.SweepRuns.WithLabelValues("ok").Inc()
	s.logger.Info("Sweep completed",
		util.Int("scanned", report.Scanned),
		util.Int("deleted", report.Deleted),
		util.Int("skipped", report.Skipped),
		util.Int("unknown_scope", report.UnknownScope),
		util.Int("failed", report.Failed),
		util.Duration("duration", report.Duration))
	return report, nil
}

func (s *Sweeper) sweepRecord(ctx context.Context, rec *models.ThrottleRecord, now time.Time, report *Report) {
	if rec.LastBlockedAt == nil {
		report.Skipped++
		return
	}

	policy, ok := s.policies.Lookup(rec.Scope)
	if !ok {
		report.UnknownScope++
		s.logger.Warn("Skipping record of unknown scope",
			util.Identity(rec.Identity), util.Scope(rec.Scope))
		return
	}

	grace := policy.GracePeriod(rec.Level)
	if !rec.LastBlockedAt.Add(grace).Before(now) {
		report.Skipped++
		return
	}

	if err := s.store.Delete(ctx, rec.Identity, rec.Scope); err != nil {
		report.Failed++
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		s.logger.Error("Failed to delete dormant record",
			util.Identity(rec.Identity), util.Scope(rec.Scope), util.ErrorField(err))
		return
	}

	report.Deleted++
	metrics.SweptRecords.WithLabelValues(rec.Scope).Inc()
	s.logger.Debug("Dormant record swept",
		util.Identity(rec.Identity), util.Scope(rec.Scope), util.Duration("grace", grace))
	if err := s.publisher.Publish(ctx, events.New(events.TypeSwept, rec, 0, now)); err != nil {
		s.logger.Warn("Failed to publish sweep event", util.ErrorField(err))
	}
}
