package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"throttle-service/internal/events"
	"throttle-service/internal/metrics"
	"throttle-service/internal/models"
	"throttle-service/internal/repository"
	"throttle-service/internal/util"
)

// Engine makes throttle decisions for (identity, scope) pairs against a store.
// It holds no per-key state; all coordination goes through the store.
type Engine struct {
	store     repository.ThrottleStore
	registry  *Registry
	publisher events.Publisher
	now       func() time.Time
	logger    *zap.Logger
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sends penalty, reset and forgive events to p.
func WithPublisher(p events.Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(store repository.ThrottleStore, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		registry:  registry,
		publisher: events.Nop{},
		now:       time.Now,
		logger:    util.Named("throttle"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

// Evaluate gates a request. It never counts an attempt; it only applies a penalty
// once the attempt budget of the current level is spent.
func (e *Engine) Evaluate(ctx context.Context, identity, scope string) (Decision, error) {
	identity, scope, policy, err := e.prepare(identity, scope)
	if err != nil {
		return Decision{}, err
	}

	rec, err := e.store.Get(ctx, identity, scope)
	if errors.Is(err, repository.ErrRecordNotFound) {
		metrics.Decisions.WithLabelValues(scope, "allowed").Inc()
		return Allowed(), nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return Decision{}, fmt.Errorf("failed to load throttle record: %w", err)
	}

	now := e.Now()
	if rec.InCooldown(now) {
		metrics.Decisions.WithLabelValues(scope, "blocked").Inc()
		d := Blocked(rec.Remaining(now))
		d.Level = rec.Level
		return d, nil
	}

	if rec.Attempts < policy.AllowedAttempts {
		metrics.Decisions.WithLabelValues(scope, "allowed").Inc()
		e.logger.Debug("Throttle allowed",
			util.Identity(identity), util.Scope(scope), util.Int("attempts", rec.Attempts))
		d := Allowed()
		d.Level = rec.Level
		return d, nil
	}

	cooldown := policy.Cooldown(rec.Level)
	blockedAt := now
	rec.ExpiresAt = now.Add(cooldown)
	rec.LastBlockedAt = &blockedAt
	rec.Level = policy.NextLevel(rec.Level)
	rec.Attempts = 0
	rec.UpdatedAt = now

	if err := e.store.Save(ctx, rec); err != nil {
		metrics.StoreErrors.WithLabelValues("save").Inc()
		e.logger.Error("Failed to save penalty",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return Decision{}, fmt.Errorf("failed to save penalty: %w", err)
	}

	metrics.Decisions.WithLabelValues(scope, "penalized").Inc()
	metrics.Penalties.WithLabelValues(scope, strconv.Itoa(rec.Level)).Inc()
	e.logger.Info("Throttle penalty applied",
		util.Identity(identity), util.Scope(scope),
		util.Int("level", rec.Level), util.Duration("cooldown", cooldown))
	e.emit(ctx, events.New(events.TypePenalized, rec, cooldown, now))

	return Decision{Blocked: true, RetryAfter: cooldown, Penalized: true, Level: rec.Level}, nil
}

// RecordAttempt consumes one unit of budget. Attempts made during a cooldown are not counted.
func (e *Engine) RecordAttempt(ctx context.Context, identity, scope string) error {
	identity, scope, _, err := e.prepare(identity, scope)
	if err != nil {
		return err
	}

	now := e.Now()
	rec, created, err := e.store.GetOrCreate(ctx, identity, scope, models.RecordDefaults{
		Level:     0,
		Attempts:  1,
		ExpiresAt: now,
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get_or_create").Inc()
		return fmt.Errorf("failed to load throttle record: %w", err)
	}
	if created {
		metrics.AttemptsRecorded.WithLabelValues(scope).Inc()
		return nil
	}
	if rec.InCooldown(now) {
		return nil
	}

	rec.Attempts++
	rec.UpdatedAt = now
	if err := e.store.Save(ctx, rec); err != nil {
		metrics.StoreErrors.WithLabelValues("save").Inc()
		e.logger.Error("Failed to record attempt",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	metrics.AttemptsRecorded.WithLabelValues(scope).Inc()
	return nil
}

// ResetLevel forgives an identity whose level reached the scope's reset threshold.
// It reports whether a record was deleted.
func (e *Engine) ResetLevel(ctx context.Context, identity, scope string) (bool, error) {
	identity, scope, policy, err := e.prepare(identity, scope)
	if err != nil {
		return false, err
	}

	rec, err := e.store.Get(ctx, identity, scope)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return false, fmt.Errorf("failed to load throttle record: %w", err)
	}
	if rec.Level < policy.ResetThreshold {
		return false, nil
	}

	if err := e.store.Delete(ctx, identity, scope); err != nil {
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("failed to delete throttle record: %w", err)
	}

	metrics.Resets.WithLabelValues(scope).Inc()
	e.logger.Info("Throttle level reset",
		util.Identity(identity), util.Scope(scope), util.Int("level", rec.Level))
	e.emit(ctx, events.New(events.TypeReset, rec, 0, e.Now()))
	return true, nil
}

// Inspect returns the stored record, or repository.ErrRecordNotFound.
// Scopes without a registered policy fail with ErrUnknownScope.
func (e *Engine) Inspect(ctx context.Context, identity, scope string) (*models.ThrottleRecord, error) {
	identity, scope, _, err := e.prepare(identity, scope)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.Get(ctx, identity, scope)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Forgive deletes a record regardless of its level. It reports whether one existed.
func (e *Engine) Forgive(ctx context.Context, identity, scope string) (bool, error) {
	identity, scope, err := normalize(identity, scope)
	if err != nil {
		return false, err
	}

	rec, err := e.store.Get(ctx, identity, scope)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load throttle record: %w", err)
	}
	if err := e.store.Delete(ctx, identity, scope); err != nil {
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("failed to delete throttle record: %w", err)
	}

	e.logger.Info("Throttle record forgiven", util.Identity(identity), util.Scope(scope))
	e.emit(ctx, events.New(events.TypeForgiven, rec, 0, e.Now()))
	return true, nil
}

func (e *Engine) prepare(identity, scope string) (string, string, Policy, error) {
	identity, scope, err := normalize(identity, scope)
	if err != nil {
		return "", "", Policy{}, err
	}
	policy, err := e.registry.Policy(scope)
	if err != nil {
		return "", "", Policy{}, err
	}
	return identity, scope, policy, nil
}

func normalize(identity, scope string) (string, string, error) {
	identity, err := util.NormalizeKeyPart("identity", identity)
	if err != nil {
		return "", "", err
	}
	scope, err = util.NormalizeKeyPart("scope", scope)
	if err != nil {
		return "", "", err
	}
	return identity, scope, nil
}

func (e *Engine) emit(ctx context.Context, event events.Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish throttle event",
			util.String("type", string(event.Type)), util.ErrorField(err))
	}
}
