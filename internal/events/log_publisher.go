package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.logger.Info("Throttle event",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", string(event.Type)),
		zap.String("identity", event.Identity),
		zap.String("scope", event.Scope),
		zap.Int("level", event.Level),
		zap.Int64("retry_after_seconds", event.RetryAfterSeconds),
		zap.Time("occurred_at", event.OccurredAt))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
