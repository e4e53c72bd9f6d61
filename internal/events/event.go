package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"throttle-service/internal/models"
)

type Type string

const (
	TypePenalized Type = "throttle.penalized"
	TypeReset     Type = "throttle.reset"
	TypeSwept     Type = "throttle.swept"
	TypeForgiven  Type = "throttle.forgiven"
)

// Event describes a state change of a throttle record.
type Event struct {
	ID                uuid.UUID `json:"id"`
	Type              Type      `json:"type"`
	Identity          string    `json:"identity"`
	Scope             string    `json:"scope"`
	Level             int       `json:"level"`
	Attempts          int       `json:"attempts"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// New builds an event from the record state after the change.
func New(typ Type, rec *models.ThrottleRecord, retryAfter time.Duration, now time.Time) Event {
	return Event{
		ID:                uuid.New(),
		Type:              typ,
		Identity:          rec.Identity,
		Scope:             rec.Scope,
		Level:             rec.Level,
		Attempts:          rec.Attempts,
		RetryAfterSeconds: int64(retryAfter / time.Second),
		OccurredAt:        now.UTC(),
	}
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
