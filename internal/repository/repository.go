package repository

import (
	"context"
	"errors"

	"throttle-service/internal/models"
)

var (
	ErrRecordNotFound = errors.New("throttle record not found")
	ErrStoreClosed    = errors.New("throttle store closed")
)

// ThrottleStore persists throttle records keyed by (identity, scope).
// Save is last-write-wins; callers needing stronger guarantees must serialize themselves.
type ThrottleStore interface {
	// Get returns ErrRecordNotFound when no record exists.
	Get(ctx context.Context, identity, scope string) (*models.ThrottleRecord, error)

	// GetOrCreate returns the existing record, or creates one from defaults.
	// The created flag is true only for the caller whose write produced the record.
	GetOrCreate(ctx context.Context, identity, scope string, defaults models.RecordDefaults) (*models.ThrottleRecord, bool, error)

	Save(ctx context.Context, record *models.ThrottleRecord) error

	// Delete is idempotent; deleting an absent record is not an error.
	Delete(ctx context.Context, identity, scope string) error

	// ListBlocked calls fn for every record whose LastBlockedAt is set.
	// fn may delete the record it is handed. Returning an error from fn stops iteration.
	ListBlocked(ctx context.Context, fn func(*models.ThrottleRecord) error) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// Migrator is implemented by stores that own a schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}
