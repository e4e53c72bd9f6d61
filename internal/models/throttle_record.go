package models

import "time"

// ThrottleRecord is the persisted penalty state of one identity within one scope.
// Identity and Scope together form the key.
type ThrottleRecord struct {
	Identity      string     `db:"identity" json:"identity"`
	Scope         string     `db:"scope" json:"scope"`
	Level         int        `db:"level" json:"level"`
	Attempts      int        `db:"attempts" json:"attempts"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	LastBlockedAt *time.Time `db:"last_blocked_at" json:"last_blocked_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// RecordDefaults seeds a record created on first sight.
type RecordDefaults struct {
	Level     int
	Attempts  int
	ExpiresAt time.Time
}

// NewThrottleRecord builds a record from defaults, stamped at now.
func NewThrottleRecord(identity, scope string, d RecordDefaults, now time.Time) *ThrottleRecord {
	return &ThrottleRecord{
		Identity:  identity,
		Scope:     scope,
		Level:     d.Level,
		Attempts:  d.Attempts,
		ExpiresAt: d.ExpiresAt.UTC(),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// InCooldown reports whether the record's cooldown has not yet elapsed at now.
func (r *ThrottleRecord) InCooldown(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Remaining is the time left in the current cooldown, never negative.
func (r *ThrottleRecord) Remaining(now time.Time) time.Duration {
	if !r.InCooldown(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Key is the composite identifier used by keyed stores and logs.
func (r *ThrottleRecord) Key() string {
	return RecordKey(r.Scope, r.Identity)
}

func RecordKey(scope, identity string) string {
	return scope + ":" + identity
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *ThrottleRecord) Clone() *ThrottleRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastBlockedAt != nil {
		t := *r.LastBlockedAt
		c.LastBlockedAt = &t
	}
	return &c
}
