package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottleRecordCooldown(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := NewThrottleRecord("alice", "login", RecordDefaults{Attempts: 1, ExpiresAt: now}, now)

	assert.False(t, rec.InCooldown(now))
	assert.Zero(t, rec.Remaining(now))

	rec.ExpiresAt = now.Add(90 * time.Second)
	assert.True(t, rec.InCooldown(now))
	assert.Equal(t, 90*time.Second, rec.Remaining(now))
	assert.False(t, rec.InCooldown(now.Add(90*time.Second)))
}

func TestThrottleRecordClone(t *testing.T) {
	blocked := time.Now().UTC()
	rec := &ThrottleRecord{Identity: "bob", Scope: "signup", Level: 2, LastBlockedAt: &blocked}

	c := rec.Clone()
	c.Level = 3
	*c.LastBlockedAt = blocked.Add(time.Hour)

	assert.Equal(t, 2, rec.Level)
	assert.Equal(t, blocked, *rec.LastBlockedAt)
	assert.Equal(t, "signup:bob", rec.Key())
	assert.Nil(t, (*ThrottleRecord)(nil).Clone())
}
