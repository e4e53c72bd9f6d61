package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "0s"},
		{-5, "0s"},
		{1, "1s"},
		{65, "1m 5s"},
		{600, "10m"},
		{3600, "1h"},
		{3601, "1h 1s"},
		{3661, "1h 1m 1s"},
		{90000, "25h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.seconds), "seconds=%d", tt.seconds)
	}
}

func TestRetrySeconds(t *testing.T) {
	assert.Equal(t, int64(0), RetrySeconds(0))
	assert.Equal(t, int64(0), RetrySeconds(-time.Second))
	assert.Equal(t, int64(1), RetrySeconds(time.Millisecond))
	assert.Equal(t, int64(600), RetrySeconds(600*time.Second))
	assert.Equal(t, int64(601), RetrySeconds(600*time.Second+time.Nanosecond))
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, Allowed().Err("login"))

	err := Blocked(10 * time.Minute).Err("login")
	assert.ErrorIs(t, err, ErrThrottled)
	assert.EqualError(t, err, "too many requests, try again in 10m")

	var te *ThrottledError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "login", te.Scope)
}
