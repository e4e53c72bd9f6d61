package throttle

import "time"

// Decision is the outcome of Evaluate: allowed, or blocked for RetryAfter.
type Decision struct {
	Blocked    bool
	RetryAfter time.Duration
	// Penalized is set when this evaluation applied a new penalty.
	Penalized bool
	Level     int
}

func Allowed() Decision {
	return Decision{}
}

func Blocked(retryAfter time.Duration) Decision {
	return Decision{Blocked: true, RetryAfter: retryAfter}
}

func (d Decision) IsAllowed() bool {
	return !d.Blocked
}

// RetrySeconds is RetryAfter rounded up to whole seconds.
func (d Decision) RetrySeconds() int64 {
	return RetrySeconds(d.RetryAfter)
}

// Message is the human-readable wait, e.g. "10m".
func (d Decision) Message() string {
	return FormatDuration(d.RetrySeconds())
}

// Err converts a blocked decision into a *ThrottledError, or nil when allowed.
func (d Decision) Err(scope string) error {
	if !d.Blocked {
		return nil
	}
	return &ThrottledError{Scope: scope, RetryAfter: d.RetryAfter}
}
