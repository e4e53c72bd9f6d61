package throttle

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfiguration = errors.New("invalid throttle configuration")
	ErrUnknownScope         = errors.New("unknown throttle scope")
	ErrThrottled            = errors.New("too many requests")
)

// ConfigurationError reports an incomplete or invalid policy. It is fatal at setup.
type ConfigurationError struct {
	Owner  string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("throttle configuration: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("throttle configuration for %q: %s %s", e.Owner, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// ThrottledError carries a Blocked decision for transports that signal through errors.
type ThrottledError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many requests, try again in %s", FormatDuration(RetrySeconds(e.RetryAfter)))
}

func (e *ThrottledError) Unwrap() error {
	return ErrThrottled
}
