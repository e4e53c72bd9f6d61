package throttle

import (
	"math"
	"time"
)

// Policy is the throttling configuration of one scope.
type Policy struct {
	Scope           string        `json:"scope" yaml:"scope"`
	AllowedAttempts int           `json:"allowed_attempts" yaml:"allowed_attempts"`
	BaseWindow      time.Duration `json:"base_window" yaml:"base_window"`
	MaxLevel        int           `json:"max_level" yaml:"max_level"`
	ResetThreshold  int           `json:"reset_threshold" yaml:"reset_threshold"`
}

// PolicySource is anything that names a throttle policy, such as a guard configuration.
type PolicySource interface {
	ThrottlePolicy() Policy
}

func (p Policy) ThrottlePolicy() Policy {
	return p
}

// Validate rejects missing or non-positive values. Zero counts as missing.
func (p Policy) Validate() error {
	owner := p.Scope
	switch {
	case p.Scope == "":
		return &ConfigurationError{Field: "scope", Reason: "is required"}
	case p.AllowedAttempts <= 0:
		return &ConfigurationError{Owner: owner, Field: "allowed_attempts", Reason: "must be a positive integer"}
	case p.BaseWindow < time.Second:
		return &ConfigurationError{Owner: owner, Field: "base_window", Reason: "must be at least one second"}
	case p.BaseWindow%time.Second != 0:
		return &ConfigurationError{Owner: owner, Field: "base_window", Reason: "must be a whole number of seconds"}
	case p.MaxLevel <= 0:
		return &ConfigurationError{Owner: owner, Field: "max_level", Reason: "must be a positive integer"}
	case p.ResetThreshold <= 0:
		return &ConfigurationError{Owner: owner, Field: "reset_threshold", Reason: "must be a positive integer"}
	}

	// The sweeper's grace period is twice the largest cooldown; both must fit a Duration.
	if p.MaxLevel >= 62 || p.BaseWindow > time.Duration(math.MaxInt64>>(p.MaxLevel+1)) {
		return &ConfigurationError{Owner: owner, Field: "max_level", Reason: "makes the maximum cooldown overflow"}
	}
	return nil
}

// Cooldown is the block length applied when penalizing at level: BaseWindow * 2^level.
// Levels above MaxLevel are clamped.
func (p Policy) Cooldown(level int) time.Duration {
	if level < 0 {
		level = 0
	}
	if level > p.MaxLevel {
		level = p.MaxLevel
	}
	return p.BaseWindow << uint(level)
}

// GracePeriod is how long after its last block a record at level stays before sweeping.
func (p Policy) GracePeriod(level int) time.Duration {
	return p.Cooldown(level) * 2
}

// NextLevel is the level after one more penalty.
func (p Policy) NextLevel(level int) int {
	if level+1 > p.MaxLevel {
		return p.MaxLevel
	}
	return level + 1
}
