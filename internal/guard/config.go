package guard

import (
	"time"

	"throttle-service/internal/throttle"
)

// Config is the complete throttle setup of one protected operation.
// Every numeric field is required; zero values are rejected, never defaulted.
type Config struct {
	Scope           string
	AllowedAttempts int
	BaseWindow      time.Duration
	MaxLevel        int
	ResetThreshold  int
	// RedirectURL is where Form sends blocked requests. Empty means the request path.
	RedirectURL string
}

// FromPolicy builds a Config for a policy already known to the registry.
func FromPolicy(p throttle.Policy) Config {
	return Config{
		Scope:           p.Scope,
		AllowedAttempts: p.AllowedAttempts,
		BaseWindow:      p.BaseWindow,
		MaxLevel:        p.MaxLevel,
		ResetThreshold:  p.ResetThreshold,
	}
}

func (c Config) ThrottlePolicy() throttle.Policy {
	return throttle.Policy{
		Scope:           c.Scope,
		AllowedAttempts: c.AllowedAttempts,
		BaseWindow:      c.BaseWindow,
		MaxLevel:        c.MaxLevel,
		ResetThreshold:  c.ResetThreshold,
	}
}
