package hashing

import (
	"fmt"
	"strconv"
	"strings"

	"throttle-service/internal/config"
)

// FromConfig builds the event pseudonymizer, or returns nil when no pepper is configured.
func FromConfig(cfg config.EventsConfig) (*Pseudonymizer, error) {
	if cfg.IdentityPepper == "" {
		return nil, nil
	}

	old := make([]Pepper, 0, len(cfg.OldIdentityPeppers))
	for _, entry := range cfg.OldIdentityPeppers {
		version, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("EVENT_IDENTITY_OLD_PEPPERS entry %q must be version=value", entry)
		}
		v, err := strconv.Atoi(strings.TrimSpace(version))
		if err != nil {
			return nil, fmt.Errorf("EVENT_IDENTITY_OLD_PEPPERS entry %q has a non-numeric version", entry)
		}
		old = append(old, Pepper{Value: value, Version: v})
	}

	return NewPseudonymizer(Pepper{Value: cfg.IdentityPepper, Version: cfg.IdentityPepperVersion}, old...)
}
