package util

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// MaxKeyPartLength bounds identities and scopes so they fit every store's key column.
const MaxKeyPartLength = 255

var ErrInvalidKeyPart = errors.New("invalid key part")

// NormalizeKeyPart trims surrounding whitespace and rejects values that cannot be
// stored as part of a throttle key.
func NormalizeKeyPart(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidKeyPart, field)
	}
	if len(value) > MaxKeyPartLength {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidKeyPart, field, MaxKeyPartLength)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %s contains control characters", ErrInvalidKeyPart, field)
		}
	}
	return value, nil
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
