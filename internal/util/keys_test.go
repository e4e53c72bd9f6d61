package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKeyPart(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"plain", "alice@example.com", "alice@example.com", false},
		{"trimmed", "  10.0.0.1 ", "10.0.0.1", false},
		{"ipv6", "2001:db8::1", "2001:db8::1", false},
		{"empty", "   ", "", true},
		{"control", "bob\n", "bob", false},
		{"embedded control", "bo\x00b", "", true},
		{"too long", strings.Repeat("a", MaxKeyPartLength+1), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeKeyPart("identity", tt.value)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidKeyPart)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("UTIL_TEST_KEY", "value")
	assert.Equal(t, "value", GetEnv("UTIL_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("UTIL_TEST_MISSING", "fallback"))
}
