package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"throttle-service/internal/config"
)

func TestPseudonymizeIsStableAndKeyed(t *testing.T) {
	p, err := NewPseudonymizer(Pepper{Value: "first", Version: 1})
	require.NoError(t, err)

	a := p.Pseudonymize("10.0.0.1")
	assert.Equal(t, a, p.Pseudonymize("10.0.0.1"))
	assert.NotEqual(t, a, p.Pseudonymize("10.0.0.2"))
	assert.True(t, strings.HasPrefix(a, "v1:"))
	assert.NotContains(t, a, "10.0.0.1")

	other, err := NewPseudonymizer(Pepper{Value: "second", Version: 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, other.Pseudonymize("10.0.0.1"))
}

func TestRotateKeepsOldVersionsSearchable(t *testing.T) {
	p, err := NewPseudonymizer(Pepper{Value: "first", Version: 1})
	require.NoError(t, err)
	before := p.Pseudonymize("user:42")

	require.NoError(t, p.Rotate(Pepper{Value: "second", Version: 2}, 2))
	after := p.Pseudonymize("user:42")
	assert.NotEqual(t, before, after)
	assert.True(t, strings.HasPrefix(after, "v2:"))
	assert.Equal(t, []string{after, before}, p.Candidates("user:42"))

	ok, err := p.Matches("user:42", before)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Matches("user:43", before)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRotateDropsExpiredVersions(t *testing.T) {
	p, err := NewPseudonymizer(Pepper{Value: "a", Version: 1})
	require.NoError(t, err)
	require.NoError(t, p.Rotate(Pepper{Value: "b", Version: 2}, 1))
	require.NoError(t, p.Rotate(Pepper{Value: "c", Version: 3}, 1))

	assert.Len(t, p.Candidates("x"), 2)
	_, err = p.Matches("x", "v1:"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrUnknownPepperVersion)
}

func TestPseudonymizerValidation(t *testing.T) {
	_, err := NewPseudonymizer(Pepper{Version: 1})
	assert.ErrorIs(t, err, ErrEmptyPepper)

	_, err = NewPseudonymizer(Pepper{Value: "a", Version: 1}, Pepper{Value: "b", Version: 1})
	assert.ErrorIs(t, err, ErrDuplicateVersion)

	p, err := NewPseudonymizer(Pepper{Value: "a", Version: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Rotate(Pepper{Value: "b", Version: 1}, 2), ErrDuplicateVersion)
	assert.ErrorIs(t, p.Rotate(Pepper{Version: 2}, 2), ErrEmptyPepper)

	_, err = p.Matches("x", "garbage")
	assert.ErrorIs(t, err, ErrInvalidPseudonym)
	_, err = p.Matches("x", "vX:"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrInvalidPseudonym)
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(config.EventsConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = FromConfig(config.EventsConfig{
		IdentityPepper:        "current",
		IdentityPepperVersion: 3,
		OldIdentityPeppers:    []string{"1=first", "2=second"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.Pseudonymize("x"), "v3:"))
	assert.Len(t, p.Candidates("x"), 3)

	_, err = FromConfig(config.EventsConfig{IdentityPepper: "c", OldIdentityPeppers: []string{"first"}})
	assert.Error(t, err)
	_, err = FromConfig(config.EventsConfig{IdentityPepper: "c", OldIdentityPeppers: []string{"one=first"}})
	assert.Error(t, err)
}
