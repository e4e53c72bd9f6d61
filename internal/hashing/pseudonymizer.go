package hashing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"throttle-service/internal/util"
)

var (
	ErrEmptyPepper          = errors.New("identity pepper must not be empty")
	ErrDuplicateVersion     = errors.New("duplicate pepper version")
	ErrInvalidPseudonym     = errors.New("invalid pseudonym format")
	ErrUnknownPepperVersion = errors.New("pepper version not found")
)

// Pepper is a versioned secret key for pseudonymizing identities.
type Pepper struct {
	Value   string
	Version int
}

// Pseudonymizer replaces identities with keyed BLAKE2b digests before events leave the process.
// Digests are stable per pepper version, so events can still be grouped and searched.
type Pseudonymizer struct {
	mu            sync.RWMutex
	currentPepper *Pepper
	oldPeppers    []*Pepper
}

func NewPseudonymizer(current Pepper, old ...Pepper) (*Pseudonymizer, error) {
	if current.Value == "" {
		return nil, ErrEmptyPepper
	}
	p := &Pseudonymizer{currentPepper: &current}
	seen := map[int]bool{current.Version: true}
	for i := range old {
		if old[i].Value == "" {
			return nil, ErrEmptyPepper
		}
		if seen[old[i].Version] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateVersion, old[i].Version)
		}
		seen[old[i].Version] = true
		pepper := old[i]
		p.oldPeppers = append(p.oldPeppers, &pepper)
	}
	return p, nil
}

// Rotate makes next the current pepper and keeps at most keep previous versions.
func (p *Pseudonymizer) Rotate(next Pepper, keep int) error {
	if next.Value == "" {
		return ErrEmptyPepper
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if next.Version == p.currentPepper.Version {
		return fmt.Errorf("%w: %d", ErrDuplicateVersion, next.Version)
	}
	for _, old := range p.oldPeppers {
		if old.Version == next.Version {
			return fmt.Errorf("%w: %d", ErrDuplicateVersion, next.Version)
		}
	}

	p.oldPeppers = append(p.oldPeppers, p.currentPepper)
	p.currentPepper = &next
	if keep >= 0 && len(p.oldPeppers) > keep {
		p.oldPeppers = p.oldPeppers[len(p.oldPeppers)-keep:]
	}

	util.Info("Identity pepper rotated",
		zap.Int("version", next.Version),
		zap.Int("retained", len(p.oldPeppers)),
	)
	return nil
}

// Pseudonymize returns "v<version>:<hex digest>" under the current pepper.
func (p *Pseudonymizer) Pseudonymize(identity string) string {
	p.mu.RLock()
	pepper := p.currentPepper
	p.mu.RUnlock()

	return format(pepper, identity)
}

// Candidates returns the pseudonyms of identity under every known pepper, current first.
func (p *Pseudonymizer) Candidates(identity string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.oldPeppers)+1)
	out = append(out, format(p.currentPepper, identity))
	for i := len(p.oldPeppers) - 1; i >= 0; i-- {
		out = append(out, format(p.oldPeppers[i], identity))
	}
	return out
}

// Matches reports whether pseudonym was derived from identity under a known pepper.
func (p *Pseudonymizer) Matches(identity, pseudonym string) (bool, error) {
	version, _, err := parse(pseudonym)
	if err != nil {
		return false, err
	}
	pepper, err := p.getPepper(version)
	if err != nil {
		return false, err
	}
	return format(pepper, identity) == pseudonym, nil
}

func (p *Pseudonymizer) getPepper(version int) (*Pepper, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.currentPepper.Version == version {
		return p.currentPepper, nil
	}
	for _, pepper := range p.oldPeppers {
		if pepper.Version == version {
			return pepper, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownPepperVersion, version)
}

func format(pepper *Pepper, identity string) string {
	key := blake2b.Sum256([]byte(pepper.Value))
	h, err := blake2b.New256(key[:])
	if err != nil {
		// A 32-byte key is always accepted.
		panic(err)
	}
	h.Write([]byte(identity))
	return "v" + strconv.Itoa(pepper.Version) + ":" + hex.EncodeToString(h.Sum(nil))
}

func parse(pseudonym string) (int, string, error) {
	prefix, digest, ok := strings.Cut(pseudonym, ":")
	if !ok || !strings.HasPrefix(prefix, "v") || len(digest) != blake2b.Size256*2 {
		return 0, "", ErrInvalidPseudonym
	}
	version, err := strconv.Atoi(prefix[1:])
	if err != nil {
		return 0, "", ErrInvalidPseudonym
	}
	return version, digest, nil
}
