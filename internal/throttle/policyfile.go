package throttle

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// policyEntry uses pointers so an omitted key is distinguishable from zero.
type policyEntry struct {
	Scope           string  `yaml:"scope"`
	AllowedAttempts *int    `yaml:"allowed_attempts"`
	BaseWindow      *string `yaml:"base_window"`
	MaxLevel        *int    `yaml:"max_level"`
	ResetThreshold  *int    `yaml:"reset_threshold"`
}

type policyFile struct {
	Policies []policyEntry `yaml:"policies"`
}

// ParsePolicies decodes a YAML policy list:
//
//	policies:
//	  - scope: login
//	    allowed_attempts: 10
//	    base_window: 5m
//	    max_level: 5
//	    reset_threshold: 3
//
// base_window accepts a Go duration or a bare number of seconds.
func ParsePolicies(r io.Reader) ([]Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file policyFile
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode policy file: %w", err)
	}

	policies := make([]Policy, 0, len(file.Policies))
	for i, e := range file.Policies {
		p, err := e.toPolicy(i)
		if err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (e policyEntry) toPolicy(index int) (Policy, error) {
	owner := e.Scope
	if owner == "" {
		owner = fmt.Sprintf("policies[%d]", index)
	}
	missing := func(field string) error {
		return &ConfigurationError{Owner: owner, Field: field, Reason: "is required"}
	}

	switch {
	case e.Scope == "":
		return Policy{}, missing("scope")
	case e.AllowedAttempts == nil:
		return Policy{}, missing("allowed_attempts")
	case e.BaseWindow == nil:
		return Policy{}, missing("base_window")
	case e.MaxLevel == nil:
		return Policy{}, missing("max_level")
	case e.ResetThreshold == nil:
		return Policy{}, missing("reset_threshold")
	}

	window, err := parseWindow(*e.BaseWindow)
	if err != nil {
		return Policy{}, &ConfigurationError{Owner: owner, Field: "base_window", Reason: err.Error()}
	}

	return Policy{
		Scope:           e.Scope,
		AllowedAttempts: *e.AllowedAttempts,
		BaseWindow:      window,
		MaxLevel:        *e.MaxLevel,
		ResetThreshold:  *e.ResetThreshold,
	}, nil
}

func parseWindow(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	var secs int64
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || fmt.Sprint(secs) != v {
		return 0, fmt.Errorf("is not a duration: %q", v)
	}
	return time.Duration(secs) * time.Second, nil
}

// LoadPolicyFile reads and validates policies from a YAML file.
func LoadPolicyFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicies(bytes.NewReader(data))
}
