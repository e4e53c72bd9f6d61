package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"throttle-service/internal/config"
	"throttle-service/internal/factory"
	"throttle-service/internal/sweeper"
	"throttle-service/internal/throttle"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvTest,
		Logging:     config.LoggingConfig{Level: "error", Format: "console"},
		Store:       config.StoreConfig{Backend: config.BackendMemory},
		Bucketing:   config.BucketingConfig{BlockedBuckets: 4},
		Throttle:    config.ThrottleConfig{LoadDefaults: true, SweepEnabled: true, SweepHour: 1, SweepTimeout: time.Minute},
		Events:      config.EventsConfig{Sinks: []string{"log"}, BufferSize: 16},
	}
}

// runCLI executes args against a memory-backed factory prepared by seed.
func runCLI(t *testing.T, seed func(*factory.Factory), args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(Options{
		Writer: &out,
		Config: testConfig,
		Factory: func(cfg *config.Config) (*factory.Factory, error) {
			assert.False(t, cfg.Throttle.SweepEnabled)
			f, err := factory.New(cfg)
			if err != nil {
				return nil, err
			}
			if seed != nil {
				seed(f)
			}
			return f, nil
		},
	})
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return out.String(), err
}

// penalize pushes identity past the password_reset allowance once.
func penalize(t *testing.T, identity string) func(*factory.Factory) {
	return func(f *factory.Factory) {
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			require.NoError(t, f.Engine().RecordAttempt(ctx, identity, throttle.ScopePasswordReset))
		}
		d, err := f.Engine().Evaluate(ctx, identity, throttle.ScopePasswordReset)
		require.NoError(t, err)
		require.True(t, d.Blocked)
	}
}

func TestMigrate(t *testing.T) {
	out, err := runCLI(t, nil, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date (memory)")
}

func TestPoliciesTable(t *testing.T) {
	out, err := runCLI(t, nil, "policies")
	require.NoError(t, err)
	assert.Contains(t, out, "SCOPE")
	assert.Contains(t, out, throttle.ScopePasswordReset)
	assert.Contains(t, out, "5m")
}

func TestPoliciesJSON(t *testing.T) {
	out, err := runCLI(t, nil, "policies", "-o", "json")
	require.NoError(t, err)

	var policies []throttle.Policy
	require.NoError(t, json.Unmarshal([]byte(out), &policies))
	assert.Len(t, policies, len(throttle.DefaultPolicies()))
}

func TestPoliciesYAML(t *testing.T) {
	out, err := runCLI(t, nil, "policies", "--output", "yaml")
	require.NoError(t, err)

	var policies []map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &policies))
	assert.Len(t, policies, len(throttle.DefaultPolicies()))
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := runCLI(t, nil, "policies", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestInspect(t *testing.T) {
	out, err := runCLI(t, penalize(t, "10.0.0.1"), "inspect", throttle.ScopePasswordReset, "10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.1")
	assert.Contains(t, out, "5m")
}

func TestInspectMissing(t *testing.T) {
	_, err := runCLI(t, nil, "inspect", throttle.ScopePasswordReset, "10.0.0.9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no throttle record")
}

func TestInspectUnknownScope(t *testing.T) {
	_, err := runCLI(t, nil, "inspect", "nope", "10.0.0.9")
	require.Error(t, err)
	assert.ErrorIs(t, err, throttle.ErrUnknownScope)
}

func TestInspectRequiresArgs(t *testing.T) {
	_, err := runCLI(t, nil, "inspect", throttle.ScopePasswordReset)
	assert.Error(t, err)
}

func TestResetBelowThreshold(t *testing.T) {
	out, err := runCLI(t, penalize(t, "10.0.0.1"), "reset", throttle.ScopePasswordReset, "10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, "below the reset threshold")
}

func TestForgive(t *testing.T) {
	out, err := runCLI(t, penalize(t, "10.0.0.1"), "forgive", throttle.ScopePasswordReset, "10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, "forgave 10.0.0.1")

	out, err = runCLI(t, nil, "forgive", throttle.ScopePasswordReset, "10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, "no throttle record")
}

func TestSweepJSON(t *testing.T) {
	out, err := runCLI(t, penalize(t, "10.0.0.1"), "sweep", "-o", "json", "--timeout", "30s")
	require.NoError(t, err)

	var report sweeper.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 0, report.Deleted, "a fresh penalty is inside its grace period")
}

func TestHistoryRequiresScope(t *testing.T) {
	_, err := runCLI(t, nil, "history")
	assert.Error(t, err)
}
