package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9190, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.WatchdogIdle.Duration())
	assert.Equal(t, 2*time.Second, cfg.Scheduler.GraceWindow.Duration())
	assert.Equal(t, 5, cfg.Scheduler.DeleteBatchSize)
	assert.Equal(t, 2, cfg.Scheduler.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Scheduler.Retry.InitialBackoff.Duration())
	assert.Equal(t, 2.0, cfg.Scheduler.Retry.BackoffMultiplier)
	assert.Equal(t, "claude", cfg.Providers.Claude.Binary)
	assert.Equal(t, "main", cfg.Workspace.TrunkBranch)
	assert.Equal(t, "dispatchd/", cfg.Workspace.BranchPrefix)
	assert.Equal(t, "dispatchd.events", cfg.Events.SubjectPrefix)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := Config{
		Scheduler: SchedulerConfig{MaxConcurrency: 8},
		Workspace: WorkspaceConfig{TrunkBranch: "trunk"},
	}
	applyDefaults(&cfg)

	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, "trunk", cfg.Workspace.TrunkBranch)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Scheduler.MaxConcurrency = -1 },
			wantErr: "max_concurrency",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 99999 },
			wantErr: "port out of range",
		},
		{
			name:    "zero delete batch",
			mutate:  func(c *Config) { c.Scheduler.DeleteBatchSize = 0 },
			wantErr: "delete_batch_size",
		},
		{
			name:    "multiplier below one",
			mutate:  func(c *Config) { c.Scheduler.Retry.BackoffMultiplier = 0.5 },
			wantErr: "backoff_multiplier",
		},
		{
			name:    "missing state dir",
			mutate:  func(c *Config) { c.State.Dir = "" },
			wantErr: "state dir",
		},
		{
			name:    "missing trunk branch",
			mutate:  func(c *Config) { c.Workspace.TrunkBranch = "" },
			wantErr: "trunk_branch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			cfg.State.Dir = t.TempDir()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")), "negative durations rejected")
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-ant-very-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-ant-very-secret", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SERVER_PORT", "server.port"},
		{"SCHEDULER_MAX_CONCURRENCY", "scheduler.max_concurrency"},
		{"WORKSPACE_TRUNK_BRANCH", "workspace.trunk_branch"},
		{"PROVIDERS_ANTHROPIC_API_KEY", "providers.anthropic.api_key"},
		{"PROVIDERS_CLAUDE_BINARY", "providers.claude.binary"},
		{"STATE_DIR", "state.dir"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, envTransform(tt.in), tt.in)
	}
}
