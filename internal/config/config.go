// Package config provides configuration loading for dispatchd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for the dispatchd daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	State     StateConfig     `koanf:"state"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Providers ProvidersConfig `koanf:"providers"`
	Workspace WorkspaceConfig `koanf:"workspace"`
	Events    EventsConfig    `koanf:"events"`
	Projects  []ProjectConfig `koanf:"projects"`
}

// ProjectConfig declares one repository the daemon schedules work for. The
// id doubles as the state subdirectory and the API path segment.
type ProjectConfig struct {
	ID   string `koanf:"id"`
	Repo string `koanf:"repo"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StateConfig locates the per-project persisted state.
type StateConfig struct {
	// Dir is the root directory holding one subdirectory per project,
	// each with a features.yaml record file.
	Dir string `koanf:"dir"`

	// WatchFiles enables reloading feature records when the files are
	// edited outside the daemon.
	WatchFiles bool `koanf:"watch_files"`
}

// SchedulerConfig controls the runner pool.
type SchedulerConfig struct {
	// MaxConcurrency bounds the number of simultaneously running tasks.
	// Runtime-adjustable via the scheduler control API; 0 stops admission.
	MaxConcurrency int `koanf:"max_concurrency"`

	// AutoApprove skips the plan-approval gate and moves planned tasks
	// straight to execution.
	AutoApprove bool `koanf:"auto_approve"`

	// WatchdogIdle is how long a provider stream may stay silent before
	// the watchdog flags it. The stream is never terminated.
	WatchdogIdle Duration `koanf:"watchdog_idle"`

	// GraceWindow is how long a global stop waits for in-flight message
	// application to flush before cancellation takes effect.
	GraceWindow Duration `koanf:"grace_window"`

	// DeleteBatchSize is the batch width for bulk feature deletion.
	DeleteBatchSize int `koanf:"delete_batch_size"`

	// MaxTurns caps provider turns per run.
	MaxTurns int `koanf:"max_turns"`

	Retry RetryConfig `koanf:"retry"`
}

// RetryConfig controls retries for network-classified provider errors.
type RetryConfig struct {
	MaxRetries        int      `koanf:"max_retries"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
}

// ProvidersConfig holds per-backend provider settings.
type ProvidersConfig struct {
	Claude    ClaudeConfig    `koanf:"claude"`
	Anthropic AnthropicConfig `koanf:"anthropic"`
}

// ClaudeConfig configures the Claude Code CLI backend.
type ClaudeConfig struct {
	// Binary is the claude executable name or absolute path.
	Binary string `koanf:"binary"`
}

// AnthropicConfig configures the direct Anthropic API backend.
type AnthropicConfig struct {
	APIKey  Secret `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

// WorkspaceConfig controls worktree isolation.
type WorkspaceConfig struct {
	// Root is the directory under which per-task worktrees are created.
	Root string `koanf:"root"`

	// TrunkBranch is the branch merged into on task completion.
	TrunkBranch string `koanf:"trunk_branch"`

	// BranchPrefix is prepended to generated task branch names.
	BranchPrefix string `koanf:"branch_prefix"`
}

// EventsConfig controls external event publication.
type EventsConfig struct {
	// NATSURL enables mirroring task events onto NATS when non-empty.
	NATSURL string `koanf:"nats_url"`

	// SubjectPrefix is the NATS subject prefix for task events.
	SubjectPrefix string `koanf:"subject_prefix"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9190
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.State.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.State.Dir = filepath.Join(home, ".local", "share", "dispatchd")
		}
	}

	if cfg.Scheduler.MaxConcurrency == 0 {
		cfg.Scheduler.MaxConcurrency = 2
	}
	if cfg.Scheduler.WatchdogIdle == 0 {
		cfg.Scheduler.WatchdogIdle = Duration(2 * time.Minute)
	}
	if cfg.Scheduler.GraceWindow == 0 {
		cfg.Scheduler.GraceWindow = Duration(2 * time.Second)
	}
	if cfg.Scheduler.DeleteBatchSize == 0 {
		cfg.Scheduler.DeleteBatchSize = 5
	}
	if cfg.Scheduler.MaxTurns == 0 {
		cfg.Scheduler.MaxTurns = 40
	}
	if cfg.Scheduler.Retry.MaxRetries == 0 {
		cfg.Scheduler.Retry.MaxRetries = 2
	}
	if cfg.Scheduler.Retry.InitialBackoff == 0 {
		cfg.Scheduler.Retry.InitialBackoff = Duration(time.Second)
	}
	if cfg.Scheduler.Retry.MaxBackoff == 0 {
		cfg.Scheduler.Retry.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Scheduler.Retry.BackoffMultiplier == 0 {
		cfg.Scheduler.Retry.BackoffMultiplier = 2.0
	}

	if cfg.Providers.Claude.Binary == "" {
		cfg.Providers.Claude.Binary = "claude"
	}

	if cfg.Workspace.TrunkBranch == "" {
		cfg.Workspace.TrunkBranch = "main"
	}
	if cfg.Workspace.BranchPrefix == "" {
		cfg.Workspace.BranchPrefix = "dispatchd/"
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(os.TempDir(), "dispatchd-worktrees")
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "dispatchd.events"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Scheduler.MaxConcurrency < 0 {
		return fmt.Errorf("scheduler max_concurrency cannot be negative: %d", c.Scheduler.MaxConcurrency)
	}
	if c.Scheduler.DeleteBatchSize < 1 {
		return fmt.Errorf("scheduler delete_batch_size must be >= 1, got %d", c.Scheduler.DeleteBatchSize)
	}
	if c.Scheduler.Retry.MaxRetries < 0 {
		return fmt.Errorf("scheduler retry max_retries cannot be negative: %d", c.Scheduler.Retry.MaxRetries)
	}
	if m := c.Scheduler.Retry.BackoffMultiplier; m < 1.0 {
		return fmt.Errorf("scheduler retry backoff_multiplier must be >= 1.0, got %g", m)
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state dir is required")
	}
	if c.Workspace.TrunkBranch == "" {
		return fmt.Errorf("workspace trunk_branch is required")
	}
	seen := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if p.ID == "" || p.Repo == "" {
			return fmt.Errorf("project entries need both id and repo")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate project id: %s", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
