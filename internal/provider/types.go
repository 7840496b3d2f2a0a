package provider

import (
	"encoding/json"
)

// Capability names an optional backend feature.
type Capability string

const (
	// CapabilityPlanMode runs the agent in a read-only planning mode.
	CapabilityPlanMode Capability = "plan_mode"

	// CapabilityResume continues a previous session by id.
	CapabilityResume Capability = "resume"

	// CapabilityTools lets the agent invoke tools in the workspace.
	CapabilityTools Capability = "tools"

	// CapabilitySandbox restricts the agent's filesystem and network reach.
	CapabilitySandbox Capability = "sandbox"
)

// PromptPart is one part of a multi-part prompt.
type PromptPart struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Turn is one prior exchange carried into a resumed conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// SandboxConfig restricts what an agent run may touch.
type SandboxConfig struct {
	Enabled       bool     `json:"enabled"`
	AllowNetwork  bool     `json:"allow_network"`
	WritablePaths []string `json:"writable_paths,omitempty"`
}

// ExecuteOptions parameterizes one agent query. Cancellation rides on the
// context passed to ExecuteQuery.
type ExecuteOptions struct {
	// Prompt is the task text. PromptParts takes precedence when set.
	Prompt      string
	PromptParts []PromptPart

	// Model is the bare model id, already stripped of any backend prefix.
	Model string

	// WorkDir is the worktree the agent operates in.
	WorkDir string

	SystemPrompt string
	MaxTurns     int
	AllowedTools []string

	// SessionID resumes a previous session when the backend supports it.
	SessionID string
	History   []Turn

	Sandbox SandboxConfig

	// PlanMode asks the agent for a plan without modifying the workspace.
	PlanMode bool
}

// MessageType discriminates the Message union.
type MessageType string

const (
	// MessageAssistant carries agent output content blocks.
	MessageAssistant MessageType = "assistant"

	// MessageResult is the final summary of a completed query.
	MessageResult MessageType = "result"

	// MessageError carries a backend diagnostic. Raw keeps the unparsed
	// payload for classification.
	MessageError MessageType = "error"

	// MessageSystem announces session metadata at stream start.
	MessageSystem MessageType = "system"
)

// ContentBlock is one piece of assistant output.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// Message is the uniform stream element all backends emit. Which fields are
// populated depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	// MessageAssistant
	Content []ContentBlock `json:"content,omitempty"`

	// MessageResult
	Result     string `json:"result,omitempty"`
	NumTurns   int    `json:"num_turns,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// MessageError
	ErrorMessage string `json:"error_message,omitempty"`
	Raw          string `json:"raw,omitempty"`

	// MessageSystem
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

// Text concatenates the text blocks of an assistant message.
func (m Message) Text() string {
	if m.Type != MessageAssistant {
		return ""
	}
	var out string
	for _, b := range m.Content {
		out += b.Text
	}
	return out
}

// InstallationStatus reports whether a backend is usable on this host.
type InstallationStatus struct {
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	AuthOK    bool   `json:"auth_ok"`

	// Problem is a remediation hint when the backend is unusable.
	Problem string `json:"problem,omitempty"`
}

// ModelDefinition is one catalog entry a backend serves.
type ModelDefinition struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	Default bool     `json:"default,omitempty"`
}

// Matches reports whether the definition covers the given model id.
func (d ModelDefinition) Matches(model string) bool {
	if d.ID == model {
		return true
	}
	for _, a := range d.Aliases {
		if a == model {
			return true
		}
	}
	return false
}
