package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// DefaultClaudeBinary is used when no binary path is configured.
const DefaultClaudeBinary = "claude"

// ClaudeProvider runs queries through the Claude Code CLI as a subprocess,
// parsing its stream-json output line by line.
type ClaudeProvider struct {
	binary string
	logger *logging.Logger
}

// NewClaude builds the CLI backend. An empty binary falls back to
// DefaultClaudeBinary; a nil logger is replaced with a nop.
func NewClaude(binary string, logger *logging.Logger) *ClaudeProvider {
	if binary == "" {
		binary = DefaultClaudeBinary
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ClaudeProvider{binary: binary, logger: logger}
}

func (p *ClaudeProvider) ExecuteQuery(ctx context.Context, opts ExecuteOptions) (Stream, error) {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.PlanMode {
		args = append(args, "--permission-mode", "plan")
	}
	args = append(args, prompt(opts))

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Dir = opts.WorkDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		// A spawn failure is an installation problem, not a stream error.
		return nil, fmt.Errorf("start %s: %w", p.binary, err)
	}

	p.logger.Debug(ctx, "claude subprocess started",
		zap.String("binary", p.binary),
		zap.String("model", opts.Model),
		zap.String("workdir", opts.WorkDir),
		zap.Bool("plan_mode", opts.PlanMode),
	)

	scanner := bufio.NewScanner(stdout)
	// Tool results can carry whole files on one line.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &claudeStream{
		cmd:     cmd,
		scanner: scanner,
		stderr:  &stderr,
	}, nil
}

func prompt(opts ExecuteOptions) string {
	if len(opts.PromptParts) > 0 {
		parts := make([]string, 0, len(opts.PromptParts))
		for _, p := range opts.PromptParts {
			parts = append(parts, p.Text)
		}
		return strings.Join(parts, "\n\n")
	}
	return opts.Prompt
}

func (p *ClaudeProvider) DetectInstallation(ctx context.Context) InstallationStatus {
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return InstallationStatus{
			Problem: fmt.Sprintf("claude binary %q not found on PATH; install the Claude Code CLI", p.binary),
		}
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return InstallationStatus{
			Installed: true,
			Problem:   fmt.Sprintf("claude binary found but --version failed: %v", err),
		}
	}
	// The CLI manages its own credentials; a working binary is assumed
	// authenticated until a run reports otherwise.
	return InstallationStatus{
		Installed: true,
		AuthOK:    true,
		Version:   strings.TrimSpace(string(out)),
	}
}

func (p *ClaudeProvider) AvailableModels() []ModelDefinition {
	return []ModelDefinition{
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Aliases: []string{"sonnet"}, Default: true},
		{ID: "claude-opus-4-1", Name: "Claude Opus 4.1", Aliases: []string{"opus"}},
		{ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5", Aliases: []string{"haiku"}},
	}
}

func (p *ClaudeProvider) SupportsFeature(name Capability) bool {
	switch name {
	case CapabilityPlanMode, CapabilityResume, CapabilityTools, CapabilitySandbox:
		return true
	}
	return false
}

// claudeStream adapts the subprocess's stream-json stdout to Stream.
type claudeStream struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *bytes.Buffer

	closeOnce sync.Once
	closed    bool
}

func (s *claudeStream) Next(ctx context.Context) (Message, error) {
	if s.closed {
		return Message{}, ErrStreamClosed
	}
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return parseClaudeLine(line), nil
	}
	if err := s.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("read claude output: %w", err)
	}

	// Stream drained; the exit status decides clean EOF vs failure.
	if err := s.cmd.Wait(); err != nil {
		diag := strings.TrimSpace(s.stderr.String())
		if diag == "" {
			diag = err.Error()
		}
		return Message{}, fmt.Errorf("claude exited: %s: %w", diag, err)
	}
	return Message{}, io.EOF
}

func (s *claudeStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		// Wait may have run in Next already; the duplicate error is
		// irrelevant on teardown.
		_ = s.cmd.Wait()
	})
	return nil
}

// claudeEnvelope is the common shape of one stream-json line.
type claudeEnvelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	Message struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`

	Result     string `json:"result"`
	NumTurns   int    `json:"num_turns"`
	DurationMs int64  `json:"duration_ms"`
	IsError    bool   `json:"is_error"`

	SessionID string   `json:"session_id"`
	Model     string   `json:"model"`
	Tools     []string `json:"tools"`

	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// parseClaudeLine maps one JSONL line onto a Message. Malformed or unknown
// lines degrade to an error message carrying the raw payload so nothing is
// silently dropped.
func parseClaudeLine(line []byte) Message {
	var env claudeEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{
			Type:         MessageError,
			ErrorMessage: "unparseable stream line",
			Raw:          string(line),
		}
	}

	switch env.Type {
	case "system":
		return Message{
			Type:      MessageSystem,
			SessionID: env.SessionID,
			Model:     env.Model,
			Tools:     env.Tools,
		}
	case "assistant":
		msg := Message{Type: MessageAssistant}
		for _, c := range env.Message.Content {
			msg.Content = append(msg.Content, ContentBlock{
				Type:      c.Type,
				Text:      c.Text,
				ToolName:  c.Name,
				ToolInput: c.Input,
			})
		}
		return msg
	case "result":
		if env.IsError || env.Subtype == "error" {
			return Message{
				Type:         MessageError,
				ErrorMessage: env.Result,
				Raw:          string(line),
			}
		}
		return Message{
			Type:       MessageResult,
			Result:     env.Result,
			NumTurns:   env.NumTurns,
			DurationMs: env.DurationMs,
			SessionID:  env.SessionID,
		}
	case "error":
		return Message{
			Type:         MessageError,
			ErrorMessage: env.Error.Message,
			Raw:          string(line),
		}
	default:
		return Message{
			Type: MessageSystem,
			Raw:  string(line),
		}
	}
}
