package provider

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

const anthropicMaxTokens = 8192

// AnthropicProvider talks to the Anthropic API directly. It has no tool
// loop; it is the backend for plain-text planning and review queries when no
// agent CLI is installed.
type AnthropicProvider struct {
	client    anthropic.Client
	apiKeySet bool
	logger    *logging.Logger
}

// NewAnthropic builds the API backend. An empty apiKey leaves the backend
// registered but unusable; DetectInstallation reports the problem.
func NewAnthropic(apiKey, baseURL string, logger *logging.Logger) *AnthropicProvider {
	if logger == nil {
		logger = logging.NewNop()
	}
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		apiKeySet: apiKey != "",
		logger:    logger,
	}
}

func (p *AnthropicProvider) ExecuteQuery(ctx context.Context, opts ExecuteOptions) (Stream, error) {
	if !p.apiKeySet {
		return nil, fmt.Errorf("anthropic api key is not configured")
	}

	var messages []anthropic.MessageParam
	for _, t := range opts.History {
		if t.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt(opts))))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	}
	system := opts.SystemPrompt
	if opts.PlanMode {
		// No plan permission mode over the raw API; steer with the system
		// prompt instead.
		system = "Produce an implementation plan only. Do not write code or modify files.\n\n" + system
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("start anthropic stream: %w", err)
	}
	return &anthropicStream{stream: stream, started: time.Now()}, nil
}

func (p *AnthropicProvider) DetectInstallation(_ context.Context) InstallationStatus {
	if !p.apiKeySet {
		return InstallationStatus{
			Problem: "no Anthropic API key configured; set providers.anthropic.api_key or DISPATCHD_PROVIDERS_ANTHROPIC_API_KEY",
		}
	}
	return InstallationStatus{Installed: true, AuthOK: true}
}

func (p *AnthropicProvider) AvailableModels() []ModelDefinition {
	return []ModelDefinition{
		{ID: "claude-sonnet-4-5-20250929", Name: "Claude Sonnet 4.5", Default: true},
		{ID: "claude-opus-4-1-20250805", Name: "Claude Opus 4.1"},
		{ID: "claude-haiku-4-5-20251001", Name: "Claude Haiku 4.5"},
	}
}

func (p *AnthropicProvider) SupportsFeature(name Capability) bool {
	return name == CapabilityResume
}

// anthropicStream adapts the SDK's SSE stream to Stream. Text deltas are
// forwarded as assistant messages; message_stop yields the final result.
type anthropicStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	acc     anthropic.Message
	started time.Time

	sentResult bool
	closed     bool
}

func (s *anthropicStream) Next(_ context.Context) (Message, error) {
	if s.closed {
		return Message{}, ErrStreamClosed
	}
	for s.stream.Next() {
		event := s.stream.Current()
		if err := s.acc.Accumulate(event); err != nil {
			return Message{}, fmt.Errorf("accumulate anthropic event: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			return Message{
				Type:      MessageSystem,
				SessionID: ev.Message.ID,
				Model:     string(ev.Message.Model),
			}, nil
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				return Message{
					Type:    MessageAssistant,
					Content: []ContentBlock{{Type: "text", Text: delta.Text}},
				}, nil
			}
		case anthropic.MessageStopEvent:
			s.sentResult = true
			return Message{
				Type:       MessageResult,
				Result:     s.accumulatedText(),
				NumTurns:   1,
				DurationMs: time.Since(s.started).Milliseconds(),
				SessionID:  s.acc.ID,
			}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return Message{}, fmt.Errorf("anthropic stream: %w", err)
	}
	if !s.sentResult {
		// Stream ended without message_stop; still surface what arrived.
		s.sentResult = true
		return Message{
			Type:       MessageResult,
			Result:     s.accumulatedText(),
			NumTurns:   1,
			DurationMs: time.Since(s.started).Milliseconds(),
			SessionID:  s.acc.ID,
		}, nil
	}
	return Message{}, io.EOF
}

func (s *anthropicStream) accumulatedText() string {
	var out string
	for _, block := range s.acc.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

func (s *anthropicStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}
