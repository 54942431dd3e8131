package agent

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/buddyfox/buddyfox/internal/domain"
)

const defaultSystemPrompt = "You are Buddy Fox, a friendly research assistant. " +
	"Search the web for current information when it helps, and cite the sources you used."

// AnthropicConfig configures the direct Claude API runtime.
type AnthropicConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxTokens       int
	SystemPrompt    string
	EnableWebSearch bool
	HTTPClient      *http.Client
}

// AnthropicRuntime streams answers from the Messages API with the server-side web search tool.
type AnthropicRuntime struct {
	client anthropic.Client
	cfg    AnthropicConfig
	logger *slog.Logger
}

// NewAnthropicRuntime builds a runtime. Extra request options are appended to the client options.
func NewAnthropicRuntime(cfg AnthropicConfig, logger *slog.Logger, opts ...option.RequestOption) *AnthropicRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}

	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(cfg.HTTPClient))
	}
	clientOpts = append(clientOpts, opts...)

	return &AnthropicRuntime{
		client: anthropic.NewClient(clientOpts...),
		cfg:    cfg,
		logger: logger,
	}
}

// Name implements Runtime.
func (r *AnthropicRuntime) Name() string { return "anthropic" }

// Ready implements Runtime. It does not call the API.
func (r *AnthropicRuntime) Ready(context.Context) error {
	if r.cfg.APIKey == "" {
		return errors.New("ANTHROPIC_API_KEY is not set")
	}
	return nil
}

// Close implements Runtime.
func (r *AnthropicRuntime) Close() {}

// Stream implements Runtime.
func (r *AnthropicRuntime) Stream(ctx context.Context, req Request) iter.Seq2[*RuntimeEvent, error] {
	return func(yield func(*RuntimeEvent, error) bool) {
		params := r.buildParams(req)

		r.logger.Debug("Anthropic stream starting",
			"session_id", req.SessionID,
			"model", r.cfg.Model,
			"history_turns", len(req.History),
			"max_searches", req.MaxSearches,
		)

		stream := r.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			ev := translateStreamEvent(stream.Current())
			if ev == nil {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, &UpstreamError{Op: "anthropic stream", Err: err})
		}
	}
}

func (r *AnthropicRuntime) buildParams(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == domain.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Query)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.cfg.Model),
		MaxTokens: int64(r.cfg.MaxTokens),
		Messages:  messages,
		System:    []anthropic.TextBlockParam{{Text: r.cfg.SystemPrompt}},
	}
	if tool := webSearchTool(r.cfg.EnableWebSearch, req); tool != nil {
		params.Tools = []anthropic.ToolUnionParam{{OfWebSearchTool20250305: tool}}
	}
	return params
}

// webSearchTool returns nil when search is disabled or the budget is spent.
// The API rejects requests that set both domain lists, so allowed wins.
func webSearchTool(enabled bool, req Request) *anthropic.WebSearchTool20250305Param {
	if !enabled || req.MaxSearches <= 0 {
		return nil
	}
	tool := &anthropic.WebSearchTool20250305Param{
		MaxUses: anthropic.Int(int64(req.MaxSearches)),
	}
	switch {
	case len(req.AllowedDomains) > 0:
		tool.AllowedDomains = req.AllowedDomains
	case len(req.BlockedDomains) > 0:
		tool.BlockedDomains = req.BlockedDomains
	}
	return tool
}

// translateStreamEvent maps one Messages API event onto a RuntimeEvent, or nil to skip it.
func translateStreamEvent(chunk anthropic.MessageStreamEventUnion) *RuntimeEvent {
	switch event := chunk.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		block := event.ContentBlock
		switch {
		case block.Type == "server_tool_use":
			return &RuntimeEvent{Type: RuntimeToolStart, Tool: block.Name}
		case strings.HasSuffix(block.Type, "_tool_result"):
			return &RuntimeEvent{Type: RuntimeToolEnd, Tool: strings.TrimSuffix(block.Type, "_tool_result")}
		}
	case anthropic.ContentBlockDeltaEvent:
		if delta, ok := event.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
			return &RuntimeEvent{Type: RuntimeText, Content: delta.Text}
		}
	}
	return nil
}
