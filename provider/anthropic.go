package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kpekel/agentloop/agent"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	MaxRetries   int
	RetryDelay   time.Duration

	// LeadModel/WorkerModel, when both set, turn this provider into a
	// LeadWorker: the first turn of a reply uses LeadModel, every
	// subsequent turn uses WorkerModel.
	LeadModel   string
	WorkerModel string
}

// AnthropicProvider implements provider.Provider (and, when configured with
// both a lead and worker model, provider.LeadWorker) on top of
// anthropics/anthropic-sdk-go's non-streaming Messages.New.
type AnthropicProvider struct {
	client       sdk.Client
	defaultModel string
	maxTokens    int
	maxRetries   int
	retryDelay   time.Duration

	leadModel   string
	workerModel string

	mu   sync.Mutex
	turn int // turns the current reply has completed; gates lead/worker routing
}

// NewAnthropicProvider constructs an AnthropicProvider with sane
// defaults: 3 retries, 1s base backoff, claude-sonnet-4 family as the
// default model.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: anthropic API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       sdk.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		leadModel:    cfg.LeadModel,
		workerModel:  cfg.WorkerModel,
	}, nil
}

// AsLeadWorker implements provider.LeadWorker.
func (p *AnthropicProvider) AsLeadWorker() (LeadWorkerInfo, bool) {
	if p.leadModel == "" || p.workerModel == "" {
		return LeadWorkerInfo{}, false
	}
	active := p.leadModel
	if p.currentTurn() > 0 {
		active = p.workerModel
	}
	return LeadWorkerInfo{LeadModel: p.leadModel, WorkerModel: p.workerModel, ActiveModel: active}, true
}

func (p *AnthropicProvider) activeModel() string {
	if p.leadModel != "" && p.workerModel != "" {
		if p.currentTurn() == 0 {
			return p.leadModel
		}
		return p.workerModel
	}
	return p.defaultModel
}

func (p *AnthropicProvider) currentTurn() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turn
}

// ResetTurn implements provider.TurnResetter: it rewinds the turn counter
// to 0 so a new reply starts back on the lead model. Concurrent replies
// that share one provider instance (e.g. a parent loop and its subagents)
// also share this counter; the mutex only protects it from a data race, it
// does not give each reply its own independent turn count.
func (p *AnthropicProvider) ResetTurn() {
	p.mu.Lock()
	p.turn = 0
	p.mu.Unlock()
}

// Complete implements provider.Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, system string, messages []agent.Message, tools []agent.Tool) (agent.Message, agent.Usage, error) {
	model := p.activeModel()

	params, err := p.buildParams(model, system, messages, tools)
	if err != nil {
		return agent.Message{}, agent.Usage{}, &Error{Kind: ErrorExecution, Model: model, Err: err}
	}

	var msg *sdk.Message
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		msg, err = p.client.Messages.New(ctx, *params)
		if err == nil {
			break
		}
		kind := classifyError(err)
		if !retryable(kind) || attempt == p.maxRetries {
			return agent.Message{}, agent.Usage{}, &Error{Kind: kind, Model: model, Err: err}
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return agent.Message{}, agent.Usage{}, &Error{Kind: ErrorTransport, Model: model, Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}

	p.mu.Lock()
	p.turn++
	p.mu.Unlock()

	out, usage := translate(msg, model)
	return out, usage, nil
}

func (p *AnthropicProvider) buildParams(model, system string, messages []agent.Message, tools []agent.Tool) (*sdk.MessageNewParams, error) {
	msgs, err := convertMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("convert messages: %w", err)
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  msgs,
		MaxTokens: int64(p.maxTokens),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		converted, err := convertTools(tools)
		if err != nil {
			return nil, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = converted
	}
	return params, nil
}

func convertMessages(messages []agent.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []sdk.ContentBlockParamUnion
		for _, c := range m.Content {
			switch part := c.(type) {
			case agent.TextContent:
				blocks = append(blocks, sdk.NewTextBlock(part.Text))
			case agent.ToolRequestContent:
				input := map[string]any(part.ToolCall.Arguments)
				blocks = append(blocks, sdk.NewToolUseBlock(part.ID, input, part.ToolCall.Name))
			case agent.ToolResponseContent:
				text, isErr := flattenToolResponse(part)
				blocks = append(blocks, sdk.NewToolResultBlock(part.ID, text, isErr))
			case agent.ContextLengthExceededContent:
				// Not replayed to the model; it's a stream-only marker.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == agent.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func flattenToolResponse(r agent.ToolResponseContent) (string, bool) {
	if r.Err != nil {
		return r.Err.Error(), true
	}
	var sb strings.Builder
	for i, part := range r.Result {
		if i > 0 {
			sb.WriteString("\n")
		}
		if part.Text != "" {
			sb.WriteString(part.Text)
		} else if len(part.Raw) > 0 {
			sb.Write(part.Raw)
		}
	}
	return sb.String(), false
}

func convertTools(tools []agent.Tool) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", t.Name, err)
		}
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", t.Name, err)
		}
		param := sdk.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func translate(msg *sdk.Message, model string) (agent.Message, agent.Usage) {
	out := agent.Message{Role: agent.RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out.Content = append(out.Content, agent.TextContent{Text: block.Text})
			}
		case "tool_use":
			var args map[string]any
			_ = json.Unmarshal(block.Input, &args)
			out.Content = append(out.Content, agent.ToolRequestContent{
				ID: block.ID,
				ToolCall: agent.ToolCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	usage := agent.Usage{
		ActiveModel:  model,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return out, usage
}

func classifyError(err error) ErrorKind {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return ErrorAuthentication
		case 429:
			return ErrorRateLimited
		case 400:
			return ErrorExecution
		}
		if apiErr.StatusCode >= 500 {
			return ErrorTransport
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "context_length") || strings.Contains(msg, "too long") || strings.Contains(msg, "maximum context length") {
		return ErrorContextLengthExceeded
	}
	return ErrorTransport
}

func retryable(kind ErrorKind) bool {
	return kind == ErrorRateLimited || kind == ErrorTransport
}

var _ Provider = (*AnthropicProvider)(nil)
var _ LeadWorker = (*AnthropicProvider)(nil)
var _ TurnResetter = (*AnthropicProvider)(nil)
