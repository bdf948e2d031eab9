package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/retry"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider talks to Anthropic's Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a provider against apiKey. If baseURL is
// non-empty, requests are sent there instead of api.anthropic.com.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	messages, err := convertToAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertToAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("llm: anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err = retry.Do(ctx, retry.ForLLM(), func(attempt int) error {
		s := p.client.Messages.NewStreaming(ctx, params)
		// NewStreaming never returns an error directly; the first call to
		// Next()/Err() surfaces connection failures, so probe it here to
		// decide whether a retry is worthwhile.
		if err := s.Err(); err != nil {
			if !isRetryableAnthropicError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic: %w", err)
	}

	out := make(chan CompletionChunk)
	go processAnthropicStream(stream, out)
	return out, nil
}

func processAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- CompletionChunk) {
	defer close(out)

	var currentToolCall *domain.ToolCall
	var currentToolInput []byte
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}

		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			if cb.Type == "tool_use" {
				tu := cb.AsToolUse()
				currentToolCall = &domain.ToolCall{CallID: tu.ID, Name: tu.Name, Status: domain.ToolStatusPending}
				currentToolInput = currentToolInput[:0]
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput = append(currentToolInput, delta.PartialJSON...)
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := map[string]any{}
				if len(currentToolInput) > 0 {
					_ = json.Unmarshal(currentToolInput, &input)
				}
				currentToolCall.Input = input
				out <- CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			out <- CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- CompletionChunk{Error: err, Done: true}
	}
}

func convertToAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Text != "" {
			content = append(content, anthropic.NewTextBlock(msg.Text))
		}

		if msg.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.CallID, tc.Input, tc.Name))
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertToAnthropicTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		raw, err := json.Marshal(s.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", s.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("schema for %s: %w", s.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, s.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("schema for %s: missing tool definition", s.Name)
		}
		param.OfTool.Description = anthropic.String(s.Description)
		result = append(result, param)
	}
	return result, nil
}

func isRetryableAnthropicError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}
