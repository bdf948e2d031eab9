package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/retry"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint:
// OpenAI itself, or a self-hosted gateway reached via a custom BaseURL.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds a provider against apiKey. If baseURL is
// non-empty, the client targets that endpoint instead of api.openai.com,
// letting one binary serve OpenAI-compatible self-hosted models.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete issues a streaming chat completion, retrying the initial
// connection per retry.ForLLM before handing the open stream off to a
// goroutine that decodes it into CompletionChunks.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	messages := convertToOpenAIMessages(req.Messages, req.System)

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := retry.Do(ctx, retry.ForLLM(), func(attempt int) error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			if !isRetryableOpenAIError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: openai: %w", err)
	}

	out := make(chan CompletionChunk)
	go processOpenAIStream(ctx, stream, out)
	return out, nil
}

func processOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- CompletionChunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := make(map[int]*accumulatingToolCall)
	order := make([]int, 0, 2)

	emitPending := func() {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc == nil || tc.callID == "" || tc.name == "" {
				continue
			}
			out <- CompletionChunk{ToolCall: tc.toDomain()}
		}
	}

	for {
		select {
		case <-ctx.Done():
			out <- CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				emitPending()
				out <- CompletionChunk{Done: true}
				return
			}
			out <- CompletionChunk{Error: err, Done: true}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			out <- CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &accumulatingToolCall{}
				order = append(order, index)
			}
			acc := toolCalls[index]
			if tc.ID != "" {
				acc.callID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.argsJSON += tc.Function.Arguments
			}
		}

		if resp.Choices[0].FinishReason == "tool_calls" {
			emitPending()
			toolCalls = make(map[int]*accumulatingToolCall)
			order = order[:0]
		}
	}
}

// accumulatingToolCall collects one tool call's fields as they arrive across
// several stream chunks; arguments stream as fragments of one JSON object.
type accumulatingToolCall struct {
	callID   string
	name     string
	argsJSON string
}

func (a *accumulatingToolCall) toDomain() *domain.ToolCall {
	input := map[string]any{}
	if a.argsJSON != "" {
		_ = json.Unmarshal([]byte(a.argsJSON), &input)
	}
	return &domain.ToolCall{
		CallID: a.callID,
		Name:   a.name,
		Input:  input,
		Status: domain.ToolStatusPending,
	}
}

func convertToOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Text,
				ToolCallID: msg.ToolCallID,
			})
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					args, _ := json.Marshal(tc.Input)
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.CallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(args),
						},
					}
				}
			}
			out = append(out, oaiMsg)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Text,
			})
		}
	}
	return out
}

func convertToOpenAITools(specs []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, s := range specs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.InputSchema,
			},
		}
	}
	return out
}

func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Connection-level errors (timeouts, resets) are always worth a retry.
	return true
}
