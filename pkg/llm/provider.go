// Package llm defines the model-provider boundary the Agent Execution Loop
// calls through: a uniform streaming Complete() across OpenAI-compatible and
// Anthropic backends, selected by model-id prefix.
package llm

import (
	"context"

	"github.com/nstogner/agentserver/pkg/domain"
)

// Message is one turn of conversation handed to a Provider. It is distinct
// from domain.Message: the loop converts its durable, checkpointed history
// into this wire-shaped form on every model call.
type Message struct {
	Role        string
	Text        string
	ToolCalls   []domain.ToolCall
	ToolCallID  string
	ToolName    string
}

// ToolSpec describes one callable tool in provider-agnostic form.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// CompletionChunk is one item of a streamed response. Exactly one of Text,
// ToolCall, or Done/Error carries the chunk's payload.
type CompletionChunk struct {
	Text         string
	ToolCall     *domain.ToolCall
	Done         bool
	Error        error
	InputTokens  int
	OutputTokens int
}

// Provider is one LLM backend.
type Provider interface {
	// Name identifies the provider for logs and metrics labels.
	Name() string
	// Complete streams a response for req. The returned channel is closed
	// after a final chunk with Done or Error set; the caller must drain it
	// to avoid leaking the streaming goroutine.
	Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error)
}
