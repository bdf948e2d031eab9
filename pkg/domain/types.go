// Package domain holds the core data types shared across the agent
// execution loop, the sandbox, and the checkpoint store.
package domain

import "time"

// DefaultRecursionLimit is the generous upper bound on agent steps per turn
// used when a SessionConfig does not specify one.
const DefaultRecursionLimit = 1000

// Role identifies the originator of a message within a thread.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Thread is a durable conversation identified by ThreadID. A thread belongs
// to exactly one user and accumulates checkpoints over its lifetime.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one ordered item in a thread's history. Content is either
// plain text or, for assistant messages, a list of emitted tool calls; tool
// messages carry a ToolCallID that must resolve to a tool call emitted by a
// preceding assistant message in the same thread.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Text       string         `json:"text,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolError  bool           `json:"tool_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	OrderIndex int64          `json:"order_index"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolStatus is the lifecycle state of a ToolCall.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusSucceeded ToolStatus = "succeeded"
	ToolStatusFailed    ToolStatus = "failed"
)

// ToolCall is a single invocation of a registered tool, as emitted by the
// model. Input is finalized at tool_input; Output and a terminal Status are
// set at tool_end. CallID is unique within one turn.
type ToolCall struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output any            `json:"output,omitempty"`
	Status ToolStatus     `json:"status"`
}

// Checkpoint is an opaque, framework-owned snapshot of agent state for a
// thread at a given point in the conversation. The server never inspects the
// blob's contents; it only enforces the monotonic sequence chain.
type Checkpoint struct {
	ThreadID       string    `json:"thread_id"`
	Sequence       int64     `json:"sequence"`
	ParentSequence int64     `json:"parent_sequence"`
	Blob           []byte    `json:"blob"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserWorkspace identifies the sandboxed, per-user subtree that tool calls
// for a given user are confined to.
type UserWorkspace struct {
	UserID string
	Path   string // path relative to the sandbox root, e.g. "workspace/<user_id>"
}

// SessionConfig is resolved once per turn and threaded explicitly through
// the Agent Execution Loop; it is never cached on the compiled Agent.
type SessionConfig struct {
	UserID         string
	ThreadID       string
	LLMModel       string
	APIKey         string
	BaseURL        string
	MaxOutputTokens int
	RecursionLimit int

	// Extra carries ancillary, non-identity fields threaded through a turn:
	// turn_id for log/metrics correlation and an optional client_request_id
	// echoed back on done/error for idempotent client-side retries.
	Extra map[string]string
}

// AgentKey is the cache key for the Agent Factory. Two SessionConfigs that
// agree on every field here share one compiled Agent.
type AgentKey struct {
	LLMModel        string
	APIKey          string
	BaseURL         string
	MaxOutputTokens int
}

// KeyFor derives the AgentKey a SessionConfig resolves to.
func KeyFor(cfg SessionConfig) AgentKey {
	return AgentKey{
		LLMModel:        cfg.LLMModel,
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
}
