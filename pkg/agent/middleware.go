package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/llm"
	"github.com/nstogner/agentserver/pkg/tools"
)

// Middleware wraps the loop's interaction with a compiled Agent's model
// calls. It is composed as a linear stack with before/after hooks on the
// model-node transition only — no back-pointers into the loop or the Agent,
// so middleware can be reordered or dropped without touching either.
type Middleware interface {
	Name() string
	// BeforeModelCall may rewrite the outgoing message list (e.g.
	// summarization) before each model call.
	BeforeModelCall(ctx context.Context, messages []llm.Message) ([]llm.Message, error)
	// AfterModelCall may repair malformed tool calls the model emitted.
	AfterModelCall(ctx context.Context, toolCalls []domain.ToolCall) []domain.ToolCall
	// ExtraTools contributes additional tools to the compiled Agent's tool
	// set; most middleware returns nil.
	ExtraTools() []tools.Tool
}

// charsPerTokenEstimate approximates token count from character count; the
// same heuristic the pack's compaction helpers use, since an exact tokenizer
// is provider-specific and not worth a dependency for a threshold check.
const charsPerTokenEstimate = 4

func estimateTokens(messages []llm.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Text)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 32
		}
	}
	return (chars + charsPerTokenEstimate - 1) / charsPerTokenEstimate
}

// Summarizer produces a condensed text summary of a run of messages. The
// default implementation calls out to an llm.Provider; tests can supply a
// deterministic stub.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

// providerSummarizer summarizes by issuing one non-tool completion request
// against the turn's own provider and draining it to a single string.
type providerSummarizer struct {
	provider llm.Provider
	model    string
}

func (s *providerSummarizer) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(fmt.Sprintf("[%s]: %s\n", m.Role, m.Text))
	}

	chunks, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Model:     s.model,
		System:    "Summarize the following conversation history concisely, preserving facts, decisions, and open tasks a continuing assistant would need.",
		Messages:  []llm.Message{{Role: "user", Text: sb.String()}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for c := range chunks {
		if c.Error != nil {
			return "", c.Error
		}
		out.WriteString(c.Text)
	}
	return out.String(), nil
}

// SummarizationMiddleware rewrites everything but the last keepLastK
// messages into one summary message once the estimated token count of the
// full history crosses thresholdTokens.
type SummarizationMiddleware struct {
	thresholdTokens int
	keepLastK       int
	summarizer      Summarizer
}

// DefaultSummarizationThreshold is conservative enough to leave headroom for
// most providers' context windows without summarizing away useful recent
// history on ordinary turns.
const DefaultSummarizationThreshold = 6000

// DefaultSummarizationKeepLastK is how many trailing messages survive a
// summarization pass verbatim.
const DefaultSummarizationKeepLastK = 6

func NewSummarizationMiddleware(summarizer Summarizer) *SummarizationMiddleware {
	return &SummarizationMiddleware{
		thresholdTokens: DefaultSummarizationThreshold,
		keepLastK:       DefaultSummarizationKeepLastK,
		summarizer:      summarizer,
	}
}

func (m *SummarizationMiddleware) Name() string { return "summarization" }

func (m *SummarizationMiddleware) BeforeModelCall(ctx context.Context, messages []llm.Message) ([]llm.Message, error) {
	if estimateTokens(messages) <= m.thresholdTokens || len(messages) <= m.keepLastK {
		return messages, nil
	}

	head := messages[:len(messages)-m.keepLastK]
	tail := messages[len(messages)-m.keepLastK:]

	summary, err := m.summarizer.Summarize(ctx, head)
	if err != nil {
		// Summarization is an optimization, not a correctness requirement;
		// fall back to sending the untrimmed history rather than failing
		// the turn.
		return messages, nil //nolint:nilerr
	}

	out := make([]llm.Message, 0, len(tail)+1)
	out = append(out, llm.Message{Role: "user", Text: "Summary of earlier conversation:\n" + summary})
	out = append(out, tail...)
	return out, nil
}

func (m *SummarizationMiddleware) AfterModelCall(ctx context.Context, toolCalls []domain.ToolCall) []domain.ToolCall {
	return toolCalls
}

func (m *SummarizationMiddleware) ExtraTools() []tools.Tool { return nil }

// ToolCallRepairMiddleware normalizes malformed tool-call payloads: a
// missing CallID (some providers omit it on the first streamed chunk if
// arguments arrive empty), or a Name with surrounding whitespace some models
// emit when asked to call a tool by description rather than declared name.
type ToolCallRepairMiddleware struct {
	seq int
	mu  sync.Mutex
}

func NewToolCallRepairMiddleware() *ToolCallRepairMiddleware {
	return &ToolCallRepairMiddleware{}
}

func (m *ToolCallRepairMiddleware) Name() string { return "tool-call-repair" }

func (m *ToolCallRepairMiddleware) BeforeModelCall(ctx context.Context, messages []llm.Message) ([]llm.Message, error) {
	return messages, nil
}

func (m *ToolCallRepairMiddleware) AfterModelCall(ctx context.Context, toolCalls []domain.ToolCall) []domain.ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range toolCalls {
		toolCalls[i].Name = strings.TrimSpace(toolCalls[i].Name)
		if toolCalls[i].CallID == "" {
			m.seq++
			toolCalls[i].CallID = fmt.Sprintf("repaired-%d", m.seq)
		}
		if toolCalls[i].Input == nil {
			toolCalls[i].Input = map[string]any{}
		}
	}
	return toolCalls
}

func (m *ToolCallRepairMiddleware) ExtraTools() []tools.Tool { return nil }

// TodoItem is one task tracked by the todo-list middleware for a thread.
type TodoItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TodoListMiddleware exposes a manage_todos tool the model can use to track
// its own task list across a turn's tool-call chain. State is keyed by
// thread_id (threaded through tools.Session.Extra) so one middleware
// instance, shared by every turn that resolves to this Agent, never mixes
// two threads' lists.
type TodoListMiddleware struct {
	mu    sync.Mutex
	state map[string][]TodoItem
}

func NewTodoListMiddleware() *TodoListMiddleware {
	return &TodoListMiddleware{state: make(map[string][]TodoItem)}
}

func (m *TodoListMiddleware) Name() string { return "todo-list" }

func (m *TodoListMiddleware) BeforeModelCall(ctx context.Context, messages []llm.Message) ([]llm.Message, error) {
	return messages, nil
}

func (m *TodoListMiddleware) AfterModelCall(ctx context.Context, toolCalls []domain.ToolCall) []domain.ToolCall {
	return toolCalls
}

func (m *TodoListMiddleware) ExtraTools() []tools.Tool {
	return []tools.Tool{&manageTodosTool{mw: m}}
}

type manageTodosTool struct {
	mw *TodoListMiddleware
}

func (t *manageTodosTool) Name() string { return "manage_todos" }

func (t *manageTodosTool) Description() string {
	return "Read or replace the task checklist for this conversation. Use this to track multi-step work."
}

func (t *manageTodosTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{"type": "string", "enum": []string{"read", "write"}},
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":   map[string]any{"type": "string"},
						"text": map[string]any{"type": "string"},
						"done": map[string]any{"type": "boolean"},
					},
					"required": []string{"id", "text"},
				},
			},
		},
		"required": []string{"action"},
	}
}

func (t *manageTodosTool) Execute(ctx context.Context, session tools.Session, input map[string]any) (string, error) {
	threadID := session.Extra["thread_id"]

	action, _ := input["action"].(string)
	switch action {
	case "write":
		rawItems, _ := input["items"].([]any)
		items := make([]TodoItem, 0, len(rawItems))
		for _, raw := range rawItems {
			obj, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, _ := obj["id"].(string)
			text, _ := obj["text"].(string)
			done, _ := obj["done"].(bool)
			items = append(items, TodoItem{ID: id, Text: text, Done: done})
		}
		t.mw.mu.Lock()
		t.mw.state[threadID] = items
		t.mw.mu.Unlock()
		return formatTodos(items), nil
	default:
		t.mw.mu.Lock()
		items := append([]TodoItem(nil), t.mw.state[threadID]...)
		t.mw.mu.Unlock()
		return formatTodos(items), nil
	}
}

func formatTodos(items []TodoItem) string {
	if len(items) == 0 {
		return "(no todos)"
	}
	var sb strings.Builder
	for _, it := range items {
		mark := " "
		if it.Done {
			mark = "x"
		}
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", mark, it.ID, it.Text))
	}
	return sb.String()
}
