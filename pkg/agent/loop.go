package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/agentserver/pkg/checkpoint"
	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/errkind"
	"github.com/nstogner/agentserver/pkg/events"
	"github.com/nstogner/agentserver/pkg/llm"
	"github.com/nstogner/agentserver/pkg/observability"
	"github.com/nstogner/agentserver/pkg/tools"
)

// TurnConfig is composed fresh for every call to RunTurn and carries every
// bound the loop must honor. It is never cached on the Agent: the
// "recursion-limit trap" is exactly a framework default silently overriding
// a value like RecursionLimit, which is why this struct exists as an
// explicit, mandatory argument instead.
type TurnConfig struct {
	ThreadID       string
	UserID         string
	RecursionLimit int

	// Extra carries ancillary identity fields (turn_id, client_request_id)
	// threaded through to tool dispatch and echoed on terminal events.
	Extra map[string]string
}

// checkpointState is the loop's own schema for the opaque Checkpoint.Blob;
// the Checkpoint Store never inspects it.
type checkpointState struct {
	Messages []domain.Message `json:"messages"`
}

// Loop drives one compiled Agent through one turn, translating its internal
// model/tool interaction into the public event taxonomy and persisting a
// checkpoint at each transition.
type Loop struct {
	Checkpoints checkpoint.Store
	Logger      *slog.Logger
	Metrics     *observability.Metrics

	// OnStep, if set, is invoked once per model-call step; used by metrics.
	OnStep func(threadID string, step int)
}

// RunTurn starts the turn in a new goroutine and returns the event stream.
// The returned channel is closed after exactly one terminal event (done,
// stopped, or error) has been sent.
func (l *Loop) RunTurn(ctx context.Context, a *Agent, cfg TurnConfig, userMessageText string) <-chan events.Event {
	out := make(chan events.Event)
	go l.run(ctx, a, cfg, userMessageText, out)
	return out
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Loop) run(ctx context.Context, a *Agent, cfg TurnConfig, userMessageText string, out chan<- events.Event) {
	defer close(out)

	history, parentSeq, err := l.loadHistory(ctx, cfg.ThreadID)
	if err != nil {
		out <- events.Error(errkind.StorageUnavailable, err.Error())
		return
	}

	history = append(history, domain.Message{
		ID:         uuid.NewString(),
		Role:       domain.RoleUser,
		Text:       userMessageText,
		CreatedAt:  time.Now(),
		OrderIndex: nextOrderIndex(history),
	})

	recursionLimit := cfg.RecursionLimit
	if recursionLimit <= 0 {
		recursionLimit = domain.DefaultRecursionLimit
	}

	for step := 1; ; step++ {
		if step > recursionLimit {
			l.persist(ctx, cfg.ThreadID, parentSeq, history)
			out <- events.Error(errkind.RecursionExceeded, fmt.Sprintf("exceeded recursion_limit=%d", recursionLimit))
			return
		}

		select {
		case <-ctx.Done():
			l.persist(ctx, cfg.ThreadID, parentSeq, history)
			out <- events.Stopped()
			return
		default:
		}

		if l.OnStep != nil {
			l.OnStep(cfg.ThreadID, step)
		}
		out <- events.MessageStart()

		assistantText, toolCalls, usageErr := l.streamModelStep(ctx, a, history, out)
		if usageErr != nil {
			if errors.Is(usageErr, context.Canceled) {
				l.persist(ctx, cfg.ThreadID, parentSeq, history)
				out <- events.Stopped()
				return
			}
			l.persist(ctx, cfg.ThreadID, parentSeq, history)
			out <- events.Error(errkind.LLMUnavailable, usageErr.Error())
			return
		}

		for _, mw := range a.Middleware {
			toolCalls = mw.AfterModelCall(ctx, toolCalls)
		}

		assistantMsg := domain.Message{
			ID:         uuid.NewString(),
			Role:       domain.RoleAssistant,
			Text:       assistantText,
			ToolCalls:  toolCalls,
			CreatedAt:  time.Now(),
			OrderIndex: nextOrderIndex(history),
		}
		history = append(history, assistantMsg)

		if len(toolCalls) == 0 {
			out <- events.MessageEnd()
			parentSeq = l.persist(ctx, cfg.ThreadID, parentSeq, history)
			history = pruneEmptyAssistant(history)
			reindex(history)
			out <- events.Done(history)
			return
		}

		toolResults := l.dispatchTools(ctx, a, cfg, toolCalls, out)
		for i := range history[len(history)-1].ToolCalls {
			for _, r := range toolResults {
				if r.CallID == history[len(history)-1].ToolCalls[i].CallID {
					history[len(history)-1].ToolCalls[i].Output = r.Output
					history[len(history)-1].ToolCalls[i].Status = r.Status
				}
			}
		}
		for _, r := range toolResults {
			history = append(history, domain.Message{
				ID:         uuid.NewString(),
				Role:       domain.RoleTool,
				Text:       fmt.Sprintf("%v", r.Output),
				ToolCallID: r.CallID,
				ToolName:   r.Name,
				ToolError:  r.Status == domain.ToolStatusFailed,
				CreatedAt:  time.Now(),
				OrderIndex: nextOrderIndex(history),
			})
		}

		out <- events.MessageEnd()
		parentSeq = l.persist(ctx, cfg.ThreadID, parentSeq, history)
	}
}

// streamModelStep runs middleware BeforeModelCall, issues one Provider.Complete
// call, and drains its stream, emitting content events as text arrives.
func (l *Loop) streamModelStep(ctx context.Context, a *Agent, history []domain.Message, out chan<- events.Event) (string, []domain.ToolCall, error) {
	messages := toLLMMessages(history)

	for _, mw := range a.Middleware {
		var err error
		messages, err = mw.BeforeModelCall(ctx, messages)
		if err != nil {
			return "", nil, err
		}
	}

	start := time.Now()
	chunks, err := a.Provider.Complete(ctx, llm.CompletionRequest{
		Model:     a.Key.LLMModel,
		Messages:  messages,
		Tools:     toToolSpecs(a.Tools),
		MaxTokens: a.Key.MaxOutputTokens,
	})
	if err != nil {
		l.observeLLMRequest(a, start, 0, 0, "error")
		return "", nil, err
	}

	var text string
	var toolCalls []domain.ToolCall
	var inputTokens, outputTokens int
	for chunk := range chunks {
		if chunk.Error != nil {
			l.observeLLMRequest(a, start, inputTokens, outputTokens, "error")
			return "", nil, chunk.Error
		}
		if chunk.Text != "" {
			text += chunk.Text
			out <- events.Content("model", chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.InputTokens > 0 {
			inputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			outputTokens = chunk.OutputTokens
		}
		if chunk.Done {
			break
		}
	}
	l.observeLLMRequest(a, start, inputTokens, outputTokens, "success")
	return text, toolCalls, nil
}

// observeLLMRequest records one Provider.Complete call's duration and token
// usage against the LLM metrics, keyed by provider and model.
func (l *Loop) observeLLMRequest(a *Agent, start time.Time, inputTokens, outputTokens int, status string) {
	if l.Metrics == nil {
		return
	}
	provider := a.Provider.Name()
	model := a.Key.LLMModel
	l.Metrics.LLMRequestDuration.WithLabelValues(provider, model, status).Observe(time.Since(start).Seconds())
	if inputTokens > 0 {
		l.Metrics.LLMTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		l.Metrics.LLMTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// toolDispatchResult is the outcome of running one tool call, threaded back
// into history once every parallel call in the step has finished.
type toolDispatchResult struct {
	CallID string
	Name   string
	Output string
	Status domain.ToolStatus
}

// dispatchTools runs every tool call in toolCalls concurrently, emitting
// tool_start/tool_input up front (in call order, so the stream's ordering
// guarantee holds even though execution itself may interleave) and tool_end
// as each finishes.
func (l *Loop) dispatchTools(ctx context.Context, a *Agent, cfg TurnConfig, toolCalls []domain.ToolCall, out chan<- events.Event) []toolDispatchResult {
	for _, tc := range toolCalls {
		out <- events.ToolStart(tc.CallID, tc.Name)
		inputJSON, _ := json.Marshal(tc.Input)
		out <- events.ToolInput(tc.CallID, inputJSON)
	}

	type indexedResult struct {
		idx int
		res toolDispatchResult
	}
	resultsCh := make(chan indexedResult, len(toolCalls))

	var wg sync.WaitGroup
	for i, tc := range toolCalls {
		wg.Add(1)
		go func(i int, tc domain.ToolCall) {
			defer wg.Done()
			output, status := l.runOneTool(ctx, a, cfg, tc)
			resultsCh <- indexedResult{i, toolDispatchResult{CallID: tc.CallID, Name: tc.Name, Output: output, Status: status}}
		}(i, tc)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	results := make([]toolDispatchResult, len(toolCalls))
	for ir := range resultsCh {
		results[ir.idx] = ir.res
		out <- events.ToolEnd(ir.res.CallID, ir.res.Output, ir.res.Status)
	}
	return results
}

func (l *Loop) runOneTool(ctx context.Context, a *Agent, cfg TurnConfig, tc domain.ToolCall) (string, domain.ToolStatus) {
	session := tools.Session{UserID: cfg.UserID, Extra: cfg.Extra}
	if session.Extra == nil {
		session.Extra = map[string]string{}
	}
	session.Extra["thread_id"] = cfg.ThreadID

	start := time.Now()
	output, err := a.Tools.Execute(ctx, session, tc.Name, tc.Input)
	if l.Metrics != nil {
		l.Metrics.ToolExecutionDuration.WithLabelValues(tc.Name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		l.logger().Warn("tool call failed", "tool", tc.Name, "call_id", tc.CallID, "error", err)
		if l.Metrics != nil {
			l.Metrics.ToolExecutionsTotal.WithLabelValues(tc.Name, string(domain.ToolStatusFailed)).Inc()
		}
		return err.Error(), domain.ToolStatusFailed
	}
	if l.Metrics != nil {
		l.Metrics.ToolExecutionsTotal.WithLabelValues(tc.Name, string(domain.ToolStatusSucceeded)).Inc()
	}
	return output, domain.ToolStatusSucceeded
}

func (l *Loop) loadHistory(ctx context.Context, threadID string) ([]domain.Message, int64, error) {
	cp, err := l.Checkpoints.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var state checkpointState
	if err := json.Unmarshal(cp.Blob, &state); err != nil {
		return nil, 0, fmt.Errorf("agent: decode checkpoint: %w", err)
	}
	return state.Messages, cp.Sequence, nil
}

// persist writes the current history as a new checkpoint. Persistence
// failures are logged but do not abort the turn: the in-memory history is
// still correct and will be retried on the next transition.
func (l *Loop) persist(ctx context.Context, threadID string, parentSeq int64, history []domain.Message) int64 {
	blob, err := json.Marshal(checkpointState{Messages: history})
	if err != nil {
		l.logger().Error("encode checkpoint", "thread_id", threadID, "error", err)
		return parentSeq
	}
	cp, err := l.Checkpoints.Put(ctx, threadID, parentSeq, blob)
	if err != nil {
		status := "error"
		if errors.Is(err, checkpoint.ErrStaleParent) {
			status = "stale-parent"
		}
		if l.Metrics != nil {
			l.Metrics.CheckpointWritesTotal.WithLabelValues(status).Inc()
		}
		l.logger().Error("persist checkpoint", "thread_id", threadID, "error", err)
		return parentSeq
	}
	if l.Metrics != nil {
		l.Metrics.CheckpointWritesTotal.WithLabelValues("success").Inc()
	}
	return cp.Sequence
}

func toLLMMessages(history []domain.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{
			Role:       string(m.Role),
			Text:       m.Text,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		})
	}
	return out
}

func toToolSpecs(set *tools.Set) []llm.ToolSpec {
	list := set.List()
	out := make([]llm.ToolSpec, len(list))
	for i, t := range list {
		out[i] = llm.ToolSpec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()}
	}
	return out
}

func nextOrderIndex(history []domain.Message) int64 {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].OrderIndex + 1
}

// pruneEmptyAssistant drops assistant messages with no text and no tool
// calls: transient artifacts of tool-only turns per the finalization
// reconciliation contract.
func pruneEmptyAssistant(history []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(history))
	for _, m := range history {
		if m.Role == domain.RoleAssistant && m.Text == "" && len(m.ToolCalls) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// reindex reassigns strictly increasing OrderIndex values after pruning may
// have left gaps.
func reindex(history []domain.Message) {
	for i := range history {
		history[i].OrderIndex = int64(i)
	}
}
