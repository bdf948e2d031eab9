// Package agent implements the Agent Execution Core: the compiled Agent
// value, the bounded Factory that caches one per AgentKey, and the
// Execution Loop that drives a turn end to end.
package agent

import (
	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/llm"
	"github.com/nstogner/agentserver/pkg/tools"
)

// Agent is an immutable compiled graph: an LLM client, a tool set, and a
// fixed middleware stack. Per-turn state never lives here — it is threaded
// explicitly through TurnConfig on every Run call, so a cached Agent shared
// by concurrent turns for different threads cannot leak one turn's
// recursion bound or identity into another's.
type Agent struct {
	Key        domain.AgentKey
	Provider   llm.Provider
	Tools      *tools.Set
	Middleware []Middleware
}

// Compile builds the fixed middleware stack (todo-list, summarization,
// tool-call repair) and merges their contributed tools into toolSet to
// produce the Agent the Factory caches for key.
func Compile(provider llm.Provider, toolSet *tools.Set, key domain.AgentKey) *Agent {
	middleware := []Middleware{
		NewTodoListMiddleware(),
		NewSummarizationMiddleware(&providerSummarizer{provider: provider, model: key.LLMModel}),
		NewToolCallRepairMiddleware(),
	}

	allTools := toolSet.List()
	for _, mw := range middleware {
		allTools = append(allTools, mw.ExtraTools()...)
	}

	merged, err := tools.NewSet(allTools...)
	if err != nil {
		// Middleware tool schemas are static and compiled once at process
		// startup by their constructors' own tests; a failure here means a
		// genuinely broken build, not a runtime condition to recover from.
		merged = toolSet
	}

	return &Agent{Key: key, Provider: provider, Tools: merged, Middleware: middleware}
}
