// Package observability provides the structured logging and Prometheus
// metrics surface shared across the server, scaled to this system's domain:
// turns, model calls, tool executions, and checkpoint I/O.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error"; defaults to "info".
	Level string
	// Format is "json" or "text"; defaults to "json".
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// NewLogger builds a *slog.Logger per cfg.
func NewLogger(cfg LogConfig) *slog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	return slog.New(handler)
}

// Metrics is the process-wide set of Prometheus collectors. Construct once
// at startup with NewMetrics and thread the result through the Agent
// Execution Loop, the Sandbox, and the HTTP server.
type Metrics struct {
	// TurnsTotal counts completed turns by terminal outcome (done|stopped|error).
	TurnsTotal *prometheus.CounterVec

	// StepsTotal counts agent steps across all turns.
	StepsTotal prometheus.Counter

	// LLMRequestDuration measures one Provider.Complete call's wall time.
	// Labels: provider, model, status (success|error)
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensTotal tracks token usage. Labels: provider, model, kind (input|output)
	LLMTokensTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts tool calls. Labels: tool, status (succeeded|failed)
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration measures one tool call's wall time. Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// SandboxExecsTotal counts shared-sandbox Exec calls. Labels: status (success|timeout|error)
	SandboxExecsTotal *prometheus.CounterVec

	// CheckpointWritesTotal counts Checkpoint Store Put calls. Labels: status (success|stale-parent|error)
	CheckpointWritesTotal *prometheus.CounterVec

	// AgentCacheSize reports the current Agent Factory occupancy.
	AgentCacheSize prometheus.Gauge
}

// NewMetrics registers and returns the collector set against reg (the
// default registry if nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_turns_total",
				Help: "Total number of turns by terminal outcome.",
			},
			[]string{"outcome"},
		),
		StepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentserver_agent_steps_total",
				Help: "Total number of agent steps (model calls) executed.",
			},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentserver_llm_request_duration_seconds",
				Help:    "Duration of LLM completion calls in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_llm_tokens_total",
				Help: "Total tokens consumed, by provider, model, and kind.",
			},
			[]string{"provider", "model", "kind"},
		),
		ToolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_tool_executions_total",
				Help: "Total tool calls by tool name and outcome status.",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentserver_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		SandboxExecsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_sandbox_execs_total",
				Help: "Total shared-sandbox command executions by outcome.",
			},
			[]string{"status"},
		),
		CheckpointWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_checkpoint_writes_total",
				Help: "Total checkpoint store writes by outcome.",
			},
			[]string{"status"},
		),
		AgentCacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentserver_agent_cache_size",
				Help: "Current number of compiled agents held by the Agent Factory.",
			},
		),
	}
}
