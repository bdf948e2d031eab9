// Command server runs the multi-tenant conversational agent server: the
// Agent Execution Core and the Sandboxed Tool Execution Core wired together
// behind one HTTP listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nstogner/agentserver/pkg/agent"
	"github.com/nstogner/agentserver/pkg/authn"
	"github.com/nstogner/agentserver/pkg/checkpoint"
	"github.com/nstogner/agentserver/pkg/checkpoint/memory"
	"github.com/nstogner/agentserver/pkg/checkpoint/sqlite"
	"github.com/nstogner/agentserver/pkg/config"
	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/httpapi"
	"github.com/nstogner/agentserver/pkg/observability"
	"github.com/nstogner/agentserver/pkg/sandbox"
	"github.com/nstogner/agentserver/pkg/sandbox/docker"
	"github.com/nstogner/agentserver/pkg/session"
	"github.com/nstogner/agentserver/pkg/threadlock"
	"github.com/nstogner/agentserver/pkg/tools"
	"github.com/nstogner/agentserver/pkg/tools/builtin"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	})
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(nil)

	logger.Info("starting agent server",
		"llm_provider", cfg.LLM.Provider,
		"llm_default_model", cfg.LLM.DefaultModel,
		"sandbox_image", cfg.Sandbox.Image,
		"agent_cache_size", cfg.Agent.CacheSize,
	)

	checkpoints, closeCheckpoints, err := openCheckpointStore(cfg.Storage.CheckpointStoreURL)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer closeCheckpoints()

	sb, err := docker.New(docker.Config{
		Image:          cfg.Sandbox.Image,
		MemoryLimit:    cfg.Sandbox.MemoryLimitMiB * 1024 * 1024,
		CPUQuota:       int64(cfg.Sandbox.CPULimit * 100000),
		NetworkEnabled: cfg.Sandbox.Network == "bridge",
		ExecTimeout:    cfg.Sandbox.TimeoutDefault,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("init sandbox: %w", err)
	}
	defer sb.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sb.Ensure(ctx); err != nil {
		logger.Warn("sandbox not yet ready; tool calls will fail until it recovers", "error", err)
	}

	factory := agent.New(cfg.Agent.CacheSize, toolSetBuilder(sb, cfg.Sandbox.TimeoutDefault))
	factory.OnEvict(func(key domain.AgentKey, a *agent.Agent) {
		logger.Info("evicted cached agent", "model", key.LLMModel)
	})

	loop := &agent.Loop{
		Checkpoints: checkpoints,
		Logger:      logger,
		Metrics:     metrics,
		OnStep: func(threadID string, step int) {
			metrics.StepsTotal.Inc()
		},
	}

	resolver := session.New(session.Defaults{
		LLMModel:          cfg.LLM.DefaultModel,
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.APIBase,
		RecursionLimit:    cfg.Agent.RecursionLimit,
		MaxRecursionLimit: cfg.Agent.RecursionLimit,
	}, session.NewUserStore(), session.NewEnvSource(cfg.LLM))

	verifier := buildVerifier(cfg.Auth.JWTSecret)

	api := &httpapi.Server{
		Factory:     factory,
		Loop:        loop,
		Checkpoints: checkpoints,
		Resolver:    resolver,
		Locks:       threadlock.New(),
		Verifier:    verifier,
		Metrics:     metrics,
		Sandbox:     sb,
		Logger:      logger,
	}

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info("agent server listening", "addr", addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown signal received, draining connections")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("agent server stopped gracefully")
	return nil
}

// toolSetBuilder adapts the builtin Sandbox-backed tool catalog into the
// Agent Factory's Builder signature. Every AgentKey shares the one process
// Sandbox instance; only LLM credentials vary per key.
func toolSetBuilder(sb sandbox.Sandbox, defaultTimeout time.Duration) agent.Builder {
	return func(key domain.AgentKey) (*tools.Set, error) {
		return tools.NewSet(builtin.New(sb, defaultTimeout)...)
	}
}

func openCheckpointStore(url string) (checkpoint.Store, func(), error) {
	if strings.HasPrefix(url, "file:") {
		path := strings.TrimPrefix(url, "file:")
		store, err := sqlite.New(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	// "memory:" or unrecognized scheme: fall back to the in-process store,
	// useful for local development and tests.
	return memory.New(), func() {}, nil
}

// serveMetrics runs a second listener exposing only /metrics, for
// deployments that keep scrape traffic off the main turn-serving port.
func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server exited", "error", err)
	}
}

func buildVerifier(secret string) authn.Verifier {
	if secret == "" {
		return authn.StaticVerifier{}
	}
	return authn.NewJWTVerifier(secret)
}
