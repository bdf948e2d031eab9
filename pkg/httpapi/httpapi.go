// Package httpapi wires the external interfaces of the server: the turn
// endpoint, health and metrics probes, and the read-only checkpoint
// introspection endpoint.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nstogner/agentserver/pkg/agent"
	"github.com/nstogner/agentserver/pkg/authn"
	"github.com/nstogner/agentserver/pkg/checkpoint"
	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/errkind"
	"github.com/nstogner/agentserver/pkg/events"
	"github.com/nstogner/agentserver/pkg/observability"
	"github.com/nstogner/agentserver/pkg/sandbox"
	"github.com/nstogner/agentserver/pkg/session"
	"github.com/nstogner/agentserver/pkg/threadlock"
	"github.com/nstogner/agentserver/pkg/transport"
)

// Server groups every dependency the HTTP handlers need.
type Server struct {
	Factory     *agent.Factory
	Loop        *agent.Loop
	Checkpoints checkpoint.Store
	Resolver    *session.Resolver
	Locks       *threadlock.Registry
	Verifier    authn.Verifier
	Metrics     *observability.Metrics
	Sandbox     sandbox.Sandbox
	Logger      *slog.Logger

	everReady atomic.Bool
}

// Mux builds the routed handler for the server's external interface.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/turns", s.withAuth(s.handleTurn))
	mux.HandleFunc("/api/threads/", s.withAuth(s.handleThreadCheckpoints))
	return mux
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// handleHealthz reports ok once the Sandbox has reached the ready state at
// least once; it stays ok afterward even if the sandbox later degrades, so a
// transient exec failure doesn't flap the probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.Sandbox != nil && s.Sandbox.State() == sandbox.StateReady {
		s.everReady.Store(true)
	}

	w.Header().Set("Content-Type", "application/json")
	if !s.everReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not-ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// withAuth delegates bearer-token verification to the configured Verifier
// and passes the resolved user id to next as its third argument.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := authn.BearerFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, errkind.AuthRequired, err.Error())
			return
		}
		userID, err := s.Verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, errkind.AuthRequired, err.Error())
			return
		}
		next(w, r, userID)
	}
}

type turnRequest struct {
	ThreadID        string `json:"thread_id"`
	Message         string `json:"message"`
	ClientRequestID string `json:"client_request_id"`
}

// handleTurn implements the turn endpoint: resolves session config, acquires
// the thread's lock, compiles/fetches the agent, and streams the turn as SSE.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errkind.Internal, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}

	release, ok := s.Locks.TryAcquire(req.ThreadID)
	if !ok {
		writeError(w, http.StatusConflict, errkind.ThreadBusy, "a turn is already running for this thread")
		return
	}
	defer release()

	cfg, err := s.Resolver.Resolve(r.Context(), userID, req.ThreadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errkind.StorageUnavailable, err.Error())
		return
	}

	a, err := s.Factory.GetOrBuild(domain.KeyFor(cfg))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errkind.LLMUnavailable, err.Error())
		return
	}
	if s.Metrics != nil {
		s.Metrics.AgentCacheSize.Set(float64(s.Factory.Len()))
	}

	turnCfg := agent.TurnConfig{
		ThreadID:       req.ThreadID,
		UserID:         userID,
		RecursionLimit: cfg.RecursionLimit,
		Extra: map[string]string{
			"turn_id":           uuid.NewString(),
			"client_request_id": req.ClientRequestID,
		},
	}

	stream := s.Loop.RunTurn(r.Context(), a, turnCfg, req.Message)
	stream = s.annotate(stream, req.ThreadID, req.ClientRequestID)
	transport.WriteSSE(w, r, stream, s.logger())
}

// annotate threads thread_id/client_request_id onto outgoing frames and
// records terminal-outcome metrics; it does not change event ordering.
func (s *Server) annotate(in <-chan events.Event, threadID, clientRequestID string) <-chan events.Event {
	out := make(chan events.Event)
	go func() {
		defer close(out)
		first := true
		for evt := range in {
			if first {
				evt.ThreadID = threadID
				first = false
			}
			if evt.Type == events.TypeDone || evt.Type == events.TypeError {
				evt.ClientRequestID = clientRequestID
			}
			if s.Metrics != nil {
				switch evt.Type {
				case events.TypeDone:
					s.Metrics.TurnsTotal.WithLabelValues("done").Inc()
				case events.TypeStopped:
					s.Metrics.TurnsTotal.WithLabelValues("stopped").Inc()
				case events.TypeError:
					s.Metrics.TurnsTotal.WithLabelValues("error").Inc()
				}
			}
			out <- evt
		}
	}()
	return out
}

// handleThreadCheckpoints serves GET /api/threads/{thread_id}/checkpoints.
func (s *Server) handleThreadCheckpoints(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	threadID, ok := parseThreadCheckpointsPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	cps, err := s.Checkpoints.List(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errkind.StorageUnavailable, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cps)
}

func parseThreadCheckpointsPath(p string) (string, bool) {
	const prefix = "/api/threads/"
	const suffix = "/checkpoints"
	if len(p) <= len(prefix)+len(suffix) {
		return "", false
	}
	if p[:len(prefix)] != prefix || p[len(p)-len(suffix):] != suffix {
		return "", false
	}
	return p[len(prefix) : len(p)-len(suffix)], true
}

func writeError(w http.ResponseWriter, status int, kind errkind.Kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(events.Error(kind, detail))
}

