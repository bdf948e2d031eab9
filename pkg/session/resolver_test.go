package session

import (
	"context"
	"errors"
	"testing"

	"github.com/nstogner/agentserver/pkg/domain"
)

type staticSource struct {
	ov  Overrides
	err error
}

func (s staticSource) Settings(ctx context.Context, userID string) (Overrides, error) {
	return s.ov, s.err
}

func TestResolver_FirstSourceWins(t *testing.T) {
	r := New(
		Defaults{LLMModel: "default-model", RecursionLimit: 10, MaxRecursionLimit: 100},
		staticSource{ov: Overrides{LLMModel: "first"}},
		staticSource{ov: Overrides{LLMModel: "second"}},
	)

	cfg, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.LLMModel != "first" {
		t.Errorf("LLMModel = %q, want %q", cfg.LLMModel, "first")
	}
}

func TestResolver_FallsThroughToDefaults(t *testing.T) {
	r := New(Defaults{LLMModel: "default-model", RecursionLimit: 10, MaxRecursionLimit: 100}, staticSource{})

	cfg, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.LLMModel != "default-model" {
		t.Errorf("LLMModel = %q, want %q", cfg.LLMModel, "default-model")
	}
	if cfg.RecursionLimit != 10 {
		t.Errorf("RecursionLimit = %d, want 10", cfg.RecursionLimit)
	}
}

func TestResolver_RecursionLimitClampedToMax(t *testing.T) {
	r := New(
		Defaults{MaxRecursionLimit: 20},
		staticSource{ov: Overrides{RecursionLimit: 500}},
	)

	cfg, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.RecursionLimit != 20 {
		t.Errorf("RecursionLimit = %d, want clamped to 20", cfg.RecursionLimit)
	}
}

func TestResolver_NoLimitAnywhereUsesDomainDefault(t *testing.T) {
	r := New(Defaults{}, staticSource{})

	cfg, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.RecursionLimit != domain.DefaultRecursionLimit {
		t.Errorf("RecursionLimit = %d, want %d", cfg.RecursionLimit, domain.DefaultRecursionLimit)
	}
}

func TestResolver_SourceErrorPropagates(t *testing.T) {
	wantErr := errors.New("settings store unavailable")
	r := New(Defaults{}, staticSource{err: wantErr})

	_, err := r.Resolve(context.Background(), "u1", "t1")
	if !errors.Is(err, wantErr) {
		t.Fatalf("Resolve error = %v, want %v", err, wantErr)
	}
}
