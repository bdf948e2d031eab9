package session

import (
	"context"
	"testing"

	"github.com/nstogner/agentserver/pkg/config"
)

func TestUserStore_SetAndGet(t *testing.T) {
	s := NewUserStore()

	ov, err := s.Settings(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if ov != (Overrides{}) {
		t.Errorf("expected zero Overrides for unset user, got %+v", ov)
	}

	s.Set("u1", Overrides{LLMModel: "claude-opus-4"})
	ov, err = s.Settings(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if ov.LLMModel != "claude-opus-4" {
		t.Errorf("LLMModel = %q, want %q", ov.LLMModel, "claude-opus-4")
	}

	s.Delete("u1")
	ov, _ = s.Settings(context.Background(), "u1")
	if ov.LLMModel != "" {
		t.Errorf("expected LLMModel cleared after Delete, got %q", ov.LLMModel)
	}
}

func TestEnvSource_SameForEveryUser(t *testing.T) {
	src := NewEnvSource(config.LLMConfig{DefaultModel: "gpt-4o-mini", APIKey: "k"})

	a, _ := src.Settings(context.Background(), "alice")
	b, _ := src.Settings(context.Background(), "bob")
	if a != b {
		t.Errorf("expected identical overrides for all users, got %+v vs %+v", a, b)
	}
	if a.LLMModel != "gpt-4o-mini" {
		t.Errorf("LLMModel = %q, want %q", a.LLMModel, "gpt-4o-mini")
	}
}

func TestResolver_UserStoreOverridesEnv(t *testing.T) {
	users := NewUserStore()
	users.Set("u1", Overrides{LLMModel: "claude-opus-4"})
	env := NewEnvSource(config.LLMConfig{DefaultModel: "gpt-4o-mini"})

	r := New(Defaults{LLMModel: "fallback-model", MaxRecursionLimit: 100}, users, env)

	cfg, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.LLMModel != "claude-opus-4" {
		t.Errorf("LLMModel = %q, want user override %q", cfg.LLMModel, "claude-opus-4")
	}

	cfg2, err := r.Resolve(context.Background(), "u2", "t2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg2.LLMModel != "gpt-4o-mini" {
		t.Errorf("LLMModel = %q, want env default %q", cfg2.LLMModel, "gpt-4o-mini")
	}
}
