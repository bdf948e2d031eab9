package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "LLM_DEFAULT_MODEL", "SANDBOX_TIMEOUT_DEFAULT", "RECURSION_LIMIT", "AGENT_CACHE_SIZE")

	cfg := Load()

	if cfg.LLM.DefaultModel == "" {
		t.Error("expected a non-empty default model")
	}
	if cfg.Agent.RecursionLimit != 1000 {
		t.Errorf("RecursionLimit = %d, want 1000", cfg.Agent.RecursionLimit)
	}
	if cfg.Agent.CacheSize != 32 {
		t.Errorf("CacheSize = %d, want 32", cfg.Agent.CacheSize)
	}
	if cfg.Sandbox.TimeoutDefault != 30*time.Second {
		t.Errorf("TimeoutDefault = %s, want 30s", cfg.Sandbox.TimeoutDefault)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t, "LLM_DEFAULT_MODEL", "RECURSION_LIMIT", "SANDBOX_CPU_LIMIT")

	os.Setenv("LLM_DEFAULT_MODEL", "claude-sonnet-4")
	os.Setenv("RECURSION_LIMIT", "50")
	os.Setenv("SANDBOX_CPU_LIMIT", "2.5")

	cfg := Load()

	if cfg.LLM.DefaultModel != "claude-sonnet-4" {
		t.Errorf("DefaultModel = %q, want %q", cfg.LLM.DefaultModel, "claude-sonnet-4")
	}
	if cfg.Agent.RecursionLimit != 50 {
		t.Errorf("RecursionLimit = %d, want 50", cfg.Agent.RecursionLimit)
	}
	if cfg.Sandbox.CPULimit != 2.5 {
		t.Errorf("CPULimit = %v, want 2.5", cfg.Sandbox.CPULimit)
	}
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	clearEnv(t, "RECURSION_LIMIT")
	os.Setenv("RECURSION_LIMIT", "not-a-number")

	cfg := Load()

	if cfg.Agent.RecursionLimit != 1000 {
		t.Errorf("RecursionLimit = %d, want fallback of 1000", cfg.Agent.RecursionLimit)
	}
}
