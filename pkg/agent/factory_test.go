package agent

import (
	"testing"

	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/tools"
)

func emptyBuilder(key domain.AgentKey) (*tools.Set, error) {
	return tools.NewSet()
}

func TestFactory_GetOrBuildCachesByKey(t *testing.T) {
	builds := 0
	f := New(4, func(key domain.AgentKey) (*tools.Set, error) {
		builds++
		return tools.NewSet()
	})

	key := domain.AgentKey{LLMModel: "gpt-4o-mini"}
	a1, err := f.GetOrBuild(key)
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	a2, err := f.GetOrBuild(key)
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if a1 != a2 {
		t.Error("expected the same cached Agent for the same key")
	}
	if builds != 1 {
		t.Errorf("expected 1 build, got %d", builds)
	}
}

func TestFactory_EvictsOldestOverCapacity(t *testing.T) {
	var evicted []domain.AgentKey
	f := New(2, emptyBuilder)
	f.OnEvict(func(key domain.AgentKey, a *Agent) {
		evicted = append(evicted, key)
	})

	k1 := domain.AgentKey{LLMModel: "m1"}
	k2 := domain.AgentKey{LLMModel: "m2"}
	k3 := domain.AgentKey{LLMModel: "m3"}

	if _, err := f.GetOrBuild(k1); err != nil {
		t.Fatalf("GetOrBuild k1: %v", err)
	}
	if _, err := f.GetOrBuild(k2); err != nil {
		t.Fatalf("GetOrBuild k2: %v", err)
	}
	if _, err := f.GetOrBuild(k3); err != nil {
		t.Fatalf("GetOrBuild k3: %v", err)
	}

	if f.Len() != 2 {
		t.Errorf("Len() = %d, want 2", f.Len())
	}
	if len(evicted) != 1 || evicted[0] != k1 {
		t.Errorf("expected k1 to be evicted first, got %+v", evicted)
	}
}

func TestFactory_RecentlyUsedSurvivesEviction(t *testing.T) {
	var evicted []domain.AgentKey
	f := New(2, emptyBuilder)
	f.OnEvict(func(key domain.AgentKey, a *Agent) {
		evicted = append(evicted, key)
	})

	k1 := domain.AgentKey{LLMModel: "m1"}
	k2 := domain.AgentKey{LLMModel: "m2"}
	k3 := domain.AgentKey{LLMModel: "m3"}

	mustGet := func(k domain.AgentKey) {
		if _, err := f.GetOrBuild(k); err != nil {
			t.Fatalf("GetOrBuild: %v", err)
		}
	}

	mustGet(k1)
	mustGet(k2)
	mustGet(k1) // touch k1 again so k2 becomes the oldest
	mustGet(k3)

	if len(evicted) != 1 || evicted[0] != k2 {
		t.Errorf("expected k2 to be evicted, got %+v", evicted)
	}
}
