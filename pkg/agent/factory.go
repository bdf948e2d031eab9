package agent

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/llm"
	"github.com/nstogner/agentserver/pkg/tools"
)

// Builder constructs the tool set available to a compiled Agent for a given
// key. The Factory owns the resulting Agent; Builder only supplies the
// domain-specific parts (typically the shared Sandbox-backed builtin tools).
type Builder func(key domain.AgentKey) (*tools.Set, error)

// DefaultCacheSize is the Agent Factory's bounded LRU capacity absent an
// AGENT_CACHE_SIZE override.
const DefaultCacheSize = 32

// Factory memoizes compiled Agents by AgentKey with a bounded LRU. Eviction
// only drops the Factory's own reference: an Agent already handed out to an
// in-flight turn stays alive until that turn finishes, because the caller
// holds its own pointer.
type Factory struct {
	mu       sync.Mutex
	capacity int
	items    map[domain.AgentKey]*list.Element
	order    *list.List
	build    Builder

	// onEvict, when set, is called synchronously after an entry is dropped
	// for capacity; used by tests to assert eviction actually happened.
	onEvict func(domain.AgentKey, *Agent)
}

type cacheEntry struct {
	key   domain.AgentKey
	agent *Agent
}

// New returns a Factory with the given capacity (DefaultCacheSize if <= 0)
// that builds each agent's tool set via build.
func New(capacity int, build Builder) *Factory {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Factory{
		capacity: capacity,
		items:    make(map[domain.AgentKey]*list.Element, capacity),
		order:    list.New(),
		build:    build,
	}
}

// OnEvict installs an eviction callback. Not safe to call concurrently with
// GetOrBuild.
func (f *Factory) OnEvict(fn func(domain.AgentKey, *Agent)) {
	f.onEvict = fn
}

// GetOrBuild returns the cached Agent for key, building and inserting one if
// absent. The LLM provider is resolved fresh per key via llm.Resolve so a
// cached agent's credentials never drift from the key that produced it.
func (f *Factory) GetOrBuild(key domain.AgentKey) (*Agent, error) {
	f.mu.Lock()
	if elem, ok := f.items[key]; ok {
		f.order.MoveToFront(elem)
		a := elem.Value.(*cacheEntry).agent
		f.mu.Unlock()
		return a, nil
	}
	f.mu.Unlock()

	toolSet, err := f.build(key)
	if err != nil {
		return nil, fmt.Errorf("agent: factory: build tool set: %w", err)
	}
	provider := llm.Resolve(key.LLMModel, key.APIKey, key.BaseURL)
	a := Compile(provider, toolSet, key)

	f.mu.Lock()
	defer f.mu.Unlock()

	// Another goroutine may have raced us to insert the same key.
	if elem, ok := f.items[key]; ok {
		f.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry).agent, nil
	}

	elem := f.order.PushFront(&cacheEntry{key: key, agent: a})
	f.items[key] = elem

	if f.order.Len() > f.capacity {
		oldest := f.order.Back()
		if oldest != nil {
			f.order.Remove(oldest)
			ev := oldest.Value.(*cacheEntry)
			delete(f.items, ev.key)
			if f.onEvict != nil {
				f.onEvict(ev.key, ev.agent)
			}
		}
	}

	return a, nil
}

// Len reports the current number of cached agents.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order.Len()
}
