package session

import (
	"context"
	"sync"

	"github.com/nstogner/agentserver/pkg/config"
)

// UserStore is an in-memory per-user settings source, consulted first by the
// Resolver so a user's own overrides win over process-environment defaults.
type UserStore struct {
	mu       sync.RWMutex
	settings map[string]Overrides
}

// NewUserStore returns an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{settings: make(map[string]Overrides)}
}

var _ SettingsSource = (*UserStore)(nil)

// Settings implements SettingsSource.
func (s *UserStore) Settings(ctx context.Context, userID string) (Overrides, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[userID], nil
}

// Set replaces the stored overrides for userID.
func (s *UserStore) Set(userID string, ov Overrides) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[userID] = ov
}

// Delete removes any stored overrides for userID, falling the user back to
// process-environment defaults.
func (s *UserStore) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, userID)
}

// EnvSource exposes the process environment's LLM defaults as a
// SettingsSource, so the same Resolver loop that consults a per-user store
// also consults process configuration without a separate code path.
type EnvSource struct {
	overrides Overrides
}

// NewEnvSource builds an EnvSource from a loaded process config.
func NewEnvSource(cfg config.LLMConfig) *EnvSource {
	return &EnvSource{
		overrides: Overrides{
			LLMModel: cfg.DefaultModel,
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.APIBase,
		},
	}
}

var _ SettingsSource = (*EnvSource)(nil)

// Settings implements SettingsSource; it is the same for every user since
// the process environment is global.
func (s *EnvSource) Settings(ctx context.Context, userID string) (Overrides, error) {
	return s.overrides, nil
}
