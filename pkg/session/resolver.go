// Package session resolves a SessionConfig for (user_id, thread_id) by
// layering a per-user settings source over process-environment defaults
// over hard-coded fallbacks.
package session

import (
	"context"

	"github.com/nstogner/agentserver/pkg/domain"
)

// SettingsSource supplies zero or more SessionConfig field overrides for a
// user. Both the per-user settings store and the process environment
// satisfy this one interface, so resolution order is a loop over sources
// rather than two different code paths.
type SettingsSource interface {
	// Settings returns the fields this source overrides for userID. Any
	// zero-valued field is treated as "not set" and falls through to the
	// next source.
	Settings(ctx context.Context, userID string) (Overrides, error)
}

// Overrides is a partial SessionConfig; zero values mean "unset".
type Overrides struct {
	LLMModel        string
	APIKey          string
	BaseURL         string
	MaxOutputTokens int
	RecursionLimit  int
}

// Defaults are the hard-coded fallbacks used when no source sets a field.
type Defaults struct {
	LLMModel           string
	APIKey             string
	BaseURL            string
	MaxOutputTokens    int
	RecursionLimit     int
	MaxRecursionLimit  int
}

// Resolver produces a SessionConfig for a turn. Sources are consulted in
// order (first non-empty field wins); the caller decides that order when
// constructing the Resolver — typically a per-user store first, then a
// process-environment source, per spec.md §4.5.
type Resolver struct {
	Sources  []SettingsSource
	Defaults Defaults
}

// New builds a Resolver with sources consulted in the given order.
func New(defaults Defaults, sources ...SettingsSource) *Resolver {
	return &Resolver{Sources: sources, Defaults: defaults}
}

// Resolve produces the SessionConfig for (userID, threadID). RecursionLimit
// is clamped to Defaults.MaxRecursionLimit: clients and per-user settings
// may lower it but never exceed the server-side maximum.
func (r *Resolver) Resolve(ctx context.Context, userID, threadID string) (domain.SessionConfig, error) {
	cfg := domain.SessionConfig{UserID: userID, ThreadID: threadID}

	// Sources are given most-specific-first (e.g. per-user store, then
	// process environment); the first source to set a field wins, so later
	// sources only fill gaps.
	for _, src := range r.Sources {
		ov, err := src.Settings(ctx, userID)
		if err != nil {
			return domain.SessionConfig{}, err
		}
		applyOverrides(&cfg, ov)
	}

	// Hard-coded defaults fill whatever no source set.
	applyOverrides(&cfg, Overrides{
		LLMModel:        r.Defaults.LLMModel,
		APIKey:          r.Defaults.APIKey,
		BaseURL:         r.Defaults.BaseURL,
		MaxOutputTokens: r.Defaults.MaxOutputTokens,
		RecursionLimit:  r.Defaults.RecursionLimit,
	})

	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = domain.DefaultRecursionLimit
	}
	max := r.Defaults.MaxRecursionLimit
	if max > 0 && cfg.RecursionLimit > max {
		cfg.RecursionLimit = max
	}

	return cfg, nil
}

// applyOverrides sets any field in ov that is not yet populated on cfg,
// since callers are consulted most-specific-first and earlier sources must
// not be clobbered by a later, less-specific one.
func applyOverrides(cfg *domain.SessionConfig, ov Overrides) {
	if cfg.LLMModel == "" && ov.LLMModel != "" {
		cfg.LLMModel = ov.LLMModel
	}
	if cfg.APIKey == "" && ov.APIKey != "" {
		cfg.APIKey = ov.APIKey
	}
	if cfg.BaseURL == "" && ov.BaseURL != "" {
		cfg.BaseURL = ov.BaseURL
	}
	if cfg.MaxOutputTokens == 0 && ov.MaxOutputTokens != 0 {
		cfg.MaxOutputTokens = ov.MaxOutputTokens
	}
	if cfg.RecursionLimit == 0 && ov.RecursionLimit != 0 {
		cfg.RecursionLimit = ov.RecursionLimit
	}
}
