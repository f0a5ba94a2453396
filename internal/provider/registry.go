package provider

import (
	"net/http"

	"pageanalyzer-mcp-server/internal/analysis"
	"pageanalyzer-mcp-server/internal/config"
)

// Factory builds a caller for one configured provider.
type Factory func(cfg config.ProviderConfig, apiKey string) (Caller, error)

// Registry turns a configuration snapshot into callers in registration order.
type Registry struct {
	providers []config.ProviderConfig
	factory   Factory
}

// NewRegistry uses HTTP clients for every provider in providers.
func NewRegistry(providers []config.ProviderConfig, maxTextChars int, hc *http.Client) *Registry {
	return &Registry{
		providers: providers,
		factory: func(cfg config.ProviderConfig, apiKey string) (Caller, error) {
			return NewClient(cfg, apiKey, Options{HTTPClient: hc, MaxTextChars: maxTextChars})
		},
	}
}

// NewRegistryWithFactory lets tests substitute callers.
func NewRegistryWithFactory(providers []config.ProviderConfig, factory Factory) *Registry {
	return &Registry{providers: providers, factory: factory}
}

// Callers returns one caller per provider that has a credential in snap.
func (r *Registry) Callers(snap analysis.Configuration) ([]Caller, error) {
	callers := make([]Caller, 0, len(r.providers))
	for _, p := range r.providers {
		key := snap.Credentials[p.ID]
		if key == "" {
			continue
		}
		c, err := r.factory(p, key)
		if err != nil {
			return nil, err
		}
		callers = append(callers, c)
	}
	return callers, nil
}

// Labels maps provider IDs to display names.
func (r *Registry) Labels() map[string]string {
	out := make(map[string]string, len(r.providers))
	for _, p := range r.providers {
		out[p.ID] = p.Label()
	}
	return out
}

// Providers returns the registered provider configs in order.
func (r *Registry) Providers() []config.ProviderConfig {
	return r.providers
}
