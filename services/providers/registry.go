package providers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrProviderNotFound is returned when no provider or builder matches a model type
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// ProviderBuilder is a function that creates a provider instance
type ProviderBuilder func(config ProviderConfig) (Provider, error)

// Endpoint identifies where a request for a model type is sent. Empty
// fields fall back to the defaults registered for the model type.
type Endpoint struct {
	ModelType string
	BaseURL   string
	APIKey    string
}

func (e Endpoint) key() string {
	sum := sha256.Sum256([]byte(e.APIKey))
	return e.ModelType + "|" + e.BaseURL + "|" + hex.EncodeToString(sum[:8])
}

// Registry resolves providers per endpoint. Fixed providers are registered
// by name; builders create and cache one provider per distinct endpoint.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	builders  map[string]ProviderBuilder
	defaults  map[string]ProviderConfig
	built     map[string]Provider
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		builders:  make(map[string]ProviderBuilder),
		defaults:  make(map[string]ProviderConfig),
		built:     make(map[string]Provider),
	}
}

// RegisterProvider registers a fixed provider instance under its name
func (r *Registry) RegisterProvider(provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return ErrProviderAlreadyRegistered
	}
	r.providers[name] = provider
	return nil
}

// RegisterBuilder registers a builder for a model type with its default config
func (r *Registry) RegisterBuilder(modelType string, builder ProviderBuilder, defaults ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.builders[modelType] = builder
	r.defaults[modelType] = defaults
}

// Resolve returns the provider for an endpoint. Endpoints with a builder
// get a provider built once and cached; otherwise a fixed provider named
// after the model type is used.
func (r *Registry) Resolve(endpoint Endpoint) (Provider, error) {
	key := endpoint.key()

	r.mu.RLock()
	if p, ok := r.built[key]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	builder, hasBuilder := r.builders[endpoint.ModelType]
	cfg := r.defaults[endpoint.ModelType]
	fixed, hasFixed := r.providers[endpoint.ModelType]
	r.mu.RUnlock()

	if !hasBuilder {
		if hasFixed {
			return fixed, nil
		}
		return nil, fmt.Errorf("%w: model type %q", ErrProviderNotFound, endpoint.ModelType)
	}

	if endpoint.BaseURL != "" {
		cfg.BaseURL = endpoint.BaseURL
	}
	if endpoint.APIKey != "" {
		cfg.APIKey = endpoint.APIKey
	}
	provider, err := builder(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider %s: %w", endpoint.ModelType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.built[key]; ok {
		return p, nil
	}
	r.built[key] = provider
	return provider, nil
}

// GetProvider retrieves a fixed provider by name
func (r *Registry) GetProvider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// ModelTypes returns every model type the registry can serve, sorted
func (r *Registry) ModelTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.providers)+len(r.builders))
	for name := range r.providers {
		seen[name] = struct{}{}
	}
	for name := range r.builders {
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether Resolve can serve the model type
func (r *Registry) Supports(modelType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.builders[modelType]; ok {
		return true
	}
	_, ok := r.providers[modelType]
	return ok
}

// Clear removes all providers, builders and cached endpoints
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = make(map[string]Provider)
	r.builders = make(map[string]ProviderBuilder)
	r.defaults = make(map[string]ProviderConfig)
	r.built = make(map[string]Provider)
}
