package llmcore

import (
	"fmt"
	"sync"
)

// AdapterFactory builds the adapter for one (provider, model) pair. It must
// not perform network I/O; adapters connect lazily.
type AdapterFactory func(provider Provider, model string) (Adapter, error)

type adapterKey struct {
	provider Provider
	model    string
}

// AdapterRegistry caches adapters by (provider, model). Adapters hold no
// per-call state, so one instance serves concurrent requests. Concurrent
// first lookups may each build an adapter; only one is kept.
type AdapterRegistry struct {
	factory  AdapterFactory
	adapters sync.Map // adapterKey -> Adapter
}

// NewAdapterRegistry creates a registry backed by factory.
func NewAdapterRegistry(factory AdapterFactory) *AdapterRegistry {
	return &AdapterRegistry{factory: factory}
}

// Get returns the cached adapter for (provider, model), building it on first use.
func (r *AdapterRegistry) Get(provider Provider, model string) (Adapter, error) {
	if provider == "" || model == "" {
		return nil, configErr("adapter requires provider and model (got %q/%q)", provider, model)
	}
	key := adapterKey{provider: provider, model: model}
	if a, ok := r.adapters.Load(key); ok {
		return a.(Adapter), nil
	}

	a, err := r.factory(provider, model)
	if err != nil {
		return nil, fmt.Errorf("build adapter %s/%s: %w", provider, model, err)
	}
	actual, loaded := r.adapters.LoadOrStore(key, a)
	if loaded {
		if c, ok := a.(Closer); ok {
			_ = c.Close()
		}
	}
	return actual.(Adapter), nil
}

// Register installs a prebuilt adapter, replacing any cached one.
func (r *AdapterRegistry) Register(a Adapter) {
	r.adapters.Store(adapterKey{provider: a.Provider(), model: a.Model()}, a)
}

// Close releases resources held by cached adapters.
func (r *AdapterRegistry) Close() error {
	var firstErr error
	r.adapters.Range(func(key, value any) bool {
		if c, ok := value.(Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		r.adapters.Delete(key)
		return true
	})
	return firstErr
}

// DefaultAdapterFactory builds wire adapters for the native providers and
// gollm text bridges for everything else, all reading creds.
func DefaultAdapterFactory(creds Credentials) AdapterFactory {
	client := newHTTPClient(creds.HTTPTimeout)
	return func(provider Provider, model string) (Adapter, error) {
		switch provider {
		case ProviderOpenAI:
			return NewOpenAIAdapter(creds.OpenAIAPIKey, model,
				WithBaseURL(creds.OpenAIBaseURL), WithHTTPClient(client)), nil
		case ProviderAnthropic:
			return NewAnthropicAdapter(creds.AnthropicAPIKey, model,
				WithBaseURL(creds.AnthropicBaseURL), WithHTTPClient(client)), nil
		case ProviderGemini:
			return NewGeminiAdapter(creds.GeminiAPIKey, model,
				WithBaseURL(creds.GeminiBaseURL), WithHTTPClient(client)), nil
		default:
			return NewGollmAdapter(provider, model, creds.APIKey(provider)), nil
		}
	}
}
