// Package routing maps use cases to model routes. The compiled table is
// embedded YAML; the provider and model of each use case can be overridden
// from the environment at resolution time.
package routing

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/brandlens/llmcore"
)

//go:embed routes.yaml
var defaultRoutesYAML []byte

// ErrUnknownUseCase is returned for a use case absent from the table.
var ErrUnknownUseCase = errors.New("unknown use case")

// EnvPrefix starts every override variable name.
const EnvPrefix = "BRANDLENS_LLM_"

type routeEntry struct {
	Description      string        `yaml:"description"`
	Provider         string        `yaml:"provider" validate:"required"`
	Model            string        `yaml:"model" validate:"required"`
	FallbackProvider string        `yaml:"fallback_provider" validate:"required_with=FallbackModel"`
	FallbackModel    string        `yaml:"fallback_model" validate:"required_with=FallbackProvider"`
	Temperature      *float64      `yaml:"temperature" validate:"omitnil,gte=0,lte=2"`
	MaxTokens        *int          `yaml:"max_tokens" validate:"omitnil,gt=0"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
}

type routeTable struct {
	Routes map[string]routeEntry `yaml:"routes" validate:"required,min=1,dive"`
}

func (s routeEntry) route() llmcore.ModelRoute {
	r := llmcore.ModelRoute{
		Provider:         llmcore.Provider(s.Provider),
		Model:            s.Model,
		FallbackProvider: llmcore.Provider(s.FallbackProvider),
		FallbackModel:    s.FallbackModel,
		Temperature:      s.Temperature,
		MaxTokens:        s.MaxTokens,
		Timeout:          s.Timeout,
	}
	return r.Clone()
}

// Registry resolves use cases to routes. It holds only the immutable
// compiled table; overrides are read on every resolution.
type Registry struct {
	routes       map[llmcore.UseCase]routeEntry
	lookup       func(string) (string, bool)
	routesSource []byte
}

var _ llmcore.RouteSource = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithLookup sets the environment lookup function. Defaults to os.LookupEnv.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(r *Registry) { r.lookup = lookup }
}

// WithEnv resolves overrides from a fixed map instead of the process environment.
func WithEnv(env map[string]string) Option {
	return WithLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
}

// WithRoutesYAML replaces the compiled table.
func WithRoutesYAML(data []byte) Option {
	return func(r *Registry) { r.routesSource = data }
}

// NewRegistry parses and validates the route table.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		lookup:       os.LookupEnv,
		routesSource: defaultRoutesYAML,
	}
	for _, opt := range opts {
		opt(r)
	}

	var table routeTable
	if err := yaml.Unmarshal(r.routesSource, &table); err != nil {
		return nil, fmt.Errorf("routing: parse route table: %w", err)
	}
	if err := validator.New().Struct(table); err != nil {
		return nil, fmt.Errorf("routing: invalid route table: %w", err)
	}

	r.routes = make(map[llmcore.UseCase]routeEntry, len(table.Routes))
	for name, entry := range table.Routes {
		r.routes[llmcore.UseCase(name)] = entry
	}
	r.routesSource = nil
	return r, nil
}

// Resolve returns the route for useCase: the compiled default with the
// provider and model replaced by their overrides when set. Every call
// returns a fresh copy.
func (r *Registry) Resolve(useCase llmcore.UseCase) (llmcore.ModelRoute, error) {
	entry, ok := r.routes[useCase]
	if !ok {
		return llmcore.ModelRoute{}, fmt.Errorf("%w: %q", ErrUnknownUseCase, useCase)
	}
	route := entry.route()
	providerKey, modelKey := OverrideKeys(useCase)
	if v, ok := r.override(providerKey); ok {
		route.Provider = llmcore.Provider(v)
	}
	if v, ok := r.override(modelKey); ok {
		route.Model = v
	}
	return route, nil
}

// Route implements llmcore.RouteSource.
func (r *Registry) Route(useCase llmcore.UseCase) (llmcore.ModelRoute, error) {
	return r.Resolve(useCase)
}

// Default returns the compiled route for useCase, ignoring overrides.
func (r *Registry) Default(useCase llmcore.UseCase) (llmcore.ModelRoute, error) {
	entry, ok := r.routes[useCase]
	if !ok {
		return llmcore.ModelRoute{}, fmt.Errorf("%w: %q", ErrUnknownUseCase, useCase)
	}
	return entry.route(), nil
}

// Description returns the table's description of useCase.
func (r *Registry) Description(useCase llmcore.UseCase) string {
	return r.routes[useCase].Description
}

// ActiveOverrides returns the override variables currently set for useCase.
func (r *Registry) ActiveOverrides(useCase llmcore.UseCase) []string {
	var active []string
	providerKey, modelKey := OverrideKeys(useCase)
	for _, k := range []string{providerKey, modelKey} {
		if _, ok := r.override(k); ok {
			active = append(active, k)
		}
	}
	return active
}

// UseCases returns every use case in the table, sorted.
func (r *Registry) UseCases() []llmcore.UseCase {
	out := make([]llmcore.UseCase, 0, len(r.routes))
	for uc := range r.routes {
		out = append(out, uc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) override(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// OverrideKeys returns the provider and model override variable names for
// useCase: the use case upper-cased with every non-alphanumeric rune
// replaced by '_'.
func OverrideKeys(useCase llmcore.UseCase) (providerKey, modelKey string) {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, string(useCase))
	return EnvPrefix + name + "_PROVIDER", EnvPrefix + name + "_MODEL"
}
