package llmcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultAttemptTimeout bounds one adapter attempt when a route sets no timeout.
const DefaultAttemptTimeout = 60 * time.Second

// RouteSource resolves a use case to its route.
type RouteSource interface {
	Route(useCase UseCase) (ModelRoute, error)
}

// Call describes one adapter attempt as seen by middleware. Exactly one of
// Request and FollowUp is set.
type Call struct {
	UseCase  UseCase
	Role     string // "primary", "fallback" or "follow-up"
	Provider Provider
	Model    string
	Request  *CompletionRequest
	FollowUp *ToolFollowUpRequest
}

// Middleware wraps every adapter attempt, including retries. It receives the
// call description and a next function that runs the downstream handler.
type Middleware func(ctx context.Context, call Call, next func(context.Context) (*CompletionResponse, error)) (*CompletionResponse, error)

// Orchestrator serves completions for use cases: it resolves the route,
// calls the primary adapter under the retry policy and falls back to the
// secondary one. It is safe for concurrent use.
type Orchestrator struct {
	routes         RouteSource
	adapters       *AdapterRegistry
	policy         RetryPolicy
	defaultTimeout time.Duration
	middleware     []Middleware
	logger         *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRetryPolicy sets the retry policy. AttemptTimeout is taken from the
// route and overrides the policy's.
func WithRetryPolicy(p RetryPolicy) OrchestratorOption {
	return func(o *Orchestrator) { o.policy = p }
}

// WithMiddleware adds middleware. The first registered runs outermost.
func WithMiddleware(mw ...Middleware) OrchestratorOption {
	return func(o *Orchestrator) { o.middleware = append(o.middleware, mw...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithDefaultAttemptTimeout sets the per-attempt timeout used for routes
// without one.
func WithDefaultAttemptTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.defaultTimeout = d }
}

// NewOrchestrator creates an orchestrator over routes and adapters.
func NewOrchestrator(routes RouteSource, adapters *AdapterRegistry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		routes:         routes,
		adapters:       adapters,
		policy:         DefaultRetryPolicy(),
		defaultTimeout: DefaultAttemptTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close releases the cached adapters.
func (o *Orchestrator) Close() error {
	return o.adapters.Close()
}

type routeTarget struct {
	role     string
	provider Provider
	model    string
}

// CompleteWithFallback serves req for useCase. The primary is tried first
// under the retry policy; on any failure, or when it is not configured, the
// fallback is tried the same way. The returned response names the provider
// and model that produced it. Cancelling ctx aborts without falling back.
func (o *Orchestrator) CompleteWithFallback(ctx context.Context, useCase UseCase, req CompletionRequest) (*CompletionResponse, error) {
	route, err := o.routes.Route(useCase)
	if err != nil {
		return nil, fmt.Errorf("resolve route for %q: %w", useCase, err)
	}

	targets := []routeTarget{{role: "primary", provider: route.Provider, model: route.Model}}
	if route.HasFallback() {
		targets = append(targets, routeTarget{role: "fallback", provider: route.FallbackProvider, model: route.FallbackModel})
	}

	var (
		attempts  []ProviderAttempt
		attempted bool
		lastErr   error
	)
	for i, t := range targets {
		att := ProviderAttempt{Role: t.role, Provider: t.provider, Model: t.model}

		adapter, err := o.adapters.Get(t.provider, t.model)
		if err != nil {
			o.logger.Warn("llm adapter unavailable", "use_case", useCase, "role", t.role,
				"provider", t.provider, "model", t.model, "error", err)
			att.Err = err
			attempts = append(attempts, att)
			continue
		}
		if !adapter.IsConfigured() {
			o.logger.Debug("llm provider not configured", "use_case", useCase, "role", t.role,
				"provider", t.provider, "model", t.model)
			attempts = append(attempts, att)
			continue
		}
		att.Configured = true
		attempted = true

		r := mergeRoute(req, route, t.model)
		call := Call{UseCase: useCase, Role: t.role, Provider: t.provider, Model: t.model, Request: &r}
		resp, err := o.retry(ctx, call, route.Timeout, func(ctx context.Context) (*CompletionResponse, error) {
			return adapter.Complete(ctx, r)
		})
		if err == nil {
			resp.Provider = adapter.Provider()
			resp.Model = adapter.Model()
			return resp, nil
		}
		if isAbort(ctx, err) {
			return nil, err
		}

		att.Err = err
		attempts = append(attempts, att)
		lastErr = err
		if i+1 < len(targets) {
			o.logger.Warn("llm primary failed, falling back", "use_case", useCase,
				"provider", t.provider, "model", t.model,
				"fallback_provider", route.FallbackProvider, "fallback_model", route.FallbackModel,
				"error", err)
		}
	}
	if !route.HasFallback() {
		attempts = append(attempts, ProviderAttempt{Role: "fallback"})
	}

	if !attempted {
		return nil, &ConfigurationError{
			SDKError: SDKError{Message: fmt.Sprintf("use case %q: no configured provider", useCase)},
			UseCase:  useCase,
			Attempts: attempts,
		}
	}
	return nil, &ExhaustedError{
		SDKError: SDKError{Message: "all providers failed", Cause: lastErr},
		UseCase:  useCase,
		Attempts: attempts,
	}
}

// retry runs fn through the middleware chain under the retry policy with
// the given per-attempt timeout.
func (o *Orchestrator) retry(ctx context.Context, call Call, timeout time.Duration, fn func(context.Context) (*CompletionResponse, error)) (*CompletionResponse, error) {
	policy := o.policy
	policy.AttemptTimeout = timeout
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = o.defaultTimeout
	}
	onRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		o.logger.Debug("llm attempt failed, retrying", "use_case", call.UseCase, "role", call.Role,
			"provider", call.Provider, "model", call.Model,
			"attempt", attempt, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
	}

	handler := fn
	for i := len(o.middleware) - 1; i >= 0; i-- {
		mw := o.middleware[i]
		next := handler
		handler = func(ctx context.Context) (*CompletionResponse, error) {
			return mw(ctx, call, next)
		}
	}
	return Retry(ctx, policy, handler)
}

// mergeRoute fills unset request parameters from the route and clamps the
// token budget to what model can produce.
func mergeRoute(req CompletionRequest, route ModelRoute, model string) CompletionRequest {
	if req.Temperature == nil && route.Temperature != nil {
		req.Temperature = Float64(*route.Temperature)
	}
	if req.MaxTokens == nil && route.MaxTokens != nil {
		req.MaxTokens = Int(*route.MaxTokens)
	}
	req.MaxTokens = ClampMaxTokens(model, req.MaxTokens)
	return req
}

func isAbort(ctx context.Context, err error) bool {
	var abort *AbortError
	return errors.As(err, &abort) || ctx.Err() != nil
}
