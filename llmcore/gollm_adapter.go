package llmcore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

const (
	gollmDefaultMaxTokens   = 4096
	gollmDefaultTemperature = 0.7
)

// GollmAdapter serves providers without a dedicated wire adapter through
// gollm. It is a text bridge: gollm does not surface structured tool calls or
// the provider-native assistant turn, so tools and tool follow-ups are
// rejected with a ConfigurationError.
type GollmAdapter struct {
	provider Provider
	model    string
	apiKey   string
	extra    []gollm.ConfigOption

	once    sync.Once
	initErr error

	// gollm options live on the shared LLM, so a call's SetOption and
	// Generate must not interleave with another call's.
	mu        sync.Mutex
	generate  func(ctx context.Context, prompt *gollm.Prompt) (string, error)
	setOption func(key string, value any)
}

var _ Adapter = (*GollmAdapter)(nil)

// GollmOption configures a GollmAdapter.
type GollmOption func(*GollmAdapter)

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(a *GollmAdapter) {
		a.extra = append(a.extra, opts...)
	}
}

// NewGollmAdapter creates a text bridge for provider and model. The gollm
// client is built on first use.
func NewGollmAdapter(provider Provider, model, apiKey string, opts ...GollmOption) *GollmAdapter {
	a := &GollmAdapter{provider: provider, model: model, apiKey: apiKey}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *GollmAdapter) Provider() Provider { return a.provider }
func (a *GollmAdapter) Model() string      { return a.model }

// IsConfigured reports whether an API key is present. Ollama runs locally
// and needs none.
func (a *GollmAdapter) IsConfigured() bool {
	return a.apiKey != "" || a.provider == "ollama"
}

func (a *GollmAdapter) init() error {
	a.once.Do(func() {
		if a.generate != nil {
			return
		}
		opts := []gollm.ConfigOption{
			gollm.SetProvider(string(a.provider)),
			gollm.SetModel(a.model),
			gollm.SetMaxTokens(gollmDefaultMaxTokens),
			gollm.SetTemperature(gollmDefaultTemperature),
			gollm.SetMaxRetries(0), // Retry owns retries.
			gollm.SetLogLevel(gollm.LogLevelWarn),
		}
		if a.apiKey != "" {
			opts = append(opts, gollm.SetAPIKey(a.apiKey))
		}
		opts = append(opts, a.extra...)

		llm, err := gollm.NewLLM(opts...)
		if err != nil {
			a.initErr = configErr("gollm: create %s client: %v", a.provider, err)
			return
		}
		a.generate = func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
			return llm.Generate(ctx, prompt)
		}
		a.setOption = func(key string, value any) {
			llm.SetOption(key, value)
		}
	})
	return a.initErr
}

// Complete generates a text completion.
func (a *GollmAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(req.Tools) > 0 {
		return nil, configErr("provider %s does not support tool calling", a.provider)
	}
	if err := a.init(); err != nil {
		return nil, err
	}

	prompt := a.translateRequest(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	text, err := a.generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}

	if strings.TrimSpace(text) == "" {
		return nil, &EmptyResponseError{SDKError: SDKError{
			Message: fmt.Sprintf("%s: empty completion", a.provider),
		}}
	}
	return &CompletionResponse{
		ID:           "resp_" + uuid.New().String()[:8],
		Content:      text,
		Provider:     a.provider,
		Model:        a.model,
		FinishReason: "stop",
	}, nil
}

// CompleteWithToolResults is not supported by the text bridge.
func (a *GollmAdapter) CompleteWithToolResults(ctx context.Context, req ToolFollowUpRequest) (*CompletionResponse, error) {
	return nil, configErr("provider %s does not support tool follow-ups", a.provider)
}

// translateRequest folds the conversation into a single gollm prompt. System
// messages become the system prompt; earlier assistant turns are quoted.
func (a *GollmAdapter) translateRequest(req CompletionRequest) *gollm.Prompt {
	var system []string
	var parts []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			if m.Content != "" {
				parts = append(parts, "[Assistant]: "+m.Content)
			}
		default:
			parts = append(parts, m.Content)
		}
	}
	if req.JSONMode {
		system = append(system, jsonModeInstruction)
	}

	var opts []gollm.PromptOption
	if len(system) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.Join(system, "\n\n"), gollm.CacheTypeEphemeral))
	}
	return gollm.NewPrompt(strings.Join(parts, "\n"), opts...)
}

// applyRequestOptions sets every sampling option on each call so one
// request's values never leak into the next.
func (a *GollmAdapter) applyRequestOptions(req CompletionRequest) {
	temperature := gollmDefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := gollmDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	a.setOption("temperature", temperature)
	a.setOption("max_tokens", maxTokens)
}

// translateError classifies a gollm error by its message, since gollm does
// not expose status codes.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	base := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		base.StatusCode = 401
		return &AuthenticationError{ProviderError: base}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		base.StatusCode = 403
		return &AccessDeniedError{ProviderError: base}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		base.StatusCode = 404
		return &NotFoundError{ProviderError: base}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		base.StatusCode = 429
		base.Retryable = true
		return &RateLimitError{ProviderError: base}
	case looksLikeContextLength(lower):
		base.StatusCode = 413
		return &ContextLengthError{ProviderError: base}
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server"):
		base.StatusCode = 500
		base.Retryable = true
		return &ServerError{ProviderError: base}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: base}
	default:
		base.Retryable = true
		return &base
	}
}
