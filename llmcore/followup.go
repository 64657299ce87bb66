package llmcore

import (
	"context"
	"fmt"
)

// CompleteToolFollowUp continues a conversation after the caller executed
// the tool calls of opts.OriginalResponse. The continuation always goes to
// the provider and model that produced the original response, regardless of
// the use case's route, which only supplies default temperature and token
// budget. There is no fallback: another provider cannot accept the replayed
// turns.
//
// When the continuation is final (no further tool calls), the provider
// payloads of every replayed response are discarded. When it requests more
// tools they are kept, since the next round replays them as prior exchanges.
func (o *Orchestrator) CompleteToolFollowUp(ctx context.Context, useCase UseCase, opts ToolFollowUpOptions) (*CompletionResponse, error) {
	orig := opts.OriginalResponse
	if orig == nil || !orig.HasToolCalls {
		return nil, &InvalidToolCallError{SDKError: SDKError{Message: "tool follow-up requires a response with tool calls"}}
	}

	route, err := o.routes.Route(useCase)
	if err != nil {
		return nil, fmt.Errorf("resolve route for %q: %w", useCase, err)
	}

	adapter, err := o.adapters.Get(orig.Provider, orig.Model)
	if err != nil {
		return nil, err
	}
	if !adapter.IsConfigured() {
		return nil, &ConfigurationError{
			SDKError: SDKError{Message: fmt.Sprintf("use case %q: tool follow-up provider is not configured", useCase)},
			UseCase:  useCase,
			Attempts: []ProviderAttempt{{Role: "follow-up", Provider: orig.Provider, Model: orig.Model}},
		}
	}

	exchanges := make([]ToolExchange, 0, len(opts.PriorExchanges)+1)
	exchanges = append(exchanges, opts.PriorExchanges...)
	exchanges = append(exchanges, ToolExchange{Response: orig, Results: opts.ToolResults})

	base := mergeRoute(CompletionRequest{
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}, route, orig.Model)
	req := ToolFollowUpRequest{
		Messages:    opts.Messages,
		Exchanges:   exchanges,
		Tools:       opts.Tools,
		Temperature: base.Temperature,
		MaxTokens:   base.MaxTokens,
		JSONMode:    opts.JSONMode,
	}

	call := Call{UseCase: useCase, Role: "follow-up", Provider: orig.Provider, Model: orig.Model, FollowUp: &req}
	resp, err := o.retry(ctx, call, route.Timeout, func(ctx context.Context) (*CompletionResponse, error) {
		return adapter.CompleteWithToolResults(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp.Provider = adapter.Provider()
	resp.Model = adapter.Model()

	if !resp.HasToolCalls {
		for _, ex := range exchanges {
			ex.Response.Discard()
		}
	}
	return resp, nil
}
