package llmcore

import (
	"context"
	"fmt"
)

// Adapter translates the normalized model into one upstream wire protocol and
// back. An adapter is bound to a single (provider, model) pair and holds no
// per-call mutable state, so one instance is shared across requests.
type Adapter interface {
	// Provider returns the provider identifier.
	Provider() Provider

	// Model returns the model this adapter sends requests to.
	Model() string

	// IsConfigured reports whether the credentials the adapter needs are present.
	IsConfigured() bool

	// Complete sends a blocking completion request.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteWithToolResults continues a conversation after tools executed,
	// replaying the provider-native tool-call turns from their responses.
	CompleteWithToolResults(ctx context.Context, req ToolFollowUpRequest) (*CompletionResponse, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// ToolExchange pairs a response that requested tools with the results the
// caller produced for it.
type ToolExchange struct {
	Response *CompletionResponse
	Results  []ToolResult
}

// ToolFollowUpRequest is what an adapter receives to continue a tool
// conversation. Messages is the conversation that preceded the first tool
// call; Exchanges are replayed in order after it.
type ToolFollowUpRequest struct {
	Messages    []ChatMessage
	Exchanges   []ToolExchange
	Tools       []ToolDefinition
	Temperature *float64
	MaxTokens   *int
	JSONMode    bool
}

// ToolFollowUpOptions is the caller-facing input of
// Orchestrator.CompleteToolFollowUp.
type ToolFollowUpOptions struct {
	// Messages is the conversation sent with the original request.
	Messages []ChatMessage
	// OriginalResponse is the response whose tool calls were executed. Its
	// provider and model select the adapter for the continuation.
	OriginalResponse *CompletionResponse
	// ToolResults answer the tool calls of OriginalResponse.
	ToolResults []ToolResult
	// PriorExchanges are earlier tool rounds of the same conversation, oldest
	// first. They must come from the same provider and model.
	PriorExchanges []ToolExchange
	Tools          []ToolDefinition
	Temperature    *float64
	MaxTokens      *int
	JSONMode       bool
}

// validateExchanges checks that every exchange was produced by provider p and
// answers each of its tool calls.
func validateExchanges(p Provider, exchanges []ToolExchange) error {
	if len(exchanges) == 0 {
		return &InvalidToolCallError{SDKError: SDKError{Message: "tool follow-up without a tool-call response"}}
	}
	for i, ex := range exchanges {
		if ex.Response == nil || !ex.Response.HasToolCalls {
			return &InvalidToolCallError{SDKError: SDKError{Message: "exchange does not contain tool calls"}}
		}
		if ex.Response.raw.IsEmpty() {
			return &InvalidToolCallError{SDKError: SDKError{
				Message: fmt.Sprintf("provider payload of exchange %d was discarded", i),
			}}
		}
		if ex.Response.raw.Provider() != p {
			return &InvalidToolCallError{SDKError: SDKError{
				Message: fmt.Sprintf("exchange %d was produced by %s, cannot continue on %s", i, ex.Response.Provider, p),
			}}
		}
		calls := make(map[string]bool, len(ex.Response.ToolCalls))
		for _, tc := range ex.Response.ToolCalls {
			calls[tc.ID] = true
		}
		answered := make(map[string]bool, len(ex.Results))
		for _, r := range ex.Results {
			if !calls[r.ToolCallID] {
				return &InvalidToolCallError{SDKError: SDKError{
					Message: fmt.Sprintf("result %q in exchange %d answers no tool call", r.ToolCallID, i),
				}}
			}
			if answered[r.ToolCallID] {
				return &InvalidToolCallError{SDKError: SDKError{
					Message: fmt.Sprintf("duplicate result for tool call %s in exchange %d", r.ToolCallID, i),
				}}
			}
			answered[r.ToolCallID] = true
		}
		for _, tc := range ex.Response.ToolCalls {
			if !answered[tc.ID] {
				return &InvalidToolCallError{SDKError: SDKError{
					Message: fmt.Sprintf("no result for tool call %s (%s)", tc.ID, tc.Name),
				}}
			}
		}
	}
	return nil
}
