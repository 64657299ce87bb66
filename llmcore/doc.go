// Package llmcore normalizes chat completions across incompatible upstream
// APIs and serves them by use case with retry and cross-provider fallback.
//
// # Architecture
//
// The package is layered:
//
//   - Adapters: OpenAIAdapter, AnthropicAdapter and GeminiAdapter speak each
//     wire protocol over net/http; GollmAdapter bridges any other provider
//     gollm (github.com/teilomillet/gollm) supports, text only.
//   - Utilities: Retry with per-attempt timeouts, error classification
//     (IsRetryable), JSON repair (ParseJSONObject), the model catalog.
//   - AdapterRegistry: adapters cached by (provider, model).
//   - Orchestrator: route resolution, retry, fallback and the tool
//     follow-up protocol.
//
// # Quick Start
//
//	creds, _ := llmcore.LoadCredentials()
//	routes, _ := routing.NewRegistry()
//	orch := llmcore.NewOrchestrator(routes,
//	    llmcore.NewAdapterRegistry(llmcore.DefaultAdapterFactory(creds)))
//	defer orch.Close()
//
//	resp, err := orch.CompleteWithFallback(ctx, "general_chat", llmcore.CompletionRequest{
//	    Messages: []llmcore.ChatMessage{llmcore.UserMessage("Hello")},
//	})
//
// # Tool Calling
//
// A response with HasToolCalls set is continued with CompleteToolFollowUp,
// which always returns to the provider and model that issued the calls and
// replays their provider-native turn verbatim:
//
//	next, err := orch.CompleteToolFollowUp(ctx, "chat_widget", llmcore.ToolFollowUpOptions{
//	    Messages:         msgs,
//	    OriginalResponse: resp,
//	    ToolResults:      []llmcore.ToolResult{{ToolCallID: resp.ToolCalls[0].ID, Content: `{"ok":true}`}},
//	    Tools:            tools,
//	})
package llmcore
