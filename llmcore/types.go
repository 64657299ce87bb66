package llmcore

import (
	"encoding/json"
	"time"
)

// Provider identifies an upstream completion API.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// IsNative reports whether the provider has a dedicated wire adapter. Every
// other provider name is served by the gollm text bridge.
func (p Provider) IsNative() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		return true
	}
	return false
}

// UseCase is a logical call site. It is the only key callers supply to obtain
// a route; they never name a provider or model directly.
type UseCase string

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a provider-agnostic conversation. System
// messages may appear anywhere; adapters relocate them as their upstream
// requires.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system ChatMessage.
func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

// UserMessage creates a user ChatMessage.
func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant ChatMessage.
func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

// ToolDefinition describes a tool the model may call. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a model-initiated tool invocation. ID is stable for the
// lifetime of one request/response/follow-up cycle.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult carries the serialized output of an executed tool back to the
// model. Content is opaque to the orchestrator.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// CompletionRequest is the normalized input to every adapter.
type CompletionRequest struct {
	Messages    []ChatMessage    `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	JSONMode    bool             `json:"json_mode,omitempty"`
}

// Usage tracks token consumption, normalized across providers.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// CompletionResponse is the normalized output of every adapter. Exactly one of
// Content (non-empty) or HasToolCalls (with ToolCalls non-empty) holds.
type CompletionResponse struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	HasToolCalls bool       `json:"has_tool_calls"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Provider     Provider   `json:"provider"`
	Model        string     `json:"model"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`

	raw RawPayload
}

// RawPayload holds the provider-native assistant turn that produced a
// response. It is a tagged union keyed by provider and is only read by the
// tool follow-up protocol.
type RawPayload struct {
	provider Provider
	message  json.RawMessage
}

func newRawPayload(p Provider, msg json.RawMessage) RawPayload {
	cp := make(json.RawMessage, len(msg))
	copy(cp, msg)
	return RawPayload{provider: p, message: cp}
}

// Provider returns the tag of the payload, or "" when empty.
func (r RawPayload) Provider() Provider { return r.provider }

// IsEmpty reports whether the payload has been discarded or never set.
func (r RawPayload) IsEmpty() bool { return len(r.message) == 0 }

// OpenAIMessage returns the verbatim assistant message object of a chat
// completion choice.
func (r RawPayload) OpenAIMessage() (json.RawMessage, bool) {
	return r.as(ProviderOpenAI)
}

// AnthropicContent returns the verbatim content block array of a Messages
// API response.
func (r RawPayload) AnthropicContent() (json.RawMessage, bool) {
	return r.as(ProviderAnthropic)
}

// GeminiContent returns the verbatim content object of the first candidate.
func (r RawPayload) GeminiContent() (json.RawMessage, bool) {
	return r.as(ProviderGemini)
}

func (r RawPayload) as(p Provider) (json.RawMessage, bool) {
	if r.provider != p || len(r.message) == 0 {
		return nil, false
	}
	return r.message, true
}

// Discard releases the provider-native payload once the follow-up round trip
// no longer needs it.
func (r *CompletionResponse) Discard() {
	r.raw = RawPayload{}
}

// ModelRoute is the resolved routing decision for one use case. A route is
// usable only if its primary or fallback provider is configured.
type ModelRoute struct {
	Provider         Provider      `json:"provider"`
	Model            string        `json:"model"`
	FallbackProvider Provider      `json:"fallback_provider,omitempty"`
	FallbackModel    string        `json:"fallback_model,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
}

// HasFallback reports whether the route declares a fallback provider and model.
func (r ModelRoute) HasFallback() bool {
	return r.FallbackProvider != "" && r.FallbackModel != ""
}

// Clone returns a deep copy so callers cannot mutate shared route state.
func (r ModelRoute) Clone() ModelRoute {
	out := r
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.MaxTokens != nil {
		n := *r.MaxTokens
		out.MaxTokens = &n
	}
	return out
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
