package llmcore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	// The Messages API requires max_tokens.
	anthropicDefaultMaxTokens = 4096
)

// AnthropicAdapter implements Adapter for the Anthropic Messages API.
type AnthropicAdapter struct {
	cfg   httpConfig
	model string
}

var _ Adapter = (*AnthropicAdapter)(nil)

// NewAnthropicAdapter creates an adapter bound to model.
func NewAnthropicAdapter(apiKey, model string, opts ...AdapterOption) *AnthropicAdapter {
	return &AnthropicAdapter{
		cfg:   newHTTPConfig(apiKey, anthropicDefaultBaseURL, opts),
		model: model,
	}
}

func (a *AnthropicAdapter) Provider() Provider { return ProviderAnthropic }
func (a *AnthropicAdapter) Model() string      { return a.model }
func (a *AnthropicAdapter) IsConfigured() bool { return a.cfg.apiKey != "" }

// Complete sends a Messages API request.
func (a *AnthropicAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	system, messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	return a.send(ctx, a.buildRequest(system, messages, req.Tools, req.Temperature, req.MaxTokens, req.JSONMode))
}

// CompleteWithToolResults replays each assistant content array verbatim and
// answers it with a user turn of tool_result blocks.
func (a *AnthropicAdapter) CompleteWithToolResults(ctx context.Context, req ToolFollowUpRequest) (*CompletionResponse, error) {
	if err := validateExchanges(ProviderAnthropic, req.Exchanges); err != nil {
		return nil, err
	}
	system, messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	for _, ex := range req.Exchanges {
		content, _ := ex.Response.raw.AnthropicContent()
		messages = append(messages, anthropicMessage{Role: "assistant", Content: content})

		blocks := make([]anthropicToolResultBlock, 0, len(ex.Results))
		for _, r := range ex.Results {
			blocks = append(blocks, anthropicToolResultBlock{Type: "tool_result", ToolUseID: r.ToolCallID, Content: r.Content})
		}
		b, err := json.Marshal(blocks)
		if err != nil {
			return nil, err
		}
		messages = append(messages, anthropicMessage{Role: "user", Content: b})
	}
	return a.send(ctx, a.buildRequest(system, messages, req.Tools, req.Temperature, req.MaxTokens, req.JSONMode))
}

func (a *AnthropicAdapter) buildRequest(system string, messages []anthropicMessage, tools []ToolDefinition, temperature *float64, maxTokens *int, jsonMode bool) anthropicRequest {
	if jsonMode {
		if system != "" {
			system += "\n\n"
		}
		system += jsonModeInstruction
	}
	body := anthropicRequest{
		Model:       a.model,
		System:      system,
		Messages:    messages,
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: temperature,
	}
	if maxTokens != nil && *maxTokens > 0 {
		body.MaxTokens = *maxTokens
	}
	for _, t := range tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaOrEmpty(t.Parameters),
		})
	}
	return body
}

func (a *AnthropicAdapter) send(ctx context.Context, body anthropicRequest) (*CompletionResponse, error) {
	respBody, err := postJSON(ctx, a.cfg.client, ProviderAnthropic, a.cfg.baseURL+"/v1/messages",
		map[string]string{
			"x-api-key":         a.cfg.apiKey,
			"anthropic-version": anthropicAPIVersion,
		}, body)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := decodeBody(ProviderAnthropic, respBody, &resp); err != nil {
		return nil, err
	}
	return a.parseResponse(&resp)
}

func (a *AnthropicAdapter) parseResponse(resp *anthropicResponse) (*CompletionResponse, error) {
	var blocks []anthropicContentBlock
	if len(resp.Content) > 0 {
		if err := decodeBody(ProviderAnthropic, resp.Content, &blocks); err != nil {
			return nil, err
		}
	}

	out := &CompletionResponse{
		ID:           resp.ID,
		Provider:     ProviderAnthropic,
		Model:        a.model,
		FinishReason: resp.StopReason,
		raw:          newRawPayload(ProviderAnthropic, resp.Content),
	}
	if resp.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}

	var text strings.Builder
	var calls []ToolCall
	for _, block := range blocks {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	if resp.StopReason == "tool_use" && len(calls) > 0 {
		out.HasToolCalls = true
		out.ToolCalls = calls
		return out, nil
	}

	out.Content = text.String()
	if strings.TrimSpace(out.Content) == "" {
		return nil, &EmptyResponseError{SDKError: SDKError{
			Message: fmt.Sprintf("anthropic: empty completion (stop_reason=%q)", resp.StopReason),
		}}
	}
	return out, nil
}

// toAnthropicMessages extracts every system message, in order, into the
// top-level system string and passes only user/assistant turns.
func toAnthropicMessages(msgs []ChatMessage) (string, []anthropicMessage, error) {
	var system []string
	var out []anthropicMessage
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		content, err := json.Marshal([]anthropicTextBlock{{Type: "text", Text: m.Content}})
		if err != nil {
			return "", nil, err
		}
		out = append(out, anthropicMessage{Role: string(m.Role), Content: content})
	}
	return strings.Join(system, "\n\n"), out, nil
}

// --- Anthropic wire format types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string          `json:"id"`
	Model      string          `json:"model"`
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
