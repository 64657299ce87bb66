package llmcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
)

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter implements Adapter for the OpenAI Chat Completions API and
// compatible endpoints.
type OpenAIAdapter struct {
	cfg    httpConfig
	client openai.Client
	model  string
}

var _ Adapter = (*OpenAIAdapter)(nil)

// NewOpenAIAdapter creates an adapter bound to model. Retries are left to
// the orchestrator, so the SDK client never retries on its own.
func NewOpenAIAdapter(apiKey, model string, opts ...AdapterOption) *OpenAIAdapter {
	cfg := newHTTPConfig(apiKey, openaiDefaultBaseURL, opts)
	return &OpenAIAdapter{
		cfg: cfg,
		client: openai.NewClient(
			option.WithAPIKey(cfg.apiKey),
			option.WithBaseURL(cfg.baseURL),
			option.WithHTTPClient(cfg.client),
			option.WithMaxRetries(0),
		),
		model: model,
	}
}

func (a *OpenAIAdapter) Provider() Provider { return ProviderOpenAI }
func (a *OpenAIAdapter) Model() string      { return a.model }
func (a *OpenAIAdapter) IsConfigured() bool { return a.cfg.apiKey != "" }

// Complete sends a chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	return a.send(ctx, a.buildParams(messages, req.Tools, req.Temperature, req.MaxTokens, req.JSONMode))
}

// CompleteWithToolResults replays each assistant tool-call message verbatim,
// followed by one role "tool" message per result.
func (a *OpenAIAdapter) CompleteWithToolResults(ctx context.Context, req ToolFollowUpRequest) (*CompletionResponse, error) {
	if err := validateExchanges(ProviderOpenAI, req.Exchanges); err != nil {
		return nil, err
	}
	messages, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	for _, ex := range req.Exchanges {
		assistant, _ := ex.Response.raw.OpenAIMessage()
		messages = append(messages, param.Override[openai.ChatCompletionMessageParamUnion](assistant))
		for _, r := range ex.Results {
			messages = append(messages, openai.ToolMessage(r.Content, r.ToolCallID))
		}
	}
	return a.send(ctx, a.buildParams(messages, req.Tools, req.Temperature, req.MaxTokens, req.JSONMode))
}

func (a *OpenAIAdapter) buildParams(messages []openai.ChatCompletionMessageParamUnion, tools []ToolDefinition, temperature *float64, maxTokens *int, jsonMode bool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.model),
		Messages: messages,
	}
	if temperature != nil {
		params.Temperature = openai.Float(*temperature)
	}
	if maxTokens != nil {
		params.MaxTokens = openai.Int(int64(*maxTokens))
	}
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(schemaOrEmpty(t.Parameters)),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(fn))
	}
	if jsonMode {
		jsonObject := shared.NewResponseFormatJSONObjectParam()
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &jsonObject}
	}
	return params
}

func (a *OpenAIAdapter) send(ctx context.Context, params openai.ChatCompletionNewParams) (*CompletionResponse, error) {
	var httpResp *http.Response
	completion, err := a.client.Chat.Completions.New(ctx, params, option.WithResponseInto(&httpResp))
	if err != nil {
		return nil, openaiError(err, httpResp)
	}
	return a.parseResponse(completion)
}

func (a *OpenAIAdapter) parseResponse(resp *openai.ChatCompletion) (*CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &EmptyResponseError{SDKError: SDKError{Message: "openai: no choices in response"}}
	}
	choice := resp.Choices[0]
	msg := choice.Message

	out := &CompletionResponse{
		ID:           resp.ID,
		Provider:     ProviderOpenAI,
		Model:        a.model,
		Content:      msg.Content,
		FinishReason: choice.FinishReason,
		raw:          newRawPayload(ProviderOpenAI, json.RawMessage(msg.RawJSON())),
	}
	if resp.JSON.Usage.Valid() {
		out.Usage = &Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
		if out.Usage.TotalTokens == 0 {
			out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
		}
	}

	if choice.FinishReason == "tool_calls" && len(msg.ToolCalls) > 0 {
		out.HasToolCalls = true
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: toolArgsFromJSON(tc.Function.Arguments),
			})
		}
		return out, nil
	}

	if strings.TrimSpace(out.Content) == "" {
		return nil, &EmptyResponseError{SDKError: SDKError{
			Message: fmt.Sprintf("openai: empty completion (finish_reason=%q)", choice.FinishReason),
		}}
	}
	return out, nil
}

// openaiError maps an SDK failure onto the shared error hierarchy. resp is
// the last HTTP response, nil when the request never got one.
func openaiError(err error, resp *http.Response) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" && apiErr.Response != nil && apiErr.Response.Body != nil {
			body, _ := io.ReadAll(apiErr.Response.Body)
			message = strings.TrimSpace(string(body))
		}
		if len(message) > maxErrorBody {
			message = message[:maxErrorBody]
		}
		if message == "" {
			message = http.StatusText(apiErr.StatusCode)
		}
		code := apiErr.Type
		if code == "" {
			code = apiErr.Code
		}
		var raw map[string]any
		if r := apiErr.RawJSON(); r != "" {
			_ = json.Unmarshal([]byte(r), &raw)
		}
		var retryAfter *float64
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return ErrorFromStatusCode(apiErr.StatusCode, message, ProviderOpenAI, code, raw, retryAfter)
	}

	switch {
	case resp == nil:
		return &NetworkError{SDKError: SDKError{Message: "openai: http request", Cause: err}}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(resp.Body)
		}
		return statusError(ProviderOpenAI, resp, body)
	default:
		return &ProviderError{
			SDKError:  SDKError{Message: "openai: unmarshal response", Cause: err},
			Provider:  ProviderOpenAI,
			Retryable: true,
		}
	}
}

// toOpenAIMessages keeps system messages in place; the Chat Completions API
// accepts them anywhere in the list.
func toOpenAIMessages(msgs []ChatMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			return nil, &InvalidRequestError{ProviderError: ProviderError{
				SDKError: SDKError{Message: fmt.Sprintf("openai: unsupported message role %q", m.Role)},
				Provider: ProviderOpenAI,
			}}
		}
	}
	return out, nil
}

func schemaOrEmpty(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}
