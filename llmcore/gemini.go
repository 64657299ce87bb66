package llmcore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiAdapter implements Adapter for the Gemini generateContent API.
type GeminiAdapter struct {
	cfg   httpConfig
	model string
}

var _ Adapter = (*GeminiAdapter)(nil)

// NewGeminiAdapter creates an adapter bound to model.
func NewGeminiAdapter(apiKey, model string, opts ...AdapterOption) *GeminiAdapter {
	return &GeminiAdapter{
		cfg:   newHTTPConfig(apiKey, geminiDefaultBaseURL, opts),
		model: model,
	}
}

func (a *GeminiAdapter) Provider() Provider { return ProviderGemini }
func (a *GeminiAdapter) Model() string      { return a.model }
func (a *GeminiAdapter) IsConfigured() bool { return a.cfg.apiKey != "" }

// Complete sends a generateContent request.
func (a *GeminiAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	system, contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}
	return a.send(ctx, a.buildRequest(system, contents, req.Tools, req.Temperature, req.MaxTokens, req.JSONMode))
}

// CompleteWithToolResults replays each model content verbatim and answers it
// with functionResponse parts keyed by tool name.
func (a *GeminiAdapter) CompleteWithToolResults(ctx context.Context, req ToolFollowUpRequest) (*CompletionResponse, error) {
	if err := validateExchanges(ProviderGemini, req.Exchanges); err != nil {
		return nil, err
	}
	system, contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}
	for _, ex := range req.Exchanges {
		content, _ := ex.Response.raw.GeminiContent()
		contents = append(contents, content)

		names := make(map[string]string, len(ex.Response.ToolCalls))
		for _, tc := range ex.Response.ToolCalls {
			names[tc.ID] = tc.Name
		}
		parts := make([]geminiPart, 0, len(ex.Results))
		for _, r := range ex.Results {
			parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     names[r.ToolCallID],
				Response: functionResponsePayload(r.Content),
			}})
		}
		b, err := json.Marshal(geminiContent{Role: "user", Parts: parts})
		if err != nil {
			return nil, err
		}
		contents = append(contents, b)
	}
	return a.send(ctx, a.buildRequest(system, contents, req.Tools, req.Temperature, req.MaxTokens, req.JSONMode))
}

func (a *GeminiAdapter) buildRequest(system string, contents []json.RawMessage, tools []ToolDefinition, temperature *float64, maxTokens *int, jsonMode bool) geminiRequest {
	body := geminiRequest{Contents: contents}
	if system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if temperature != nil || maxTokens != nil || jsonMode {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
		}
		if jsonMode {
			body.GenerationConfig.ResponseMimeType = "application/json"
		}
	}
	if len(tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(schemaOrEmpty(t.Parameters)),
			})
		}
		body.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return body
}

func (a *GeminiAdapter) send(ctx context.Context, body geminiRequest) (*CompletionResponse, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", a.cfg.baseURL, url.PathEscape(a.model))
	respBody, err := postJSON(ctx, a.cfg.client, ProviderGemini, endpoint,
		map[string]string{"x-goog-api-key": a.cfg.apiKey}, body)
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := decodeBody(ProviderGemini, respBody, &resp); err != nil {
		return nil, err
	}
	return a.parseResponse(&resp)
}

func (a *GeminiAdapter) parseResponse(resp *geminiResponse) (*CompletionResponse, error) {
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, &ContentFilterError{ProviderError: ProviderError{
				SDKError: SDKError{Message: "gemini: prompt blocked: " + resp.PromptFeedback.BlockReason},
				Provider: ProviderGemini,
			}}
		}
		return nil, &EmptyResponseError{SDKError: SDKError{Message: "gemini: no candidates in response"}}
	}
	cand := resp.Candidates[0]

	var content geminiContent
	if len(cand.Content) > 0 {
		if err := decodeBody(ProviderGemini, cand.Content, &content); err != nil {
			return nil, err
		}
	}

	out := &CompletionResponse{
		ID:           resp.ResponseID,
		Provider:     ProviderGemini,
		Model:        a.model,
		FinishReason: cand.FinishReason,
		raw:          newRawPayload(ProviderGemini, cand.Content),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
		if out.Usage.TotalTokens == 0 {
			out.Usage.TotalTokens = u.PromptTokenCount + u.CandidatesTokenCount
		}
	}

	var text strings.Builder
	for _, part := range content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        synthesizeToolCallID(),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}

	// Gemini has no tool-use stop reason; a functionCall part is the signal.
	if len(out.ToolCalls) > 0 {
		out.HasToolCalls = true
		return out, nil
	}

	out.Content = text.String()
	if strings.TrimSpace(out.Content) == "" {
		if cand.FinishReason == "SAFETY" {
			return nil, &ContentFilterError{ProviderError: ProviderError{
				SDKError: SDKError{Message: "gemini: candidate blocked for safety"},
				Provider: ProviderGemini,
			}}
		}
		return nil, &EmptyResponseError{SDKError: SDKError{
			Message: fmt.Sprintf("gemini: empty completion (finishReason=%q)", cand.FinishReason),
		}}
	}
	return out, nil
}

// synthesizeToolCallID mints an id for a Gemini function call. It lives only
// for this process and is never sent upstream.
func synthesizeToolCallID() string {
	return fmt.Sprintf("call_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// toGeminiContents collapses system messages into the system instruction and
// renames the assistant role to "model".
func toGeminiContents(msgs []ChatMessage) (string, []json.RawMessage, error) {
	var system []string
	var out []json.RawMessage
	for _, m := range msgs {
		role := "user"
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
			continue
		case RoleAssistant:
			role = "model"
		}
		b, err := json.Marshal(geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
		if err != nil {
			return "", nil, err
		}
		out = append(out, b)
	}
	return strings.Join(system, "\n\n"), out, nil
}

// functionResponsePayload turns a tool result into the object Gemini expects.
// Non-object payloads are wrapped under "result".
func functionResponsePayload(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	var v any
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return map[string]any{"result": v}
	}
	return map[string]any{"result": content}
}

// geminiSchema drops JSON Schema keywords the function declaration format
// rejects.
func geminiSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "$id", "additionalProperties":
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = geminiSchema(val)
		case []any:
			items := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					items[i] = geminiSchema(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

// --- Gemini wire format types ---

type geminiRequest struct {
	Contents          []json.RawMessage       `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  *geminiUsageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	ResponseID     string                `json:"responseId,omitempty"`
}

type geminiCandidate struct {
	Content      json.RawMessage `json:"content"`
	FinishReason string          `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason"`
}
