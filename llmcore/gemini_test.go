package llmcore

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const geminiFunctionCallReply = `{
  "candidates": [{
    "finishReason": "STOP",
    "content": {"role": "model", "parts": [
      {"functionCall": {"name": "submit_request", "args": {"topic": "pricing"}}},
      {"functionCall": {"name": "lookup"}}
    ]}
  }],
  "usageMetadata": {"promptTokenCount": 40, "candidatesTokenCount": 9, "totalTokenCount": 49}
}`

var toolCallIDPattern = regexp.MustCompile(`^call_\d+_[0-9a-f]{8}$`)

func TestGeminiComplete_TextResponse(t *testing.T) {
	srv := newRecordingServer(t, okReply(`{
	  "responseId": "r1",
	  "candidates": [{"finishReason": "STOP", "content": {"role": "model", "parts": [{"text": "Hel"}, {"text": "lo"}]}}],
	  "usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2}
	}`))
	a := NewGeminiAdapter("test-key", "gemini-2.5-flash", WithBaseURL(srv.URL))

	got, err := a.Complete(context.Background(), CompletionRequest{
		Messages: []ChatMessage{
			SystemMessage("one"),
			UserMessage("Hi"),
			AssistantMessage("Yes?"),
			SystemMessage("two"),
			UserMessage("More"),
		},
		Temperature: Float64(0.3),
		MaxTokens:   Int(500),
		JSONMode:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, "/models/gemini-2.5-flash:generateContent", srv.path(0))
	assert.Equal(t, "test-key", srv.header(0).Get("x-goog-api-key"))

	body := srv.body(0)
	assert.Equal(t, map[string]any{"parts": []any{map[string]any{"text": "one\n\ntwo"}}}, body["systemInstruction"])
	assert.Equal(t, map[string]any{
		"temperature":      0.3,
		"maxOutputTokens":  float64(500),
		"responseMimeType": "application/json",
	}, body["generationConfig"])
	contents := messagesOf(t, body, "contents")
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0]["role"])
	assert.Equal(t, "model", contents[1]["role"])
	assert.Equal(t, "user", contents[2]["role"])

	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, "r1", got.ID)
	require.NotNil(t, got.Usage)
	assert.Equal(t, Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}, *got.Usage)
}

func TestGeminiComplete_FunctionCallsAndFollowUp(t *testing.T) {
	srv := newRecordingServer(t,
		okReply(geminiFunctionCallReply),
		okReply(`{"candidates":[{"finishReason":"STOP","content":{"role":"model","parts":[{"text":"Filed."}]}}]}`),
	)
	a := NewGeminiAdapter("k", "gemini-2.5-pro", WithBaseURL(srv.URL))
	msgs := []ChatMessage{SystemMessage("sys"), UserMessage("file it")}
	tools := []ToolDefinition{{
		Name: "submit_request",
		Parameters: map[string]any{
			"$schema":              "https://json-schema.org/draft/2020-12/schema",
			"type":                 "object",
			"additionalProperties": false,
			"properties":           map[string]any{"topic": map[string]any{"type": "string"}},
		},
	}}

	first, err := a.Complete(context.Background(), CompletionRequest{Messages: msgs, Tools: tools})
	require.NoError(t, err)
	require.True(t, first.HasToolCalls)
	require.Len(t, first.ToolCalls, 2)
	assert.Equal(t, "submit_request", first.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"topic": "pricing"}, first.ToolCalls[0].Arguments)
	assert.Equal(t, map[string]any{}, first.ToolCalls[1].Arguments)
	for _, tc := range first.ToolCalls {
		assert.Regexp(t, toolCallIDPattern, tc.ID)
	}
	assert.NotEqual(t, first.ToolCalls[0].ID, first.ToolCalls[1].ID)

	decl := messagesOf(t, messagesOf(t, srv.body(0), "tools")[0], "functionDeclarations")[0]
	assert.Equal(t, map[string]any{
		"type":       "object",
		"properties": map[string]any{"topic": map[string]any{"type": "string"}},
	}, decl["parameters"])

	second, err := a.CompleteWithToolResults(context.Background(), ToolFollowUpRequest{
		Messages: msgs,
		Tools:    tools,
		Exchanges: []ToolExchange{{Response: first, Results: []ToolResult{
			{ToolCallID: first.ToolCalls[0].ID, Content: `{"ticket":42}`},
			{ToolCallID: first.ToolCalls[1].ID, Content: "not json"},
		}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Filed.", second.Content)

	contents := messagesOf(t, srv.body(1), "contents")
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1]["role"])
	parts := contents[1]["parts"].([]any)
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].(map[string]any), "functionCall")

	assert.Equal(t, "user", contents[2]["role"])
	assert.Equal(t, []any{
		map[string]any{"functionResponse": map[string]any{"name": "submit_request", "response": map[string]any{"ticket": float64(42)}}},
		map[string]any{"functionResponse": map[string]any{"name": "lookup", "response": map[string]any{"result": "not json"}}},
	}, contents[2]["parts"])
}

func TestGeminiFollowUp_RejectsResultWithoutCall(t *testing.T) {
	srv := newRecordingServer(t, okReply(geminiFunctionCallReply))
	a := NewGeminiAdapter("k", "gemini-2.5-pro", WithBaseURL(srv.URL))

	first, err := a.Complete(context.Background(), CompletionRequest{Messages: []ChatMessage{UserMessage("x")}})
	require.NoError(t, err)
	require.Len(t, first.ToolCalls, 2)

	_, err = a.CompleteWithToolResults(context.Background(), ToolFollowUpRequest{
		Messages: []ChatMessage{UserMessage("x")},
		Exchanges: []ToolExchange{{Response: first, Results: []ToolResult{
			{ToolCallID: first.ToolCalls[0].ID, Content: "1"},
			{ToolCallID: first.ToolCalls[1].ID, Content: "2"},
			{ToolCallID: "call_bogus", Content: "3"},
		}}},
	})
	var toolErr *InvalidToolCallError
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, err.Error(), `"call_bogus"`)
	assert.Equal(t, 1, srv.requests(), "a functionResponse without a name is never sent")
}

func TestFunctionResponsePayload(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, functionResponsePayload(`{"a":1}`))
	assert.Equal(t, map[string]any{"result": []any{float64(1), float64(2)}}, functionResponsePayload(`[1,2]`))
	assert.Equal(t, map[string]any{"result": "plain"}, functionResponsePayload("plain"))
	assert.Equal(t, map[string]any{"result": nil}, functionResponsePayload("null"))
}

func TestGeminiComplete_Blocked(t *testing.T) {
	srv := newRecordingServer(t, okReply(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	a := NewGeminiAdapter("k", "gemini-2.5-flash", WithBaseURL(srv.URL))

	_, err := a.Complete(context.Background(), CompletionRequest{Messages: []ChatMessage{UserMessage("x")}})
	var cf *ContentFilterError
	require.ErrorAs(t, err, &cf)
	assert.False(t, IsRetryable(err))
}

func TestGeminiComplete_EmptyCandidate(t *testing.T) {
	srv := newRecordingServer(t, okReply(`{"candidates":[{"finishReason":"MAX_TOKENS","content":{"role":"model","parts":[]}}]}`))
	a := NewGeminiAdapter("k", "gemini-2.5-flash", WithBaseURL(srv.URL))

	_, err := a.Complete(context.Background(), CompletionRequest{Messages: []ChatMessage{UserMessage("x")}})
	var empty *EmptyResponseError
	require.ErrorAs(t, err, &empty)
	assert.True(t, IsRetryable(err))
}

func TestGeminiComplete_StatusError(t *testing.T) {
	srv := newRecordingServer(t, cannedReply{status: 400, body: `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`})
	a := NewGeminiAdapter("k", "gemini-2.5-flash", WithBaseURL(srv.URL))

	_, err := a.Complete(context.Background(), CompletionRequest{Messages: []ChatMessage{UserMessage("x")}})
	var inv *InvalidRequestError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "INVALID_ARGUMENT", inv.ErrorCode)
	assert.Equal(t, ProviderGemini, inv.Provider)
}
