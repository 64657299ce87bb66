package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/brandlens/llmcore"
	"github.com/martinemde/brandlens/routing"
)

type fakeCompleter struct {
	first     func() (*llmcore.CompletionResponse, error)
	followUp  func(n int, opts llmcore.ToolFollowUpOptions) (*llmcore.CompletionResponse, error)
	requests  []llmcore.CompletionRequest
	followUps []llmcore.ToolFollowUpOptions
}

func (f *fakeCompleter) CompleteWithFallback(_ context.Context, _ llmcore.UseCase, req llmcore.CompletionRequest) (*llmcore.CompletionResponse, error) {
	f.requests = append(f.requests, req)
	return f.first()
}

func (f *fakeCompleter) CompleteToolFollowUp(_ context.Context, _ llmcore.UseCase, opts llmcore.ToolFollowUpOptions) (*llmcore.CompletionResponse, error) {
	n := len(f.followUps)
	f.followUps = append(f.followUps, opts)
	return f.followUp(n, opts)
}

func toolReply(calls ...llmcore.ToolCall) *llmcore.CompletionResponse {
	return &llmcore.CompletionResponse{
		HasToolCalls: true,
		ToolCalls:    calls,
		Provider:     llmcore.ProviderAnthropic,
		Model:        "claude-haiku-4-5",
		Usage:        &llmcore.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	}
}

func textReply(s string) *llmcore.CompletionResponse {
	return &llmcore.CompletionResponse{
		Content:  s,
		Provider: llmcore.ProviderAnthropic,
		Model:    "claude-haiku-4-5",
		Usage:    &llmcore.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.Register(Tool{
		Definition: llmcore.ToolDefinition{Name: "echo", Parameters: map[string]any{"type": "object"}},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			s, _ := GetStringArg(args, "text")
			return "echo:" + s, nil
		},
	})
	r.Register(Tool{
		Definition: llmcore.ToolDefinition{Name: "fail", Parameters: map[string]any{"type": "object"}},
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("backend down")
		},
	})
	return r
}

func TestRunWithoutTools(t *testing.T) {
	f := &fakeCompleter{first: func() (*llmcore.CompletionResponse, error) { return textReply("hello"), nil }}
	res, err := NewRunner(f, echoRegistry(t), WithLogger(quietLogger())).Run(context.Background(), "chat_widget",
		[]llmcore.ChatMessage{llmcore.UserMessage("hi")})
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Response.Content)
	assert.Zero(t, res.Rounds)
	assert.Empty(t, f.followUps)
	require.Len(t, f.requests, 1)
	assert.Equal(t, []string{"echo", "fail"}, []string{f.requests[0].Tools[0].Name, f.requests[0].Tools[1].Name})
}

func TestRunExecutesEveryCallAndChainsExchanges(t *testing.T) {
	round1 := toolReply(
		llmcore.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "a"}},
		llmcore.ToolCall{ID: "c2", Name: "fail"},
	)
	round2 := toolReply(llmcore.ToolCall{ID: "c3", Name: "nope"})
	f := &fakeCompleter{
		first: func() (*llmcore.CompletionResponse, error) { return round1, nil },
		followUp: func(n int, _ llmcore.ToolFollowUpOptions) (*llmcore.CompletionResponse, error) {
			if n == 0 {
				return round2, nil
			}
			return textReply("done"), nil
		},
	}
	msgs := []llmcore.ChatMessage{llmcore.UserMessage("go")}

	res, err := NewRunner(f, echoRegistry(t), WithLogger(quietLogger())).Run(context.Background(), "chat_widget", msgs)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Response.Content)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, llmcore.Usage{PromptTokens: 17, CompletionTokens: 5, TotalTokens: 22}, res.Usage)

	require.Len(t, f.followUps, 2)
	first := f.followUps[0]
	assert.Same(t, round1, first.OriginalResponse)
	assert.Empty(t, first.PriorExchanges)
	assert.Equal(t, msgs, first.Messages)
	assert.Equal(t, []llmcore.ToolResult{
		{ToolCallID: "c1", Content: "echo:a"},
		{ToolCallID: "c2", Content: "Tool error (fail): backend down"},
	}, first.ToolResults)

	second := f.followUps[1]
	assert.Same(t, round2, second.OriginalResponse)
	require.Len(t, second.PriorExchanges, 1)
	assert.Same(t, round1, second.PriorExchanges[0].Response)
	assert.Equal(t, first.ToolResults, second.PriorExchanges[0].Results)
	assert.Equal(t, []llmcore.ToolResult{{ToolCallID: "c3", Content: "Unknown tool: nope"}}, second.ToolResults)

	require.Len(t, res.Calls, 3)
	assert.NoError(t, res.Calls[0].Err)
	assert.Error(t, res.Calls[1].Err)
	assert.Equal(t, 2, res.Calls[2].Round)
}

func TestRunParallelKeepsCallOrder(t *testing.T) {
	calls := make([]llmcore.ToolCall, 8)
	for i := range calls {
		calls[i] = llmcore.ToolCall{ID: string(rune('a' + i)), Name: "echo", Arguments: map[string]any{"text": string(rune('a' + i))}}
	}
	f := &fakeCompleter{
		first: func() (*llmcore.CompletionResponse, error) { return toolReply(calls...), nil },
		followUp: func(int, llmcore.ToolFollowUpOptions) (*llmcore.CompletionResponse, error) {
			return textReply("ok"), nil
		},
	}

	_, err := NewRunner(f, echoRegistry(t), WithParallelTools(true), WithLogger(quietLogger())).
		Run(context.Background(), "chat_widget", nil)
	require.NoError(t, err)

	results := f.followUps[0].ToolResults
	require.Len(t, results, len(calls))
	for i, r := range results {
		assert.Equal(t, calls[i].ID, r.ToolCallID)
		assert.Equal(t, "echo:"+calls[i].ID, r.Content)
	}
}

func TestRunRoundLimit(t *testing.T) {
	n := 0
	next := func() *llmcore.CompletionResponse {
		n++
		return toolReply(llmcore.ToolCall{ID: "c", Name: "echo", Arguments: map[string]any{"text": string(rune('a' + n))}})
	}
	f := &fakeCompleter{
		first:    func() (*llmcore.CompletionResponse, error) { return next(), nil },
		followUp: func(int, llmcore.ToolFollowUpOptions) (*llmcore.CompletionResponse, error) { return next(), nil },
	}
	emitter := NewEmitter(64)

	res, err := NewRunner(f, echoRegistry(t), WithMaxRounds(2), WithEmitter(emitter), WithLogger(quietLogger())).
		Run(context.Background(), "chat_widget", nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrRoundLimit)
	assert.Len(t, f.followUps, 2)

	emitter.Close()
	var kinds []EventKind
	for ev := range emitter.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, EventRoundLimit)
	assert.Equal(t, EventRunStart, kinds[0])
	assert.Equal(t, EventError, kinds[len(kinds)-1])
}

func TestRunDetectsLoop(t *testing.T) {
	same := func() *llmcore.CompletionResponse {
		return toolReply(llmcore.ToolCall{ID: "c", Name: "echo", Arguments: map[string]any{"text": "again"}})
	}
	f := &fakeCompleter{
		first:    func() (*llmcore.CompletionResponse, error) { return same(), nil },
		followUp: func(int, llmcore.ToolFollowUpOptions) (*llmcore.CompletionResponse, error) { return same(), nil },
	}

	_, err := NewRunner(f, echoRegistry(t), WithLoopWindow(3), WithMaxRounds(10), WithLogger(quietLogger())).
		Run(context.Background(), "chat_widget", nil)
	assert.ErrorIs(t, err, ErrLoopDetected)
	assert.Len(t, f.followUps, 2, "third identical call is detected before its follow-up")
}

func TestRunPropagatesCompletionErrors(t *testing.T) {
	boom := &llmcore.ExhaustedError{UseCase: "chat_widget"}
	f := &fakeCompleter{first: func() (*llmcore.CompletionResponse, error) { return nil, boom }}
	_, err := NewRunner(f, echoRegistry(t), WithLogger(quietLogger())).Run(context.Background(), "chat_widget", nil)
	assert.ErrorIs(t, err, boom)

	f = &fakeCompleter{
		first: func() (*llmcore.CompletionResponse, error) {
			return toolReply(llmcore.ToolCall{ID: "c", Name: "echo"}), nil
		},
		followUp: func(int, llmcore.ToolFollowUpOptions) (*llmcore.CompletionResponse, error) {
			return nil, &llmcore.ServerError{}
		},
	}
	_, err = NewRunner(f, echoRegistry(t), WithLogger(quietLogger())).Run(context.Background(), "chat_widget", nil)
	var se *llmcore.ServerError
	assert.ErrorAs(t, err, &se)
}

// anthropicStub serves canned Messages API replies and records request bodies.
type anthropicStub struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (s *anthropicStub) serve(t *testing.T, replies ...string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		s.mu.Lock()
		n := len(s.bodies)
		s.bodies = append(s.bodies, body)
		s.mu.Unlock()
		if n >= len(replies) {
			t.Errorf("unexpected request #%d", n+1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(replies[n]))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const submitRequestToolUse = `{
  "id": "msg_1", "type": "message", "role": "assistant", "model": "claude-haiku-4-5",
  "content": [
    {"type": "text", "text": "Let me file that."},
    {"type": "tool_use", "id": "toolu_1", "name": "submit_request", "input": {"email": "ana@example.com", "topic": "audit"}}
  ],
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 40, "output_tokens": 12}
}`

const submitRequestDone = `{
  "id": "msg_2", "type": "message", "role": "assistant", "model": "claude-haiku-4-5",
  "content": [{"type": "text", "text": "Your audit request is in."}],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 60, "output_tokens": 8}
}`

func TestRunThroughOrchestratorFollowsUpOnSameProvider(t *testing.T) {
	stub := &anthropicStub{}
	srv := stub.serve(t, submitRequestToolUse, submitRequestDone)

	creds, err := llmcore.LoadCredentialsFrom(map[string]string{
		"ANTHROPIC_API_KEY":  "test-key",
		"ANTHROPIC_BASE_URL": srv.URL,
	})
	require.NoError(t, err)
	routes, err := routing.NewRegistry(routing.WithEnv(nil))
	require.NoError(t, err)
	orch := llmcore.NewOrchestrator(routes, llmcore.NewAdapterRegistry(llmcore.DefaultAdapterFactory(creds)),
		llmcore.WithLogger(quietLogger()))
	t.Cleanup(func() { _ = orch.Close() })

	var submitted submitRequestArgs
	tool, err := NewTypedTool("submit_request", "File a service request", func(_ context.Context, args submitRequestArgs) (string, error) {
		submitted = args
		return `{"ticket":"T-42"}`, nil
	})
	require.NoError(t, err)
	tools := NewRegistry()
	tools.Register(tool)

	res, err := NewRunner(orch, tools, WithLogger(quietLogger())).Run(context.Background(), routing.ChatWidget,
		[]llmcore.ChatMessage{llmcore.SystemMessage("You help visitors."), llmcore.UserMessage("I want an audit")})
	require.NoError(t, err)

	// The primary (openai) has no key, so the fallback answered both turns.
	assert.Equal(t, llmcore.ProviderAnthropic, res.Response.Provider)
	assert.Equal(t, "claude-haiku-4-5", res.Response.Model)
	assert.Equal(t, "Your audit request is in.", res.Response.Content)
	assert.Equal(t, submitRequestArgs{Email: "ana@example.com", Topic: "audit"}, submitted)
	assert.Equal(t, 1, res.Rounds)

	require.Len(t, stub.bodies, 2)
	msgs, ok := stub.bodies[1]["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 3)

	replayed := msgs[1].(map[string]any)
	assert.Equal(t, "assistant", replayed["role"])
	var original map[string]any
	require.NoError(t, json.Unmarshal([]byte(submitRequestToolUse), &original))
	assert.Equal(t, original["content"], replayed["content"], "tool-call turn replayed verbatim")

	results := msgs[2].(map[string]any)
	assert.Equal(t, "user", results["role"])
	blocks := results["content"].([]any)
	require.Len(t, blocks, 1)
	block := blocks[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_1", block["tool_use_id"])
	assert.Equal(t, `{"ticket":"T-42"}`, block["content"])
}
