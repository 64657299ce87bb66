// Package toolloop drives a tool-calling conversation to completion: it
// executes every tool call a model requests, answers through the follow-up
// protocol, and repeats until the model replies with text.
package toolloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/martinemde/brandlens/llmcore"
)

const (
	DefaultMaxRounds  = 8
	DefaultLoopWindow = 6
)

var (
	// ErrRoundLimit is returned when the model still requests tools after
	// MaxRounds rounds.
	ErrRoundLimit = errors.New("tool round limit reached")
	// ErrLoopDetected is returned when recent tool calls repeat a pattern.
	ErrLoopDetected = errors.New("repeating tool call pattern")
)

// Completer is the slice of llmcore.Orchestrator the runner needs.
type Completer interface {
	CompleteWithFallback(ctx context.Context, useCase llmcore.UseCase, req llmcore.CompletionRequest) (*llmcore.CompletionResponse, error)
	CompleteToolFollowUp(ctx context.Context, useCase llmcore.UseCase, opts llmcore.ToolFollowUpOptions) (*llmcore.CompletionResponse, error)
}

// CallRecord is one executed tool call.
type CallRecord struct {
	Round  int
	Call   llmcore.ToolCall
	Output string
	Err    error
}

// Result is the outcome of a completed run.
type Result struct {
	RunID    string
	Response *llmcore.CompletionResponse
	Rounds   int
	Calls    []CallRecord
	Usage    llmcore.Usage
}

// Runner executes tool conversations for one registry of tools.
type Runner struct {
	completer  Completer
	tools      *Registry
	maxRounds  int
	loopWindow int
	parallel   bool
	emitter    *Emitter
	logger     *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxRounds bounds the number of tool rounds per run.
func WithMaxRounds(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxRounds = n
		}
	}
}

// WithLoopWindow sets how many recent calls loop detection inspects. Zero
// disables it.
func WithLoopWindow(n int) Option {
	return func(r *Runner) { r.loopWindow = n }
}

// WithParallelTools executes the tool calls of one round concurrently.
func WithParallelTools(parallel bool) Option {
	return func(r *Runner) { r.parallel = parallel }
}

// WithEmitter sets the event emitter.
func WithEmitter(e *Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(c Completer, tools *Registry, opts ...Option) *Runner {
	r := &Runner{
		completer:  c,
		tools:      tools,
		maxRounds:  DefaultMaxRounds,
		loopWindow: DefaultLoopWindow,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sends messages for useCase with every registered tool and keeps
// executing tool calls until the model replies with text. Every round after
// the first goes to the provider and model that produced the first tool
// call.
func (r *Runner) Run(ctx context.Context, useCase llmcore.UseCase, messages []llmcore.ChatMessage) (*Result, error) {
	result := &Result{RunID: uuid.NewString()}
	logger := r.logger.With("run_id", result.RunID, "use_case", string(useCase))
	defs := r.tools.Definitions()

	r.emitter.Emit(result.RunID, EventRunStart, map[string]any{"use_case": string(useCase), "tools": len(defs)})
	fail := func(err error) (*Result, error) {
		r.emitter.Emit(result.RunID, EventError, map[string]any{"error": err.Error(), "round": result.Rounds})
		logger.Warn("tool loop failed", "round", result.Rounds, "error", err)
		return nil, err
	}

	resp, err := r.completer.CompleteWithFallback(ctx, useCase, llmcore.CompletionRequest{
		Messages: messages,
		Tools:    defs,
	})
	if err != nil {
		return fail(err)
	}
	r.record(result, resp)

	var (
		prior []llmcore.ToolExchange
		sigs  []string
	)
	for resp.HasToolCalls {
		if result.Rounds >= r.maxRounds {
			r.emitter.Emit(result.RunID, EventRoundLimit, map[string]any{"round": result.Rounds})
			return fail(fmt.Errorf("%w (%d)", ErrRoundLimit, r.maxRounds))
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		result.Rounds++

		results := r.execute(ctx, result, resp.ToolCalls)
		for _, tc := range resp.ToolCalls {
			sigs = append(sigs, callSignature(tc))
		}
		if r.loopWindow > 0 && detectLoop(sigs, r.loopWindow) {
			r.emitter.Emit(result.RunID, EventLoopDetection, map[string]any{"window": r.loopWindow})
			return fail(fmt.Errorf("%w: last %d tool calls", ErrLoopDetected, r.loopWindow))
		}

		next, err := r.completer.CompleteToolFollowUp(ctx, useCase, llmcore.ToolFollowUpOptions{
			Messages:         messages,
			OriginalResponse: resp,
			ToolResults:      results,
			PriorExchanges:   prior,
			Tools:            defs,
		})
		if err != nil {
			return fail(err)
		}
		prior = append(prior, llmcore.ToolExchange{Response: resp, Results: results})
		resp = next
		r.record(result, resp)
	}

	result.Response = resp
	r.emitter.Emit(result.RunID, EventRunEnd, map[string]any{
		"rounds":   result.Rounds,
		"provider": string(resp.Provider),
		"model":    resp.Model,
	})
	logger.Debug("tool loop complete", "rounds", result.Rounds, "calls", len(result.Calls))
	return result, nil
}

func (r *Runner) record(result *Result, resp *llmcore.CompletionResponse) {
	if resp.Usage != nil {
		result.Usage = result.Usage.Add(*resp.Usage)
	}
	r.emitter.Emit(result.RunID, EventCompletion, map[string]any{
		"provider":   string(resp.Provider),
		"model":      resp.Model,
		"tool_calls": len(resp.ToolCalls),
	})
}

// execute runs every call of one round and returns a result per call, in
// call order.
func (r *Runner) execute(ctx context.Context, result *Result, calls []llmcore.ToolCall) []llmcore.ToolResult {
	records := make([]CallRecord, len(calls))
	if r.parallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, call llmcore.ToolCall) {
				defer wg.Done()
				records[idx] = r.executeOne(ctx, result.RunID, result.Rounds, call)
			}(i, tc)
		}
		wg.Wait()
	} else {
		for i, tc := range calls {
			records[i] = r.executeOne(ctx, result.RunID, result.Rounds, tc)
		}
	}

	out := make([]llmcore.ToolResult, len(records))
	for i, rec := range records {
		out[i] = llmcore.ToolResult{ToolCallID: rec.Call.ID, Content: rec.Output}
	}
	result.Calls = append(result.Calls, records...)
	return out
}

// executeOne looks up and runs one call. Failures become the result content
// so the model can react to them.
func (r *Runner) executeOne(ctx context.Context, runID string, round int, call llmcore.ToolCall) CallRecord {
	rec := CallRecord{Round: round, Call: call}
	r.emitter.Emit(runID, EventToolCallStart, map[string]any{"tool_name": call.Name, "call_id": call.ID})

	tool := r.tools.Get(call.Name)
	if tool == nil {
		rec.Err = fmt.Errorf("unknown tool %q", call.Name)
		rec.Output = fmt.Sprintf("Unknown tool: %s", call.Name)
	} else if out, err := tool.Handler(ctx, call.Arguments); err != nil {
		rec.Err = err
		rec.Output = fmt.Sprintf("Tool error (%s): %v", call.Name, err)
	} else {
		rec.Output = out
	}

	data := map[string]any{"call_id": call.ID, "output": rec.Output}
	if rec.Err != nil {
		data["error"] = rec.Err.Error()
	}
	r.emitter.Emit(runID, EventToolCallEnd, data)
	return rec
}
