// Package pipeline synthesizes one large structured document through a
// sequence of completion calls. The document's key space is split into
// ordered, disjoint stages; each stage asks the model for its own keys only,
// with a bounded snapshot of what earlier stages produced.
//
// A pipeline either returns the complete merged document or an error. A
// partially merged document is never returned.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/brandlens/llmcore"
)

// DefaultSnapshotBudget is the character budget of the prior-stage snapshot.
const DefaultSnapshotBudget = 6000

// Completer is the slice of llmcore.Orchestrator the pipeline needs.
type Completer interface {
	CompleteWithFallback(ctx context.Context, useCase llmcore.UseCase, req llmcore.CompletionRequest) (*llmcore.CompletionResponse, error)
}

// Stage is one group of output keys produced by a single call.
type Stage struct {
	Name        string
	Description string
	Keys        []string
	// UseCase overrides Request.UseCase for this stage.
	UseCase llmcore.UseCase
}

// Request describes one pipeline run.
type Request struct {
	UseCase      llmcore.UseCase
	SystemPrompt string
	// Input is the shared payload sent to every stage. Strings are sent as
	// is; anything else is encoded as indented JSON.
	Input  any
	Stages []Stage
}

// Document is the merged result of a successful run.
type Document struct {
	RunID  uuid.UUID
	Fields map[string]any
	// Provider and Model identify the last successful stage.
	Provider llmcore.Provider
	Model    string
	Usage    llmcore.Usage
	// MissingKeys lists declared keys no stage returned. Always empty in
	// strict mode.
	MissingKeys []string
}

// ErrMissingKeys is wrapped by a StageError in strict mode when a stage's
// output omits declared keys.
var ErrMissingKeys = errors.New("stage output is missing declared keys")

// StageError reports the stage that aborted a run.
type StageError struct {
	Stage int // 1-based
	Total int
	Name  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %d/%d (%s): %v", e.Stage, e.Total, e.Name, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline runs staged synthesis against a Completer.
type Pipeline struct {
	completer      Completer
	snapshotBudget int
	strict         bool
	logger         *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSnapshotBudget sets the character budget of the prior-stage snapshot.
func WithSnapshotBudget(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.snapshotBudget = n
		}
	}
}

// WithStrict makes a stage fail when its output omits any declared key.
func WithStrict(strict bool) Option {
	return func(p *Pipeline) { p.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pipeline.
func New(c Completer, opts ...Option) *Pipeline {
	p := &Pipeline{
		completer:      c,
		snapshotBudget: DefaultSnapshotBudget,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes every stage in order. Stages run strictly sequentially since
// each one sees the merged output of those before it.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Document, error) {
	if err := validateStages(req.Stages); err != nil {
		return nil, err
	}
	input, err := encodeInput(req.Input)
	if err != nil {
		return nil, err
	}

	doc := &Document{RunID: uuid.New(), Fields: make(map[string]any)}
	logger := p.logger.With("run_id", doc.RunID.String(), "use_case", string(req.UseCase))
	total := len(req.Stages)
	start := time.Now()

	for i, stage := range req.Stages {
		fail := func(err error) (*Document, error) {
			logger.Warn("pipeline stage failed", "stage", i+1, "name", stage.Name, "error", err)
			return nil, &StageError{Stage: i + 1, Total: total, Name: stage.Name, Err: err}
		}

		useCase := stage.UseCase
		if useCase == "" {
			useCase = req.UseCase
		}
		var snapshot string
		if i > 0 {
			snapshot = p.snapshot(doc.Fields)
		}

		var messages []llmcore.ChatMessage
		if req.SystemPrompt != "" {
			messages = append(messages, llmcore.SystemMessage(req.SystemPrompt))
		}
		messages = append(messages, llmcore.UserMessage(stagePrompt(input, stage, i+1, total, snapshot)))

		resp, err := p.completer.CompleteWithFallback(ctx, useCase, llmcore.CompletionRequest{
			Messages: messages,
			JSONMode: true,
		})
		if err != nil {
			return fail(err)
		}
		parsed, err := llmcore.ParseJSONObject(resp.Content)
		if err != nil {
			return fail(err)
		}

		var missing []string
		for _, k := range stage.Keys {
			v, ok := parsed[k]
			if !ok {
				missing = append(missing, k)
				continue
			}
			doc.Fields[k] = v
		}
		if len(missing) > 0 {
			if p.strict {
				return fail(fmt.Errorf("%w: %s", ErrMissingKeys, strings.Join(missing, ", ")))
			}
			doc.MissingKeys = append(doc.MissingKeys, missing...)
		}

		doc.Provider = resp.Provider
		doc.Model = resp.Model
		if resp.Usage != nil {
			doc.Usage = doc.Usage.Add(*resp.Usage)
		}
		logger.Debug("pipeline stage complete",
			"stage", i+1, "name", stage.Name,
			"provider", string(resp.Provider), "model", resp.Model,
			"keys", len(stage.Keys)-len(missing))
	}

	logger.Info("pipeline complete",
		"stages", total, "fields", len(doc.Fields),
		"missing", len(doc.MissingKeys), "elapsed", time.Since(start))
	return doc, nil
}

func validateStages(stages []Stage) error {
	if len(stages) == 0 {
		return errors.New("pipeline: no stages")
	}
	owner := make(map[string]int)
	for i, s := range stages {
		if len(s.Keys) == 0 {
			return fmt.Errorf("pipeline: stage %d (%s) declares no keys", i+1, s.Name)
		}
		for _, k := range s.Keys {
			if k == "" {
				return fmt.Errorf("pipeline: stage %d (%s) declares an empty key", i+1, s.Name)
			}
			if prev, ok := owner[k]; ok {
				return fmt.Errorf("pipeline: key %q declared by stages %d and %d", k, prev, i+1)
			}
			owner[k] = i + 1
		}
	}
	return nil
}

func encodeInput(input any) (string, error) {
	switch v := input.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pipeline: encode input: %w", err)
	}
	return string(data), nil
}

func (p *Pipeline) snapshot(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return truncateSnapshot(string(data), p.snapshotBudget)
}

func stagePrompt(input string, stage Stage, n, total int, snapshot string) string {
	var b strings.Builder
	if input != "" {
		b.WriteString("## Input\n\n")
		b.WriteString(input)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "## Task (part %d of %d)\n\n", n, total)
	if stage.Description != "" {
		b.WriteString(stage.Description)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with a single JSON object containing exactly these keys and no others:\n")
	for _, k := range stage.Keys {
		fmt.Fprintf(&b, "- %s\n", k)
	}

	if snapshot != "" {
		b.WriteString("\n## Already written (do not repeat)\n\n")
		b.WriteString("Earlier parts of the document are below for consistency. Do not repeat or rewrite them.\n\n")
		b.WriteString(snapshot)
		b.WriteString("\n")
	}
	return b.String()
}
