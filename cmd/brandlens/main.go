package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/brandlens/llmcore"
	"github.com/martinemde/brandlens/pipeline"
	"github.com/martinemde/brandlens/routing"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "routes":
		err = cmdRoutes(os.Args[2:])
	case "models":
		err = cmdModels(os.Args[2:])
	case "complete":
		err = cmdComplete(os.Args[2:])
	case "synthesize":
		err = cmdSynthesize(os.Args[2:])
	case "version", "--version":
		fmt.Println(TitleStyle.Render("brandlens v" + Version))
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, ErrStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func printUsage() {
	dim := DimStyle.Render
	fmt.Println()
	fmt.Println(TitleStyle.Render("  brandlens") + dim(" LLM routing and completion"))
	fmt.Println()
	fmt.Println("  " + BoldStyle.Render("Usage"))
	fmt.Println()
	fmt.Printf("    brandlens %-12s %s\n", "routes", dim("Show the resolved route table"))
	fmt.Printf("    brandlens %-12s %s\n", "models", dim("Show the model catalog"))
	fmt.Printf("    brandlens %-12s %s\n", "complete", dim("Run one completion for a use case"))
	fmt.Printf("    brandlens %-12s %s\n", "synthesize", dim("Run a staged document pipeline"))
	fmt.Println()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// --- routes ---

func cmdRoutes(args []string) error {
	fs := flag.NewFlagSet("routes", flag.ExitOnError)
	routesFile := fs.String("routes", "", "Route table YAML (default: compiled table)")
	_ = fs.Parse(args)

	routes, err := loadRoutes(*routesFile)
	if err != nil {
		return err
	}
	creds, err := llmcore.LoadCredentials()
	if err != nil {
		return err
	}

	t := newTable("use case", "primary", "", "fallback", "", "temp", "max tokens", "timeout")
	var overridden []string
	for _, uc := range routes.UseCases() {
		r, err := routes.Resolve(uc)
		if err != nil {
			return err
		}
		fallback, fallbackBadge := DimStyle.Render("none"), ""
		if r.HasFallback() {
			fallback = fmt.Sprintf("%s/%s", r.FallbackProvider, r.FallbackModel)
			fallbackBadge = StatusBadge(creds.IsConfigured(r.FallbackProvider))
		}
		t.Row(
			string(uc),
			fmt.Sprintf("%s/%s", r.Provider, r.Model),
			StatusBadge(creds.IsConfigured(r.Provider)),
			fallback,
			fallbackBadge,
			formatFloat(r.Temperature),
			formatInt(r.MaxTokens),
			r.Timeout.String(),
		)
		overridden = append(overridden, routes.ActiveOverrides(uc)...)
	}
	fmt.Println(t)

	if len(overridden) > 0 {
		fmt.Println(WarnStyle.Render("  overrides: ") + strings.Join(overridden, ", "))
	}
	return nil
}

// --- models ---

func cmdModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	provider := fs.String("provider", "", "Only list models of this provider")
	_ = fs.Parse(args)

	t := newTable("model", "provider", "context", "max output", "tools", "json", "$/M in", "$/M out")
	for _, m := range llmcore.ListModels(llmcore.Provider(*provider)) {
		t.Row(
			m.ID,
			string(m.Provider),
			strconv.Itoa(m.ContextWindow),
			formatInt(m.MaxOutput),
			StatusBadge(m.SupportsTools),
			StatusBadge(m.SupportsJSONMode),
			formatCost(m.InputCostPerMillion),
			formatCost(m.OutputCostPerMillion),
		)
	}
	fmt.Println(t)
	return nil
}

// --- complete ---

func cmdComplete(args []string) error {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	useCase := fs.String("use-case", string(routing.GeneralChat), "Use case to route")
	prompt := fs.String("prompt", "", "User prompt (default: stdin)")
	system := fs.String("system", "", "System prompt")
	jsonMode := fs.Bool("json", false, "Request a JSON object and repair the reply")
	routesFile := fs.String("routes", "", "Route table YAML (default: compiled table)")
	verbose := fs.Bool("v", false, "Verbose logging")
	_ = fs.Parse(args)

	text := *prompt
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return fmt.Errorf("prompt required (-prompt or stdin)")
	}

	logger := newLogger(*verbose)
	orch, err := newOrchestrator(*routesFile, logger)
	if err != nil {
		return err
	}
	defer orch.Close()

	var messages []llmcore.ChatMessage
	if *system != "" {
		messages = append(messages, llmcore.SystemMessage(*system))
	}
	messages = append(messages, llmcore.UserMessage(text))

	ctx, cancel := signalContext()
	defer cancel()
	resp, err := orch.CompleteWithFallback(ctx, llmcore.UseCase(*useCase), llmcore.CompletionRequest{
		Messages: messages,
		JSONMode: *jsonMode,
	})
	if err != nil {
		return err
	}

	if *jsonMode {
		obj, err := llmcore.ParseJSONObject(resp.Content)
		if err != nil {
			return err
		}
		if err := printJSON(obj); err != nil {
			return err
		}
	} else {
		fmt.Println(resp.Content)
	}
	printAttribution(resp.Provider, resp.Model, resp.Usage)
	return nil
}

// --- synthesize ---

type stageFile struct {
	UseCase      string `yaml:"use_case"`
	SystemPrompt string `yaml:"system_prompt"`
	Stages       []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Keys        []string `yaml:"keys"`
		UseCase     string   `yaml:"use_case"`
	} `yaml:"stages"`
}

func cmdSynthesize(args []string) error {
	fs := flag.NewFlagSet("synthesize", flag.ExitOnError)
	stagesPath := fs.String("stages", "", "Stage plan YAML (required)")
	inputPath := fs.String("input", "", "Input payload file; JSON files are sent as JSON")
	useCase := fs.String("use-case", "", "Use case (overrides the plan)")
	tier := fs.Int("tier", 0, "Report tier 1-3 (selects the report use case)")
	strict := fs.Bool("strict", false, "Fail a stage that omits declared keys")
	routesFile := fs.String("routes", "", "Route table YAML (default: compiled table)")
	verbose := fs.Bool("v", false, "Verbose logging")
	_ = fs.Parse(args)

	if *stagesPath == "" {
		return fmt.Errorf("-stages is required")
	}
	data, err := os.ReadFile(*stagesPath)
	if err != nil {
		return fmt.Errorf("read stage plan: %w", err)
	}
	var plan stageFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("parse stage plan: %w", err)
	}

	req := pipeline.Request{UseCase: llmcore.UseCase(plan.UseCase), SystemPrompt: plan.SystemPrompt}
	if *tier != 0 {
		uc, ok := routing.ReportUseCase(*tier)
		if !ok {
			return fmt.Errorf("unknown report tier %d", *tier)
		}
		req.UseCase = uc
	}
	if *useCase != "" {
		req.UseCase = llmcore.UseCase(*useCase)
	}
	if req.UseCase == "" {
		return fmt.Errorf("no use case (set use_case in the plan, -use-case or -tier)")
	}
	for _, s := range plan.Stages {
		req.Stages = append(req.Stages, pipeline.Stage{
			Name:        s.Name,
			Description: s.Description,
			Keys:        s.Keys,
			UseCase:     llmcore.UseCase(s.UseCase),
		})
	}
	if *inputPath != "" {
		raw, err := os.ReadFile(*inputPath)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if json.Valid(raw) {
			req.Input = json.RawMessage(raw)
		} else {
			req.Input = string(raw)
		}
	}

	logger := newLogger(*verbose)
	orch, err := newOrchestrator(*routesFile, logger)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()
	doc, err := pipeline.New(orch, pipeline.WithStrict(*strict), pipeline.WithLogger(logger)).Run(ctx, req)
	if err != nil {
		return err
	}

	if err := printJSON(doc.Fields); err != nil {
		return err
	}
	if len(doc.MissingKeys) > 0 {
		fmt.Fprintln(os.Stderr, WarnStyle.Render("missing keys: ")+strings.Join(doc.MissingKeys, ", "))
	}
	printAttribution(doc.Provider, doc.Model, &doc.Usage)
	return nil
}

// --- shared ---

func loadRoutes(path string) (*routing.Registry, error) {
	var opts []routing.Option
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read route table: %w", err)
		}
		opts = append(opts, routing.WithRoutesYAML(data))
	}
	return routing.NewRegistry(opts...)
}

func newOrchestrator(routesFile string, logger *slog.Logger) (*llmcore.Orchestrator, error) {
	routes, err := loadRoutes(routesFile)
	if err != nil {
		return nil, err
	}
	creds, err := llmcore.LoadCredentials()
	if err != nil {
		return nil, err
	}
	adapters := llmcore.NewAdapterRegistry(llmcore.DefaultAdapterFactory(creds))
	return llmcore.NewOrchestrator(routes, adapters, llmcore.WithLogger(logger)), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAttribution(provider llmcore.Provider, model string, usage *llmcore.Usage) {
	line := fmt.Sprintf("%s/%s", provider, model)
	if usage != nil && usage.TotalTokens > 0 {
		line += fmt.Sprintf(" · %d in / %d out tokens", usage.PromptTokens, usage.CompletionTokens)
	}
	fmt.Fprintln(os.Stderr, DimStyle.Render(line))
}

func formatFloat(v *float64) string {
	if v == nil {
		return DimStyle.Render("-")
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return DimStyle.Render("-")
	}
	return strconv.Itoa(*v)
}

func formatCost(v *float64) string {
	if v == nil {
		return DimStyle.Render("-")
	}
	return fmt.Sprintf("%.2f", *v)
}
