package llmcore

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                   string   `json:"id"`
	Provider             Provider `json:"provider"`
	DisplayName          string   `json:"display_name"`
	ContextWindow        int      `json:"context_window"`
	MaxOutput            *int     `json:"max_output,omitempty"`
	SupportsTools        bool     `json:"supports_tools"`
	SupportsJSONMode     bool     `json:"supports_json_mode"`
	InputCostPerMillion  *float64 `json:"input_cost_per_million,omitempty"`
	OutputCostPerMillion *float64 `json:"output_cost_per_million,omitempty"`
	Aliases              []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. It covers the models the default
// route table names; routes may point at models outside it.
var Models = []ModelInfo{
	// OpenAI
	{
		ID: "gpt-4o", Provider: ProviderOpenAI, DisplayName: "GPT-4o",
		ContextWindow: 128000, MaxOutput: Int(16384),
		SupportsTools: true, SupportsJSONMode: true,
		InputCostPerMillion: Float64(2.50), OutputCostPerMillion: Float64(10.0),
		Aliases: []string{"gpt4o"},
	},
	{
		ID: "gpt-4o-mini", Provider: ProviderOpenAI, DisplayName: "GPT-4o mini",
		ContextWindow: 128000, MaxOutput: Int(16384),
		SupportsTools: true, SupportsJSONMode: true,
		InputCostPerMillion: Float64(0.15), OutputCostPerMillion: Float64(0.60),
		Aliases: []string{"gpt4o-mini"},
	},

	// Anthropic
	{
		ID: "claude-opus-4-1", Provider: ProviderAnthropic, DisplayName: "Claude Opus 4.1",
		ContextWindow: 200000, MaxOutput: Int(32000),
		SupportsTools: true, SupportsJSONMode: true,
		InputCostPerMillion: Float64(15.0), OutputCostPerMillion: Float64(75.0),
		Aliases: []string{"opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: ProviderAnthropic, DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: Int(64000),
		SupportsTools: true, SupportsJSONMode: true,
		InputCostPerMillion: Float64(3.0), OutputCostPerMillion: Float64(15.0),
		Aliases: []string{"sonnet"},
	},
	{
		ID: "claude-haiku-4-5", Provider: ProviderAnthropic, DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: Int(64000),
		SupportsTools: true, SupportsJSONMode: true,
		InputCostPerMillion: Float64(1.0), OutputCostPerMillion: Float64(5.0),
		Aliases: []string{"haiku"},
	},

	// Gemini
	{
		ID: "gemini-2.5-pro", Provider: ProviderGemini, DisplayName: "Gemini 2.5 Pro",
		ContextWindow: 1048576, MaxOutput: Int(65536),
		SupportsTools: true, SupportsJSONMode: true,
		InputCostPerMillion: Float64(1.25), OutputCostPerMillion: Float64(10.0),
		Aliases: []string{"gemini-pro"},
	},
	{
		ID: "gemini-2.5-flash", Provider: ProviderGemini, DisplayName: "Gemini 2.5 Flash",
		ContextWindow: 1048576, MaxOutput: Int(65536),
		SupportsTools: true, SupportsJSONMode: true,
		InputCostPerMillion: Float64(0.30), OutputCostPerMillion: Float64(2.50),
		Aliases: []string{"gemini-flash"},
	},
}

// GetModelInfo returns the catalog entry for a model id or alias, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider Provider) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// ClampMaxTokens caps a token budget at the model's maximum output. Unknown
// models and nil budgets pass through unchanged.
func ClampMaxTokens(modelID string, maxTokens *int) *int {
	if maxTokens == nil {
		return nil
	}
	info := GetModelInfo(modelID)
	if info == nil || info.MaxOutput == nil || *maxTokens <= *info.MaxOutput {
		return maxTokens
	}
	return Int(*info.MaxOutput)
}
