package llmcore

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Credentials holds provider API keys and endpoints read from the
// environment. A provider is configured when its API key is non-empty.
type Credentials struct {
	OpenAIAPIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	AnthropicAPIKey  string        `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string        `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com"`
	GeminiAPIKey     string        `env:"GEMINI_API_KEY"`
	GeminiBaseURL    string        `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	HTTPTimeout      time.Duration `env:"BRANDLENS_LLM_HTTP_TIMEOUT" envDefault:"180s"`

	lookup func(string) (string, bool)
}

// LoadCredentials reads credentials from the process environment.
func LoadCredentials() (Credentials, error) {
	var c Credentials
	if err := env.Parse(&c); err != nil {
		return Credentials{}, fmt.Errorf("llmcore: parse credentials: %w", err)
	}
	c.lookup = os.LookupEnv
	return c, nil
}

// LoadCredentialsFrom reads credentials from an explicit environment map.
func LoadCredentialsFrom(environ map[string]string) (Credentials, error) {
	var c Credentials
	if err := env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return Credentials{}, fmt.Errorf("llmcore: parse credentials: %w", err)
	}
	c.lookup = func(k string) (string, bool) {
		v, ok := environ[k]
		return v, ok
	}
	return c, nil
}

// APIKey returns the key for provider. Providers without a dedicated field
// read <PROVIDER>_API_KEY.
func (c Credentials) APIKey(p Provider) string {
	switch p {
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderAnthropic:
		return c.AnthropicAPIKey
	case ProviderGemini:
		return c.GeminiAPIKey
	}
	if c.lookup == nil {
		return ""
	}
	v, _ := c.lookup(strings.ToUpper(string(p)) + "_API_KEY")
	return v
}

// IsConfigured reports whether provider p has the credentials it needs.
func (c Credentials) IsConfigured(p Provider) bool {
	if p == "" {
		return false
	}
	if p == "ollama" {
		// Local runtime, no key.
		return true
	}
	return c.APIKey(p) != ""
}
