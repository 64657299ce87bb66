package llmcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody bounds how much of an error body is kept in messages.
const maxErrorBody = 2048

// postJSON marshals body, POSTs it and returns the response body of a 2xx
// reply. Non-2xx replies are mapped through ErrorFromStatusCode; transport
// failures become NetworkError.
func postJSON(ctx context.Context, client *http.Client, provider Provider, url string, headers map[string]string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &InvalidRequestError{ProviderError: ProviderError{
			SDKError: SDKError{Message: fmt.Sprintf("%s: marshal request", provider), Cause: err},
			Provider: provider,
		}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("%s: create request", provider), Cause: err}}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &NetworkError{SDKError: SDKError{Message: fmt.Sprintf("%s: http request", provider), Cause: err}}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{SDKError: SDKError{Message: fmt.Sprintf("%s: read response", provider), Cause: err}}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(provider, resp, respBody)
	}
	return respBody, nil
}

// statusError builds a typed error from an upstream error reply. All three
// providers nest the details under "error" with a "message" field.
func statusError(provider Provider, resp *http.Response, body []byte) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	var raw map[string]any
	message := strings.TrimSpace(string(body))
	code := ""
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		switch {
		case envelope.Error.Type != "":
			code = envelope.Error.Type
		case envelope.Error.Status != "":
			code = envelope.Error.Status
		case envelope.Error.Code != nil:
			code = fmt.Sprint(envelope.Error.Code)
		}
		_ = json.Unmarshal(body, &raw)
	}
	if len(message) > maxErrorBody {
		message = message[:maxErrorBody]
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return ErrorFromStatusCode(resp.StatusCode, message, provider, code, raw, parseRetryAfter(resp.Header.Get("Retry-After")))
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string) *float64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return &secs
	}
	if t, err := http.ParseTime(v); err == nil {
		secs := time.Until(t).Seconds()
		if secs < 0 {
			secs = 0
		}
		return &secs
	}
	return nil
}

// decodeBody unmarshals a 2xx body, treating garbage as a retryable upstream fault.
func decodeBody(provider Provider, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &ProviderError{
			SDKError:  SDKError{Message: fmt.Sprintf("%s: unmarshal response", provider), Cause: err},
			Provider:  provider,
			Retryable: true,
		}
	}
	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// toolArgsFromJSON parses a tool-call argument string, keeping unparseable
// input under "_raw" rather than dropping it.
func toolArgsFromJSON(s string) map[string]any {
	if strings.TrimSpace(s) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil || args == nil {
		return map[string]any{"_raw": s}
	}
	return args
}

// jsonModeInstruction is appended to the system prompt of providers without a
// native JSON response mode.
const jsonModeInstruction = "Respond ONLY with a single valid JSON object. Do not wrap it in markdown and do not add any other text."

// httpConfig is shared by the wire adapters.
type httpConfig struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// AdapterOption configures a wire adapter.
type AdapterOption func(*httpConfig)

// WithBaseURL sets a custom API base URL. An empty url keeps the default.
func WithBaseURL(url string) AdapterOption {
	return func(c *httpConfig) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) AdapterOption {
	return func(c *httpConfig) { c.client = client }
}

func newHTTPConfig(apiKey, defaultBaseURL string, opts []AdapterOption) httpConfig {
	cfg := httpConfig{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = newHTTPClient(0)
	}
	return cfg
}
