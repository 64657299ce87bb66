package llmcore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// SDKError is the base error type for all completion-layer errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an upstream completion API.
type ProviderError struct {
	SDKError
	Provider   Provider
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
	Raw        map[string]any
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type InvalidToolCallError struct{ SDKError }

// EmptyResponseError is returned when an upstream reply carries neither text
// nor tool calls.
type EmptyResponseError struct{ SDKError }

// ResponseParseError is returned when model output is not recoverable JSON.
// It means the model did not follow instructions, not that transport failed.
type ResponseParseError struct {
	SDKError
	Snippet string
}

func (e *ResponseParseError) Error() string {
	if e.Snippet == "" {
		return "malformed model output: " + e.SDKError.Error()
	}
	return fmt.Sprintf("malformed model output: %s (output starts %q)", e.SDKError.Error(), e.Snippet)
}

// ProviderAttempt records the state of one side of a route when a completion
// could not be served.
type ProviderAttempt struct {
	Role       string // "primary" or "fallback"
	Provider   Provider
	Model      string
	Configured bool
	Err        error
}

func (a ProviderAttempt) String() string {
	if a.Provider == "" {
		return a.Role + " <none declared>"
	}
	state := "not configured"
	if a.Configured {
		state = "configured"
	}
	if a.Err != nil {
		state += ", failed: " + a.Err.Error()
	}
	return fmt.Sprintf("%s %s/%s (%s)", a.Role, a.Provider, a.Model, state)
}

func describeAttempts(attempts []ProviderAttempt) string {
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = a.String()
	}
	return strings.Join(parts, "; ")
}

// ConfigurationError is returned when no usable provider exists, or when a
// request cannot be served by the selected adapter at all.
type ConfigurationError struct {
	SDKError
	UseCase  UseCase
	Attempts []ProviderAttempt
}

func (e *ConfigurationError) Error() string {
	if len(e.Attempts) == 0 {
		return e.SDKError.Error()
	}
	return fmt.Sprintf("%s [%s]", e.SDKError.Error(), describeAttempts(e.Attempts))
}

// ExhaustedError is returned when every configured provider of a route was
// attempted and failed. Cause is the last failure.
type ExhaustedError struct {
	SDKError
	UseCase  UseCase
	Attempts []ProviderAttempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("use case %q: all providers failed [%s]", e.UseCase, describeAttempts(e.Attempts))
}

func configErr(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf(format, args...)}}
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message string, provider Provider, errorCode string, raw map[string]any, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Raw:        raw,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		if looksLikeContextLength(message) {
			return &ContextLengthError{ProviderError: pe}
		}
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 402:
		return &QuotaExceededError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: fmt.Sprintf("[%s] %s", provider, message)}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504, 529:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown statuses default to retryable.
		pe.Retryable = statusCode >= 500 || statusCode == 0
		return &pe
	}
}

func looksLikeContextLength(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "context length") || strings.Contains(m, "context_length") || strings.Contains(m, "too many tokens")
}

// IsRetryable reports whether err is transient: network failures, timeouts,
// rate limits, 5xx-class statuses and empty replies. Authentication,
// invalid-request, configuration and parse errors are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var (
		authErr    *AuthenticationError
		deniedErr  *AccessDeniedError
		notFound   *NotFoundError
		invalidErr *InvalidRequestError
		ctxLen     *ContextLengthError
		quotaErr   *QuotaExceededError
		filterErr  *ContentFilterError
		cfgErr     *ConfigurationError
		parseErr   *ResponseParseError
		toolErr    *InvalidToolCallError
		abortErr   *AbortError
		rateErr    *RateLimitError
		serverErr  *ServerError
		netErr     *NetworkError
		timeoutErr *RequestTimeoutError
		emptyErr   *EmptyResponseError
		provErr    *ProviderError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &deniedErr), errors.As(err, &notFound),
		errors.As(err, &invalidErr), errors.As(err, &ctxLen), errors.As(err, &quotaErr),
		errors.As(err, &filterErr), errors.As(err, &cfgErr), errors.As(err, &parseErr),
		errors.As(err, &toolErr), errors.As(err, &abortErr):
		return false
	case errors.As(err, &rateErr), errors.As(err, &serverErr), errors.As(err, &netErr),
		errors.As(err, &timeoutErr), errors.As(err, &emptyErr):
		return true
	case errors.As(err, &provErr):
		return provErr.Retryable
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// Unknown errors default to retryable.
	return true
}
