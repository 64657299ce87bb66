package llmcore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001, Jitter: false}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         1.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            false,
	}

	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}

	for i, expected := range delays {
		got := policy.Delay(i)
		if got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i, expected, got)
		}
	}
}

func TestRetryPolicyDelayWithMaxCap(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         1.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          5.0,
		Jitter:            false,
	}

	got := policy.Delay(10)
	if got != 5*time.Second {
		t.Errorf("expected 5s (capped), got %v", got)
	}
}

func TestRetryPolicyDelayWithJitter(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         1.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            true,
	}

	for i := 0; i < 100; i++ {
		got := policy.Delay(0)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Errorf("jittered delay out of range: %v", got)
		}
	}
}

func TestRetrySuccess(t *testing.T) {
	callCount := 0
	result, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		callCount++
		if callCount < 3 {
			return "", &ServerError{ProviderError: ProviderError{
				SDKError: SDKError{Message: "server error"}, Retryable: true,
			}}
		}
		return "success", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "success" {
		t.Errorf("expected %q, got %q", "success", result)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryNonRetryableError(t *testing.T) {
	callCount := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		callCount++
		return "", &AuthenticationError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "invalid key"},
		}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call (no retries for non-retryable), got %d", callCount)
	}
}

// The attempt budget is total attempts: a permanently failing transient
// operation is invoked exactly MaxAttempts times.
func TestRetryExhaustedInvokesExactlyMaxAttempts(t *testing.T) {
	for _, attempts := range []int{1, 2, 3, 5} {
		callCount := 0
		_, err := Retry(context.Background(), fastPolicy(attempts), func(ctx context.Context) (string, error) {
			callCount++
			return "", &NetworkError{SDKError: SDKError{Message: "connection reset"}}
		})
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("attempts=%d: expected last NetworkError, got %v", attempts, err)
		}
		if callCount != attempts {
			t.Errorf("attempts=%d: expected %d calls, got %d", attempts, attempts, callCount)
		}
	}
}

func TestRetryZeroAttemptsMeansOne(t *testing.T) {
	callCount := 0
	_, _ = Retry(context.Background(), fastPolicy(0), func(ctx context.Context) (string, error) {
		callCount++
		return "", &ServerError{}
	})
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetryCancelled(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 6, BaseDelay: 1.0, BackoffMultiplier: 1, MaxDelay: 1.0, Jitter: false}

	ctx, cancel := context.WithCancel(context.Background())
	var callCount atomic.Int32
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		callCount.Add(1)
		return "", errors.New("always fails")
	})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %v", err)
	}
	if callCount.Load() > 2 {
		t.Errorf("expected fewer calls due to cancellation, got %d", callCount.Load())
	}
}

func TestRetryAttemptTimeout(t *testing.T) {
	policy := fastPolicy(2)
	policy.AttemptTimeout = 20 * time.Millisecond

	var callCount atomic.Int32
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	})
	var timeout *RequestTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected RequestTimeoutError, got %T %v", err, err)
	}
	if callCount.Load() != 2 {
		t.Errorf("expected timed-out attempts to count against the budget (2 calls), got %d", callCount.Load())
	}
}

func TestRetryAttemptTimeoutIgnoredContext(t *testing.T) {
	policy := fastPolicy(1)
	policy.AttemptTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		<-release
		return "late", nil
	})
	if time.Since(start) > time.Second {
		t.Fatal("attempt deadline was not enforced")
	}
	var timeout *RequestTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected RequestTimeoutError, got %v", err)
	}
}

func TestRetryAfterBeyondMaxDelayReturnsImmediately(t *testing.T) {
	retryAfter := 120.0
	callCount := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		callCount++
		return "", &RateLimitError{ProviderError: ProviderError{Retryable: true, RetryAfter: &retryAfter}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetryOnRetryHook(t *testing.T) {
	policy := fastPolicy(3)
	var seen []int
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		seen = append(seen, attempt)
	}
	_, _ = Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		return "", &ServerError{}
	})
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 3 {
		t.Errorf("expected retries for attempts [2 3], got %v", seen)
	}
}

func TestRetryNoError(t *testing.T) {
	result, err := Retry(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) (string, error) {
		return "immediate", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "immediate" {
		t.Errorf("expected %q, got %q", "immediate", result)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", p.MaxAttempts)
	}
	if p.BaseDelay != 1.0 {
		t.Errorf("expected base delay 1.0, got %f", p.BaseDelay)
	}
	if p.MaxDelay != 30.0 {
		t.Errorf("expected max delay 30.0, got %f", p.MaxDelay)
	}
	if p.BackoffMultiplier != 2.0 {
		t.Errorf("expected backoff multiplier 2.0, got %f", p.BackoffMultiplier)
	}
	if !p.Jitter {
		t.Error("expected jitter = true")
	}
}
