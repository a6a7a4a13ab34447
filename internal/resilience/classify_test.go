package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"nftgate/internal/domain"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		code      string
		retriable bool
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindNetworkFailure, CodeTimeout, true},
		{"401", &HTTPError{Status: 401}, KindCredentialInvalid, "HTTP_401", false},
		{"403", &HTTPError{Status: 403}, KindCredentialInvalid, "HTTP_403", false},
		{"429", &HTTPError{Status: 429}, KindRateLimited, "HTTP_429", true},
		{"402", &HTTPError{Status: 402}, KindQuotaExhausted, "HTTP_402", false},
		{"500", &HTTPError{Status: 500}, KindProviderFault, "HTTP_500", true},
		{"503", &HTTPError{Status: 503}, KindProviderFault, "HTTP_503", true},
		{"400", &HTTPError{Status: 400}, KindInvalidInput, "HTTP_400", false},
		{"status beats message", &HTTPError{Status: 502, Body: "invalid api key"}, KindProviderFault, "HTTP_502", true},
		{"custom status coder", fmt.Errorf("wrapped: %w", statusErr{429}), KindRateLimited, "HTTP_429", true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("boom")}, KindNetworkFailure, CodeNetworkError, true},
		{"api key message", errors.New("Invalid API key provided"), KindCredentialInvalid, CodeInvalidCredential, false},
		{"too many requests", errors.New("Too Many Requests"), KindRateLimited, CodeRateLimited, true},
		{"credits", errors.New("insufficient credits on account"), KindQuotaExhausted, CodeQuotaExhausted, false},
		{"dns", errors.New("dial tcp: lookup api.example.com: no such host"), KindNetworkFailure, CodeNetworkError, true},
		{"content policy", errors.New("prompt rejected by content policy"), KindInvalidInput, CodeInvalidInput, false},
		{"unknown", errors.New("something odd"), KindProviderFault, CodeUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Classify(tt.err, domain.ProviderOpenAI)
			if pe.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", pe.Kind, tt.kind)
			}
			if pe.Code != tt.code {
				t.Errorf("Code = %v, want %v", pe.Code, tt.code)
			}
			if pe.Retriable != tt.retriable {
				t.Errorf("Retriable = %v, want %v", pe.Retriable, tt.retriable)
			}
			if pe.Provider != domain.ProviderOpenAI {
				t.Errorf("Provider = %v, want openai", pe.Provider)
			}
			if !errors.Is(pe, tt.err) {
				t.Error("classified error should unwrap to the cause")
			}
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	orig := NewError(KindBudgetExceeded, domain.ProviderGemini, CodeBudgetExceeded, "over budget", nil)
	got := Classify(fmt.Errorf("check: %w", orig), domain.ProviderOpenAI)
	if got != orig {
		t.Error("typed errors should pass through unchanged")
	}
	if Classify(nil, "") != nil {
		t.Error("nil should classify as nil")
	}
}

func TestClassifyRetryAfter(t *testing.T) {
	pe := Classify(&HTTPError{Status: 429, Retry: 3 * time.Second}, domain.ProviderStability)
	if pe.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", pe.RetryAfter)
	}
	if pe.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want 429", pe.StatusCode)
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(KindQueueFull, "", CodeQueueFull, "full", nil))
	if !IsKind(err, KindQueueFull) {
		t.Error("Expected QueueFull kind")
	}
	if IsKind(errors.New("plain"), KindQueueFull) {
		t.Error("plain errors have no kind")
	}
	if !KindQueueFull.Surfaced() || KindRateLimited.Surfaced() {
		t.Error("only saturation kinds are surfaced")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"12", 12 * time.Second},
		{"-3", 0},
		{"Sun, 01 Mar 2026 12:00:30 GMT", 30 * time.Second},
		{"Sun, 01 Mar 2026 11:00:00 GMT", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.header, now); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
