package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"nftgate/internal/domain"
)

// Backoff parameters for retriable failures
const (
	BackoffBase = 1 * time.Second
	BackoffMax  = 16 * time.Second
	MaxAttempts = 5
)

// messageRule maps message substrings to a kind
type messageRule struct {
	kind     Kind
	code     string
	patterns []string
}

// messageRules are evaluated in order; first match wins
var messageRules = []messageRule{
	{KindCredentialInvalid, CodeInvalidCredential, []string{"api key", "api_key", "unauthorized", "invalid credential", "forbidden", "authentication"}},
	{KindRateLimited, CodeRateLimited, []string{"rate limit", "rate_limit", "too many requests", "throttl"}},
	{KindQuotaExhausted, CodeQuotaExhausted, []string{"quota", "insufficient credits", "insufficient_quota", "billing", "payment required"}},
	{KindNetworkFailure, CodeNetworkError, []string{"timeout", "timed out", "deadline exceeded", "connection refused", "connection reset", "broken pipe", "no such host", "network", "eof"}},
	{KindInvalidInput, CodeInvalidInput, []string{"invalid", "bad request", "content policy", "safety system", "validation"}},
}

// Classify maps an arbitrary failure into the taxonomy.
// Precedence: already typed, transport status, message heuristics, default.
func Classify(err error, provider domain.ProviderName) *ProviderError {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindNetworkFailure, provider, CodeTimeout, err.Error(), err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindRequestTimeout, provider, CodeRequestTimeout, err.Error(), err)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if kind, ok := kindForStatus(sc.StatusCode()); ok {
			e := NewError(kind, provider, fmt.Sprintf("HTTP_%d", sc.StatusCode()), err.Error(), err)
			e.StatusCode = sc.StatusCode()
			var ra RetryAfterer
			if errors.As(err, &ra) {
				e.RetryAfter = ra.RetryAfter()
			}
			return e
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(KindNetworkFailure, provider, CodeNetworkError, err.Error(), err)
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		if containsAny(msg, rule.patterns) {
			return NewError(rule.kind, provider, rule.code, err.Error(), err)
		}
	}

	return NewError(KindProviderFault, provider, CodeUnknown, err.Error(), err)
}

// kindForStatus maps a transport status code to a kind
func kindForStatus(status int) (Kind, bool) {
	switch {
	case status == 401 || status == 403:
		return KindCredentialInvalid, true
	case status == 429:
		return KindRateLimited, true
	case status == 402:
		return KindQuotaExhausted, true
	case status >= 500 && status <= 599:
		return KindProviderFault, true
	case status == 400 || status == 404 || status == 422:
		return KindInvalidInput, true
	case status == 408:
		return KindNetworkFailure, true
	default:
		return "", false
	}
}

// IsRetriable reports whether err may be retried on the same provider
func IsRetriable(err error) bool {
	pe := Classify(err, "")
	return pe != nil && pe.Retriable
}

// RetryDelay returns how long to wait before retry number attempt (0-based).
// Non-retriable errors return 0.
func RetryDelay(err error, attempt int) time.Duration {
	pe := Classify(err, "")
	if pe == nil || !pe.Retriable {
		return 0
	}
	if pe.Kind == KindRateLimited && pe.RetryAfter > 0 {
		return pe.RetryAfter
	}
	return calculateBackoff(attempt, BackoffBase, BackoffMax, true)
}

// containsAny checks if s contains any of the substrings
func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
