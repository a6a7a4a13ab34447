package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nftgate/internal/domain"
)

// Kind classifies a failure into the closed error taxonomy
type Kind string

const (
	KindCredentialInvalid Kind = "credential_invalid"
	KindRateLimited       Kind = "rate_limited"
	KindQuotaExhausted    Kind = "quota_exhausted"
	KindNetworkFailure    Kind = "network_failure"
	KindProviderFault     Kind = "provider_fault"
	KindInvalidInput      Kind = "invalid_input"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindRequestTimeout    Kind = "request_timeout"
	KindQueueFull         Kind = "queue_full"
)

// Default error codes per kind
const (
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	CodeRateLimited       = "RATE_LIMITED"
	CodeQuotaExhausted    = "QUOTA_EXHAUSTED"
	CodeNetworkError      = "NETWORK_ERROR"
	CodeProviderError     = "PROVIDER_ERROR"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeBudgetExceeded    = "BUDGET_EXCEEDED"
	CodeRequestTimeout    = "REQUEST_TIMEOUT"
	CodeQueueFull         = "QUEUE_FULL"
	CodeTimeout           = "TIMEOUT"
	CodeUnknown           = "UNKNOWN_ERROR"
)

// Retriable reports whether failures of this kind may be retried on the same provider
func (k Kind) Retriable() bool {
	switch k {
	case KindRateLimited, KindNetworkFailure, KindProviderFault:
		return true
	default:
		return false
	}
}

// Surfaced reports whether the kind signals local saturation and must reach
// the caller without retry or failover
func (k Kind) Surfaced() bool {
	return k == KindQueueFull || k == KindRequestTimeout
}

// ProviderError is a classified failure
type ProviderError struct {
	Kind       Kind
	Provider   domain.ProviderName
	Code       string
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Retriable  bool
	Cause      error
}

// NewError creates a classified error with the kind's default retriability
func NewError(kind Kind, provider domain.ProviderName, code, message string, cause error) *ProviderError {
	return &ProviderError{
		Kind:      kind,
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retriable: kind.Retriable(),
		Cause:     cause,
	}
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsKind reports whether err classifies as kind
func IsKind(err error, kind Kind) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// StatusCoder is implemented by transport errors that carry an HTTP status
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer is implemented by errors that carry a provider retry hint
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// HTTPError is a non-2xx provider response
type HTTPError struct {
	Status int
	Body   string
	Retry  time.Duration
	Cause  error
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("API error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("API error: %d %s - %s", e.Status, http.StatusText(e.Status), body)
}

func (e *HTTPError) Unwrap() error { return e.Cause }

// StatusCode implements StatusCoder
func (e *HTTPError) StatusCode() int { return e.Status }

// RetryAfter implements RetryAfterer
func (e *HTTPError) RetryAfter() time.Duration { return e.Retry }

// ParseRetryAfter parses a Retry-After header in delta-seconds or HTTP-date form
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
