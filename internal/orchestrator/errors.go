package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"nftgate/internal/domain"
	"nftgate/internal/resilience"
)

// ErrNoProviders is returned when the failover sequence is empty
var ErrNoProviders = errors.New("no eligible providers")

// Attempt records why one provider did not produce a result
type Attempt struct {
	Provider domain.ProviderName `json:"provider"`
	Kind     resilience.Kind     `json:"kind"`
	Skipped  bool                `json:"skipped"` // denied by quota or budget before any call
	Err      error               `json:"-"`
}

// AggregateError is returned once every eligible provider has been exhausted
type AggregateError struct {
	Attempts []Attempt
}

func (e *AggregateError) Error() string {
	return "All providers failed: " + e.lastMessage()
}

func (e *AggregateError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return ErrNoProviders
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func (e *AggregateError) lastMessage() string {
	if len(e.Attempts) == 0 {
		return ErrNoProviders.Error()
	}
	return message(e.Attempts[len(e.Attempts)-1].Err)
}

// Detail lists every attempted provider and why it failed
func (e *AggregateError) Detail() string {
	if len(e.Attempts) == 0 {
		return ErrNoProviders.Error()
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		status := string(a.Kind)
		if a.Skipped {
			status = "skipped, " + status
		}
		parts = append(parts, fmt.Sprintf("%s (%s): %s", a.Provider, status, message(a.Err)))
	}
	return strings.Join(parts, "; ")
}

func (e *AggregateError) add(name domain.ProviderName, err error, skipped bool) {
	pe := resilience.Classify(err, name)
	e.Attempts = append(e.Attempts, Attempt{
		Provider: name,
		Kind:     pe.Kind,
		Skipped:  skipped,
		Err:      err,
	})
}

// message returns the provider's own message for typed errors
func message(err error) string {
	if err == nil {
		return ""
	}
	var pe *resilience.ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}
