// Package domain defines core domain types for the nftgate generation core.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// Provider Types
// =============================================================================

// ProviderName identifies an image generation provider
type ProviderName string

const (
	ProviderOpenAI    ProviderName = "openai"
	ProviderGemini    ProviderName = "gemini"
	ProviderBedrock   ProviderName = "bedrock"
	ProviderStability ProviderName = "stability"
	ProviderLocal     ProviderName = "local"
)

// AllProviders returns all supported providers in default registration order
func AllProviders() []ProviderName {
	return []ProviderName{
		ProviderOpenAI,
		ProviderGemini,
		ProviderBedrock,
		ProviderStability,
		ProviderLocal,
	}
}

// ParseProvider parses a provider string
func ParseProvider(s string) (ProviderName, bool) {
	switch s {
	case "openai", "dalle", "dall-e":
		return ProviderOpenAI, true
	case "gemini", "google", "imagen":
		return ProviderGemini, true
	case "bedrock", "aws", "aws-bedrock", "titan":
		return ProviderBedrock, true
	case "stability", "stabilityai", "sdxl":
		return ProviderStability, true
	case "local", "procedural":
		return ProviderLocal, true
	default:
		return "", false
	}
}

// Provider is the capability set every image provider implements.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider identity
	Name() ProviderName

	// Generate produces one image for the prompt
	Generate(ctx context.Context, prompt string, opts Options) (*Payload, error)

	// ValidateCredential checks the configured credential against the provider
	ValidateCredential(ctx context.Context) (bool, error)

	// CurrentQuota reports the remaining remote quota
	CurrentQuota(ctx context.Context) (QuotaSnapshot, error)

	// CostPerUnit returns the cost of a single generation
	CostPerUnit() decimal.Decimal

	// RateLimitSpec returns the token bucket parameters for this provider
	RateLimitSpec() RateLimitSpec
}

// =============================================================================
// Request Types
// =============================================================================

// Options are passed through to providers without interpretation
type Options struct {
	Size           string            `json:"size,omitempty" toml:"size"`
	Quality        string            `json:"quality,omitempty" toml:"quality"`
	AspectRatio    string            `json:"aspect_ratio,omitempty" toml:"aspect_ratio"`
	NegativePrompt string            `json:"negative_prompt,omitempty" toml:"negative_prompt"`
	Extra          map[string]string `json:"extra,omitempty" toml:"extra"`
}

// GenerateRequest is a single logical generation request
type GenerateRequest struct {
	Prompt     string  `json:"prompt"`
	Category   string  `json:"category"`
	Complexity int     `json:"complexity"`
	ColorSeed  int64   `json:"color_seed"`
	Index      int     `json:"index"`
	Options    Options `json:"options"`
}

// =============================================================================
// Result Types
// =============================================================================

// Payload is an opaque generated image
type Payload struct {
	Data      []byte          `json:"data"`
	MIMEType  string          `json:"mime_type"`
	Provider  ProviderName    `json:"provider"`
	Cost      decimal.Decimal `json:"cost"`
	CreatedAt time.Time       `json:"created_at"`
}

// Size returns the payload size in bytes
func (p *Payload) Size() int64 {
	if p == nil {
		return 0
	}
	return int64(len(p.Data))
}

// Clone returns a deep copy that shares no memory with p
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	c := *p
	if p.Data != nil {
		c.Data = make([]byte, len(p.Data))
		copy(c.Data, p.Data)
	}
	return &c
}

// QuotaSnapshot is a provider-reported usage ceiling
type QuotaSnapshot struct {
	Remaining   int64     `json:"remaining"`
	Limit       int64     `json:"limit"`
	ResetTime   time.Time `json:"reset_time"`
	LastUpdated time.Time `json:"last_updated"`
}

// Unlimited reports whether the snapshot carries no usable limit
func (q QuotaSnapshot) Unlimited() bool {
	return q.Limit <= 0
}

// UsageRatio returns used/limit in [0,1]; 0 when unlimited
func (q QuotaSnapshot) UsageRatio() float64 {
	if q.Unlimited() {
		return 0
	}
	used := q.Limit - q.Remaining
	if used < 0 {
		used = 0
	}
	ratio := float64(used) / float64(q.Limit)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// RateLimitSpec configures a token bucket
type RateLimitSpec struct {
	Capacity   int           `json:"capacity"`
	RefillRate int           `json:"refill_rate"`
	Interval   time.Duration `json:"interval"`
}

// Enabled reports whether the bucket limits anything
func (s RateLimitSpec) Enabled() bool {
	return s.Capacity > 0 && s.RefillRate > 0 && s.Interval > 0
}
