package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/config"
	"nftgate/internal/domain"
	"nftgate/internal/resilience"
)

const (
	defaultStabilityURL   = "https://api.stability.ai"
	defaultStabilityModel = "core"

	schemaGenerate = "generate"
	schemaBalance  = "balance"

	// maxErrorBody caps how much of an error response is kept
	maxErrorBody = 4 << 10
)

// stabilitySchemas describe the JSON responses the client relies on
var stabilitySchemas = map[string]map[string]any{
	schemaGenerate: {
		"type":     "object",
		"required": []any{"image"},
		"properties": map[string]any{
			"image":         map[string]any{"type": "string", "minLength": 1},
			"finish_reason": map[string]any{"type": "string"},
			"seed":          map[string]any{"type": "integer"},
		},
	},
	schemaBalance: {
		"type":     "object",
		"required": []any{"credits"},
		"properties": map[string]any{
			"credits": map[string]any{"type": "number", "minimum": 0},
		},
	},
}

type stabilityImage struct {
	Image        string `json:"image"`
	FinishReason string `json:"finish_reason"`
	Seed         int64  `json:"seed"`
}

type stabilityBalance struct {
	Credits float64 `json:"credits"`
}

// Stability calls the Stability AI REST API
type Stability struct {
	base
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	validator  *SchemaValidator
	now        func() time.Time

	mu          sync.Mutex
	headerQuota *domain.QuotaSnapshot
	peakImages  int64
}

var _ domain.Provider = (*Stability)(nil)

// NewStability creates a Stability AI client
func NewStability(pc config.ProviderConfig, logger *slog.Logger) (*Stability, error) {
	validator, err := NewSchemaValidator(stabilitySchemas)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(pc.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultStabilityURL
	}
	model := pc.Model
	if model == "" {
		model = defaultStabilityModel
	}

	return &Stability{
		base:       newBase(domain.ProviderStability, pc, logger),
		httpClient: BuildHTTPClient(pc.Timeout),
		baseURL:    baseURL,
		apiKey:     pc.APIKey,
		model:      model,
		validator:  validator,
		now:        time.Now,
	}, nil
}

// Generate posts a multipart text-to-image request
func (c *Stability) Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Payload, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := map[string]string{
		"prompt":        prompt,
		"output_format": "png",
	}
	if opts.NegativePrompt != "" {
		fields["negative_prompt"] = opts.NegativePrompt
	}
	if opts.AspectRatio != "" {
		fields["aspect_ratio"] = opts.AspectRatio
	}
	if seed := opts.Extra["seed"]; seed != "" {
		fields["seed"] = seed
	}
	if style := opts.Extra["style"]; style != "" {
		fields["style_preset"] = style
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write form field: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	url := c.baseURL + "/v2beta/stable-image/generate/" + c.model
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	respBody, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	if err := c.validator.Validate(schemaGenerate, respBody); err != nil {
		return nil, resilience.NewError(resilience.KindProviderFault, c.name, resilience.CodeProviderError,
			err.Error(), err)
	}
	var img stabilityImage
	if err := json.Unmarshal(respBody, &img); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if img.FinishReason == "CONTENT_FILTERED" {
		return nil, resilience.NewError(resilience.KindInvalidInput, c.name, resilience.CodeInvalidInput,
			"content policy: image was filtered", nil)
	}

	data, err := base64.StdEncoding.DecodeString(img.Image)
	if err != nil {
		return nil, resilience.NewError(resilience.KindProviderFault, c.name, resilience.CodeProviderError,
			"invalid base64 image", err)
	}

	return &domain.Payload{
		Data:      data,
		MIMEType:  "image/png",
		Provider:  c.name,
		Cost:      c.cost,
		CreatedAt: c.now(),
	}, nil
}

// ValidateCredential fetches the account; 401/403 means invalid
func (c *Stability) ValidateCredential(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/user/account", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	if _, err := c.do(httpReq); err != nil {
		var sc resilience.StatusCoder
		if errors.As(err, &sc) && (sc.StatusCode() == http.StatusUnauthorized || sc.StatusCode() == http.StatusForbidden) {
			return false, nil
		}
		return false, fmt.Errorf("failed to validate credential: %w", err)
	}
	return true, nil
}

// CurrentQuota converts the credit balance to remaining images. The limit
// is the highest balance seen, so usage rises as credits are spent. When
// the balance endpoint fails, the last X-RateLimit headers are used.
func (c *Stability) CurrentQuota(ctx context.Context) (domain.QuotaSnapshot, error) {
	credits, err := c.balance(ctx)
	if err != nil {
		c.mu.Lock()
		hq := c.headerQuota
		c.mu.Unlock()
		if hq != nil {
			return *hq, nil
		}
		return domain.QuotaSnapshot{}, err
	}

	// One credit is one cent
	perImage := c.cost.Mul(decimal.NewFromInt(100))
	if !perImage.IsPositive() {
		return domain.QuotaSnapshot{LastUpdated: c.now()}, nil
	}
	images := decimal.NewFromFloat(credits).Div(perImage).IntPart()

	c.mu.Lock()
	if images > c.peakImages {
		c.peakImages = images
	}
	limit := c.peakImages
	c.mu.Unlock()

	return domain.QuotaSnapshot{
		Remaining:   images,
		Limit:       limit,
		LastUpdated: c.now(),
	}, nil
}

func (c *Stability) balance(ctx context.Context) (float64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/user/balance", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, err := c.do(httpReq)
	if err != nil {
		return 0, err
	}
	if err := c.validator.Validate(schemaBalance, body); err != nil {
		return 0, err
	}
	var b stabilityBalance
	if err := json.Unmarshal(body, &b); err != nil {
		return 0, fmt.Errorf("failed to decode balance: %w", err)
	}
	return b.Credits, nil
}

// do sends the request, records rate limit headers and turns non-2xx
// responses into *resilience.HTTPError
func (c *Stability) do(httpReq *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.recordRateHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &resilience.HTTPError{
			Status: resp.StatusCode,
			Body:   string(bodyBytes),
			Retry:  resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// recordRateHeaders keeps the latest X-RateLimit-* values as a quota snapshot
func (c *Stability) recordRateHeaders(h http.Header) {
	limit, err1 := strconv.ParseInt(h.Get("X-RateLimit-Limit"), 10, 64)
	remaining, err2 := strconv.ParseInt(h.Get("X-RateLimit-Remaining"), 10, 64)
	if err1 != nil || err2 != nil {
		return
	}

	now := c.now()
	snap := domain.QuotaSnapshot{Remaining: remaining, Limit: limit, LastUpdated: now}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		snap.ResetTime = time.Unix(reset, 0)
	}

	c.mu.Lock()
	c.headerQuota = &snap
	c.mu.Unlock()
}
