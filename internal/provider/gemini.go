package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"nftgate/internal/config"
	"nftgate/internal/domain"
	"nftgate/internal/resilience"
)

const defaultImagenModel = "imagen-3.0-generate-002"

// Gemini generates images with Imagen through the Gemini API
type Gemini struct {
	base
	client *genai.Client
	model  string
	usage  *monthlyUsage
}

var _ domain.Provider = (*Gemini)(nil)

// NewGemini creates a Gemini API client
func NewGemini(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     pc.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: BuildHTTPClient(pc.Timeout),
		HTTPOptions: genai.HTTPOptions{
			BaseURL: pc.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}

	model := pc.Model
	if model == "" {
		model = defaultImagenModel
	}

	return &Gemini{
		base:   newBase(domain.ProviderGemini, pc, logger),
		client: client,
		model:  model,
		usage:  newMonthlyUsage(pc.MonthlyAllowance),
	}, nil
}

// Generate requests one image
func (c *Gemini) Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Payload, error) {
	cfg := &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		NegativePrompt: opts.NegativePrompt,
		AspectRatio:    opts.AspectRatio,
		OutputMIMEType: "image/png",
	}

	resp, err := c.client.Models.GenerateImages(ctx, c.model, prompt, cfg)
	if err != nil {
		return nil, wrapGenaiError(err)
	}
	if len(resp.GeneratedImages) == 0 {
		return nil, resilience.NewError(resilience.KindProviderFault, c.name, resilience.CodeProviderError,
			"empty image response", nil)
	}

	img := resp.GeneratedImages[0]
	if img.Image == nil || len(img.Image.ImageBytes) == 0 {
		if img.RAIFilteredReason != "" {
			return nil, resilience.NewError(resilience.KindInvalidInput, c.name, resilience.CodeInvalidInput,
				"content policy: "+img.RAIFilteredReason, nil)
		}
		return nil, resilience.NewError(resilience.KindProviderFault, c.name, resilience.CodeProviderError,
			"empty image response", nil)
	}
	c.usage.add()

	mime := img.Image.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return &domain.Payload{
		Data:      img.Image.ImageBytes,
		MIMEType:  mime,
		Provider:  c.name,
		Cost:      c.cost,
		CreatedAt: time.Now(),
	}, nil
}

// ValidateCredential fetches the configured model's metadata
func (c *Gemini) ValidateCredential(ctx context.Context) (bool, error) {
	if _, err := c.client.Models.Get(ctx, c.model, nil); err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && isAuthStatus(apiErr.Code, apiErr.Message) {
			return false, nil
		}
		return false, fmt.Errorf("failed to validate credential: %w", wrapGenaiError(err))
	}
	return true, nil
}

// CurrentQuota estimates remaining images from the monthly allowance
func (c *Gemini) CurrentQuota(ctx context.Context) (domain.QuotaSnapshot, error) {
	return c.usage.snapshot(), nil
}

// wrapGenaiError maps API errors onto HTTP statuses for classification.
// A 400 rejecting the API key is reported as 401.
func wrapGenaiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	status := apiErr.Code
	if isAuthStatus(apiErr.Code, apiErr.Message) {
		status = http.StatusUnauthorized
	}
	return &resilience.HTTPError{Status: status, Body: apiErr.Message, Cause: err}
}

// isAuthStatus also catches the Gemini API's 400 API_KEY_INVALID
func isAuthStatus(code int, message string) bool {
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return true
	}
	return code == http.StatusBadRequest && strings.Contains(strings.ToLower(message), "api key")
}
