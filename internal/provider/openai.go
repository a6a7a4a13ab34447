package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"nftgate/internal/config"
	"nftgate/internal/domain"
	"nftgate/internal/resilience"
)

// OpenAI generates images with the DALL·E Images API
type OpenAI struct {
	base
	client openai.Client
	model  string
	size   string
	usage  *monthlyUsage
}

var _ domain.Provider = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI images client
func NewOpenAI(pc config.ProviderConfig, logger *slog.Logger) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(pc.APIKey),
		option.WithHTTPClient(BuildHTTPClient(pc.Timeout)),
		// Retries are owned by the orchestrator
		option.WithMaxRetries(0),
	}
	if pc.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(pc.BaseURL))
	}

	model := pc.Model
	if model == "" {
		model = openai.ImageModelDallE3
	}
	size := pc.Size
	if size == "" {
		size = "1024x1024"
	}

	return &OpenAI{
		base:   newBase(domain.ProviderOpenAI, pc, logger),
		client: openai.NewClient(opts...),
		model:  model,
		size:   size,
		usage:  newMonthlyUsage(pc.MonthlyAllowance),
	}
}

// Generate requests one base64-encoded image
func (c *OpenAI) Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Payload, error) {
	size := c.size
	if opts.Size != "" {
		size = opts.Size
	}

	params := openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(c.model),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize(size),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	}
	if opts.Quality != "" {
		params.Quality = openai.ImageGenerateParamsQuality(opts.Quality)
	}
	if style := opts.Extra["style"]; style != "" {
		params.Style = openai.ImageGenerateParamsStyle(style)
	}

	start := time.Now()
	resp, err := c.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, c.wrapError(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, resilience.NewError(resilience.KindProviderFault, c.name, resilience.CodeProviderError,
			"empty image response", nil)
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, resilience.NewError(resilience.KindProviderFault, c.name, resilience.CodeProviderError,
			"invalid base64 image", err)
	}
	c.usage.add()

	c.logger.Debug("image generated", "model", c.model, "bytes", len(data), "duration", time.Since(start))

	return &domain.Payload{
		Data:      data,
		MIMEType:  "image/png",
		Provider:  c.name,
		Cost:      c.cost,
		CreatedAt: time.Now(),
	}, nil
}

// ValidateCredential fetches the configured model; 401/403 means invalid
func (c *OpenAI) ValidateCredential(ctx context.Context) (bool, error) {
	if _, err := c.client.Models.Get(ctx, c.model); err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return false, nil
		}
		return false, fmt.Errorf("failed to validate credential: %w", c.wrapError(err))
	}
	return true, nil
}

// CurrentQuota estimates remaining images from the monthly allowance
func (c *OpenAI) CurrentQuota(ctx context.Context) (domain.QuotaSnapshot, error) {
	return c.usage.snapshot(), nil
}

// wrapError exposes the API status for classification
func (c *OpenAI) wrapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	httpErr := &resilience.HTTPError{Status: apiErr.StatusCode, Body: apiErr.Message, Cause: err}
	if apiErr.Response != nil {
		httpErr.Retry = resilience.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
	}
	return httpErr
}
