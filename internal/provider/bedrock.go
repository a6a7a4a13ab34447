// AWS BEDROCK NOTES:
//
// Images come from Amazon Titan Image Generator.
//   - InvokeModel (bedrockruntime): TEXT_IMAGE task, base64 PNG response
//   - GetFoundationModel (bedrock): credential and model access check
//
// Authentication is static IAM credentials only.

package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"nftgate/internal/config"
	"nftgate/internal/domain"
	"nftgate/internal/resilience"
)

const (
	defaultTitanModel = "amazon.titan-image-generator-v2:0"
	titanCfgScale     = 8.0
	titanMaxSeed      = 2147483646
)

// titanRequest is the InvokeModel body for TEXT_IMAGE tasks
type titanRequest struct {
	TaskType          string             `json:"taskType"`
	TextToImageParams titanTextParams    `json:"textToImageParams"`
	GenerationConfig  titanGenerationCfg `json:"imageGenerationConfig"`
}

type titanTextParams struct {
	Text         string `json:"text"`
	NegativeText string `json:"negativeText,omitempty"`
}

type titanGenerationCfg struct {
	NumberOfImages int     `json:"numberOfImages"`
	Height         int     `json:"height"`
	Width          int     `json:"width"`
	CfgScale       float64 `json:"cfgScale"`
	Seed           int64   `json:"seed"`
}

type titanResponse struct {
	Images []string `json:"images"`
	Error  *string  `json:"error"`
}

// Bedrock calls Titan through the Bedrock runtime
type Bedrock struct {
	base
	runtime *bedrockruntime.Client
	control *bedrock.Client
	model   string
	width   int
	height  int
}

var _ domain.Provider = (*Bedrock)(nil)

// NewBedrock creates Bedrock runtime and control plane clients using
// static IAM credentials
func NewBedrock(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (*Bedrock, error) {
	region := pc.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			pc.AccessKeyID,
			pc.SecretAccessKey,
			"",
		)),
		awsconfig.WithHTTPClient(BuildHTTPClient(pc.Timeout)),
		// Retries are owned by the orchestrator
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	model := pc.Model
	if model == "" {
		model = defaultTitanModel
	}
	width, height := parseSize(pc.Size, 1024, 1024)

	return &Bedrock{
		base:    newBase(domain.ProviderBedrock, pc, logger),
		runtime: bedrockruntime.NewFromConfig(awsCfg),
		control: bedrock.NewFromConfig(awsCfg),
		model:   model,
		width:   width,
		height:  height,
	}, nil
}

// Generate invokes the Titan TEXT_IMAGE task
func (c *Bedrock) Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Payload, error) {
	width, height := parseSize(opts.Size, c.width, c.height)

	var seed int64
	if s := opts.Extra["seed"]; s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			seed = v % (titanMaxSeed + 1)
			if seed < 0 {
				seed = -seed
			}
		}
	}

	body, err := json.Marshal(titanRequest{
		TaskType: "TEXT_IMAGE",
		TextToImageParams: titanTextParams{
			Text:         prompt,
			NegativeText: opts.NegativePrompt,
		},
		GenerationConfig: titanGenerationCfg{
			NumberOfImages: 1,
			Height:         height,
			Width:          width,
			CfgScale:       titanCfgScale,
			Seed:           seed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, wrapAWSError(err)
	}

	var resp titanResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, resilience.NewError(resilience.KindProviderFault, c.name, resilience.CodeProviderError,
			"failed to decode Titan response", err)
	}
	if resp.Error != nil && *resp.Error != "" {
		return nil, resilience.NewError(resilience.KindInvalidInput, c.name, resilience.CodeInvalidInput,
			*resp.Error, nil)
	}
	if len(resp.Images) == 0 {
		return nil, resilience.NewError(resilience.KindProviderFault, c.name, resilience.CodeProviderError,
			"empty image response", nil)
	}

	data, err := base64.StdEncoding.DecodeString(resp.Images[0])
	if err != nil {
		return nil, resilience.NewError(resilience.KindProviderFault, c.name, resilience.CodeProviderError,
			"invalid base64 image", err)
	}

	return &domain.Payload{
		Data:      data,
		MIMEType:  "image/png",
		Provider:  c.name,
		Cost:      c.cost,
		CreatedAt: time.Now(),
	}, nil
}

// ValidateCredential checks access to the configured foundation model
func (c *Bedrock) ValidateCredential(ctx context.Context) (bool, error) {
	_, err := c.control.GetFoundationModel(ctx, &bedrock.GetFoundationModelInput{
		ModelIdentifier: aws.String(c.model),
	})
	if err == nil {
		return true, nil
	}

	wrapped := wrapAWSError(err)
	var sc resilience.StatusCoder
	if errors.As(wrapped, &sc) && (sc.StatusCode() == http.StatusUnauthorized || sc.StatusCode() == http.StatusForbidden) {
		return false, nil
	}
	return false, fmt.Errorf("failed to validate credential: %w", wrapped)
}

// CurrentQuota reports unlimited; Bedrock throttles instead of metering
func (c *Bedrock) CurrentQuota(ctx context.Context) (domain.QuotaSnapshot, error) {
	return domain.QuotaSnapshot{LastUpdated: time.Now()}, nil
}

// httpStatusError is implemented by the SDK's transport response errors
type httpStatusError interface {
	HTTPStatusCode() int
}

// wrapAWSError maps smithy response errors to status codes
func wrapAWSError(err error) error {
	status := 0
	var se httpStatusError
	if errors.As(err, &se) {
		status = se.HTTPStatusCode()
	}

	message := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
		if status == 0 {
			status = statusForAWSCode(apiErr.ErrorCode())
		}
	}

	if status == 0 {
		return err
	}
	return &resilience.HTTPError{Status: status, Body: message, Cause: err}
}

func statusForAWSCode(code string) int {
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		return http.StatusTooManyRequests
	case "AccessDeniedException", "UnrecognizedClientException":
		return http.StatusForbidden
	case "ValidationException", "ResourceNotFoundException":
		return http.StatusBadRequest
	case "ServiceQuotaExceededException":
		return http.StatusPaymentRequired
	case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException":
		return http.StatusServiceUnavailable
	default:
		return 0
	}
}

// parseSize parses "WIDTHxHEIGHT", falling back to the defaults
func parseSize(s string, defWidth, defHeight int) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return defWidth, defHeight
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return defWidth, defHeight
	}
	return width, height
}
