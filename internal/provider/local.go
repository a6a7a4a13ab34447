package provider

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"nftgate/internal/config"
	"nftgate/internal/domain"
	"nftgate/internal/resilience"
)

// maxLocalDimension bounds procedural renders
const maxLocalDimension = 2048

// Local renders a procedural image without any network call. It is always
// healthy, costs nothing and has no quota.
type Local struct {
	base
	width  int
	height int
	now    func() time.Time
}

var _ domain.Provider = (*Local)(nil)

// NewLocal creates the procedural renderer
func NewLocal(pc config.ProviderConfig, logger *slog.Logger) *Local {
	width, height := parseSize(pc.Size, 512, 512)
	b := newBase(domain.ProviderLocal, pc, logger)
	b.cost = decimal.Zero
	return &Local{base: b, width: width, height: height, now: time.Now}
}

// Generate renders a PNG seeded by the prompt and options; identical
// inputs produce identical bytes
func (c *Local) Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width, height := parseSize(opts.Size, c.width, c.height)
	if width > maxLocalDimension || height > maxLocalDimension {
		return nil, resilience.NewError(resilience.KindInvalidInput, c.name, resilience.CodeInvalidInput,
			fmt.Sprintf("invalid size %dx%d: exceeds %d", width, height, maxLocalDimension), nil)
	}

	seed := blake2b.Sum256([]byte(domain.NormalizePrompt(prompt) + "\x00" + opts.AspectRatio + "\x00" + opts.Extra["seed"]))
	img := render(seed, width, height)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	return &domain.Payload{
		Data:      buf.Bytes(),
		MIMEType:  "image/png",
		Provider:  c.name,
		Cost:      c.cost,
		CreatedAt: c.now(),
	}, nil
}

// ValidateCredential always succeeds
func (c *Local) ValidateCredential(ctx context.Context) (bool, error) {
	return true, nil
}

// CurrentQuota reports unlimited
func (c *Local) CurrentQuota(ctx context.Context) (domain.QuotaSnapshot, error) {
	return domain.QuotaSnapshot{LastUpdated: c.now()}, nil
}

// render draws a two-color diagonal gradient with concentric rings placed
// by the seed bytes
func render(seed [32]byte, width, height int) *image.NRGBA {
	from := color.NRGBA{R: seed[0], G: seed[1], B: seed[2], A: 255}
	to := color.NRGBA{R: seed[3], G: seed[4], B: seed[5], A: 255}
	ring := color.NRGBA{R: seed[6], G: seed[7], B: seed[8], A: 255}

	cx := int(seed[9]) * width / 256
	cy := int(seed[10]) * height / 256
	spacing := 8 + int(seed[11])%24
	thickness := 2 + int(seed[12])%4

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	span := width + height - 2
	if span <= 0 {
		span = 1
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			t := (x + y) * 255 / span
			px := lerp(from, to, t)

			dx, dy := x-cx, y-cy
			if d := isqrt(dx*dx + dy*dy); d%spacing < thickness {
				px = lerp(px, ring, 160)
			}
			img.SetNRGBA(x, y, px)
		}
	}
	return img
}

// lerp blends a toward b by t/255
func lerp(a, b color.NRGBA, t int) color.NRGBA {
	mix := func(x, y uint8) uint8 {
		return uint8((int(x)*(255-t) + int(y)*t) / 255)
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

func isqrt(n int) int {
	if n < 2 {
		return n
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}
