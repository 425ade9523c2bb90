package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"storytime/internal/domain"
)

// VisionOptions controls how the image analysis client is configured.
type VisionOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// VisionClient describes the uploaded photo so the story stage has concrete
// material to write from. Without an API key it produces a deterministic
// synthetic description.
type VisionClient struct {
	gemini geminiClient
	logger zerolog.Logger
}

// Compile-time check that VisionClient implements Client.
var _ Client = (*VisionClient)(nil)

// NewVisionClient constructs an image analysis client.
func NewVisionClient(opts VisionOptions) *VisionClient {
	return &VisionClient{
		gemini: newGeminiClient(opts.APIKey, opts.BaseURL, opts.Model, opts.HTTPClient),
		logger: opts.Logger,
	}
}

func (c *VisionClient) Stage() domain.Stage {
	return domain.StageAnalyzingImage
}

func (c *VisionClient) Invoke(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if c.gemini.apiKey == "" {
		return c.synthetic(req), nil
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: visionPrompt(req.Input)},
				{FileData: &geminiFileData{FileURI: req.Input.ImageRef}},
			},
		}},
	}
	text, err := c.gemini.generateContent(ctx, payload)
	if err != nil {
		return Output{}, err
	}

	c.logger.Debug().Str("job_id", req.JobID).Str("model", c.gemini.model).Msg("image analyzed")
	return Output{Analysis: strings.TrimSpace(text)}, nil
}

func (c *VisionClient) synthetic(req Request) Output {
	seed := deterministicSeed(req.JobID, req.Input.ImageRef)
	analysis := fmt.Sprintf(
		"A warmly lit scene (ref %s): a child's drawing with soft colors and a friendly central figure, fingerprint %s.",
		req.Input.ImageRef, seed)

	c.logger.Debug().Str("job_id", req.JobID).Msg("synthetic image analysis")
	return Output{Analysis: analysis}
}

func visionPrompt(input domain.JobInput) string {
	var b strings.Builder
	b.WriteString("Describe this image for a children's bedtime story writer. ")
	b.WriteString("Mention the characters, setting, colors and mood.")
	if input.Language != "" {
		b.WriteString(" Answer in language: ")
		b.WriteString(input.Language)
		b.WriteString(".")
	}
	return b.String()
}

func deterministicSeed(parts ...string) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(part))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}
