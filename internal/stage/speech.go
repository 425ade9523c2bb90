package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"storytime/internal/domain"
	"storytime/internal/storage"
)

// SpeechOptions controls how the speech synthesis client is configured.
type SpeechOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Store      storage.Store
	Logger     zerolog.Logger
}

// SpeechClient narrates the story text and persists the audio. Without an
// API key it stores a deterministic synthetic placeholder.
type SpeechClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	store      storage.Store
	logger     zerolog.Logger
}

// Compile-time check that SpeechClient implements Client.
var _ Client = (*SpeechClient)(nil)

// NewSpeechClient constructs a speech synthesis client.
func NewSpeechClient(opts SpeechOptions) *SpeechClient {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io/v1"
	}
	return &SpeechClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: client,
		store:      opts.Store,
		logger:     opts.Logger,
	}
}

func (c *SpeechClient) Stage() domain.Stage {
	return domain.StageSynthesizingSpeech
}

type speechRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

type speechErrorResponse struct {
	Detail struct {
		Message string `json:"message,omitempty"`
	} `json:"detail"`
}

func (c *SpeechClient) Invoke(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	var audio []byte
	if c.apiKey == "" {
		audio = syntheticAudio("narration", req.JobID, req.Result.StoryText)
		c.logger.Debug().Str("job_id", req.JobID).Msg("synthetic narration")
	} else {
		var err error
		if audio, err = c.synthesize(ctx, req.Input.Voice, req.Result.StoryText); err != nil {
			return Output{}, err
		}
	}

	key, err := c.store.Write(ctx, fmt.Sprintf("audio/%s/narration.mp3", req.JobID), audio)
	if err != nil {
		return Output{}, fmt.Errorf("store narration: %w", err)
	}

	return Output{
		SpeechRef:        key,
		NarrationSeconds: estimateNarrationSeconds(req.Result.StoryText),
	}, nil
}

func (c *SpeechClient) synthesize(ctx context.Context, voice, text string) ([]byte, error) {
	if voice == "" {
		voice = "nova"
	}
	endpoint := fmt.Sprintf("%s/text-to-speech/%s", c.baseURL, url.PathEscape(voice))
	body, err := json.Marshal(speechRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr speechErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Detail.Message != "" {
			return nil, statusError(resp.StatusCode, apiErr.Detail.Message)
		}
		return nil, statusError(resp.StatusCode, "speech synthesis failed")
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	if len(audio) == 0 {
		return nil, &UpstreamError{Message: "empty audio returned", Retryable: true}
	}
	return audio, nil
}

// estimateNarrationSeconds assumes a calm bedtime reading pace of roughly
// two words per second.
func estimateNarrationSeconds(text string) int {
	words := len(strings.Fields(text))
	seconds := words / 2
	if seconds < 5 {
		seconds = 5
	}
	return seconds
}

func syntheticAudio(kind, jobID, text string) []byte {
	seed := deterministicSeed(kind, jobID, text)
	return []byte(fmt.Sprintf("synthetic %s audio %s", kind, seed))
}
