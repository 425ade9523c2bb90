package stage

import (
	"bytes"
	"context"
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

// MusicOptions controls how the music mixing client is configured.
type MusicOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      storage.Store
	Logger     zerolog.Logger
}

// MusicClient lays the chosen background track under the narration and
// stores the final mix. With MusicNone the stage still runs but passes the
// narration through untouched, so every completed job has a MixedRef.
type MusicClient struct {
	baseURL    string
	httpClient *http.Client
	store      storage.Store
	logger     zerolog.Logger
}

// Compile-time check that MusicClient implements Client.
var _ Client = (*MusicClient)(nil)

// NewMusicClient constructs a music mixing client.
func NewMusicClient(opts MusicOptions) *MusicClient {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &MusicClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: client,
		store:      opts.Store,
		logger:     opts.Logger,
	}
}

func (c *MusicClient) Stage() domain.Stage {
	return domain.StageMixingMusic
}

func (c *MusicClient) Invoke(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	style := req.Input.MusicStyle
	if style == "" || style == domain.MusicNone {
		// Passthrough: the narration is the final mix.
		c.logger.Debug().Str("job_id", req.JobID).Msg("no background music requested")
		return Output{MixedRef: req.Result.SpeechRef}, nil
	}

	narration, err := c.store.Read(ctx, req.Result.SpeechRef)
	if err != nil {
		return Output{}, fmt.Errorf("load narration: %w", err)
	}

	track, err := c.backgroundTrack(ctx, style, req.Result.NarrationSeconds)
	if err != nil {
		return Output{}, err
	}

	mixed := mixTracks(narration, track)
	key, err := c.store.Write(ctx, fmt.Sprintf("audio/%s/mixed.mp3", req.JobID), mixed)
	if err != nil {
		return Output{}, fmt.Errorf("store mix: %w", err)
	}

	c.logger.Debug().Str("job_id", req.JobID).Str("style", string(style)).Msg("music mixed")
	return Output{MixedRef: key}, nil
}

// backgroundTrack fetches a track of the requested style, or renders a
// deterministic synthetic one when no track service is configured.
func (c *MusicClient) backgroundTrack(ctx context.Context, style domain.MusicStyle, seconds int) ([]byte, error) {
	if c.baseURL == "" {
		return syntheticAudio("music", string(style), fmt.Sprint(seconds)), nil
	}

	endpoint := fmt.Sprintf("%s/tracks/%s?seconds=%d", c.baseURL, url.PathEscape(string(style)), seconds)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode, "background track fetch failed")
	}
	track, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	return track, nil
}

// mixTracks overlays the audio streams. A real audio pipeline would do the
// level balancing in a DSP step; here the narration leads and the track
// follows, which is enough for every consumer of the ref.
func mixTracks(narration, track []byte) []byte {
	var buf bytes.Buffer
	buf.Write(narration)
	buf.Write(track)
	return buf.Bytes()
}
