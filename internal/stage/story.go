package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"storytime/internal/domain"
)

// StoryOptions controls how the story generation client is configured.
type StoryOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// StoryClient turns the image analysis into a bedtime story. Without an API
// key it produces a deterministic synthetic story.
type StoryClient struct {
	gemini geminiClient
	logger zerolog.Logger
}

// Compile-time check that StoryClient implements Client.
var _ Client = (*StoryClient)(nil)

// NewStoryClient constructs a story generation client.
func NewStoryClient(opts StoryOptions) *StoryClient {
	return &StoryClient{
		gemini: newGeminiClient(opts.APIKey, opts.BaseURL, opts.Model, opts.HTTPClient),
		logger: opts.Logger,
	}
}

func (c *StoryClient) Stage() domain.Stage {
	return domain.StageGeneratingStory
}

// storyPayload is the structured response the model is asked to return.
type storyPayload struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (c *StoryClient) Invoke(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if c.gemini.apiKey == "" {
		return c.synthetic(req), nil
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: storyPrompt(req.Input, req.Result.Analysis)}},
		}},
		GenerationConfig: &geminiGenerationConfig{ResponseMimeType: "application/json"},
	}
	text, err := c.gemini.generateContent(ctx, payload)
	if err != nil {
		return Output{}, err
	}

	var story storyPayload
	if err := json.Unmarshal([]byte(text), &story); err != nil {
		// Some models wrap the JSON in prose; fall back to the raw text.
		story = storyPayload{Title: "A Bedtime Story", Text: strings.TrimSpace(text)}
	}
	if strings.TrimSpace(story.Text) == "" {
		return Output{}, &UpstreamError{Message: "empty story returned", Retryable: true}
	}

	c.logger.Debug().Str("job_id", req.JobID).Str("model", c.gemini.model).Msg("story generated")
	return Output{StoryTitle: story.Title, StoryText: story.Text}, nil
}

func (c *StoryClient) synthetic(req Request) Output {
	hero := "a small brave bear"
	if len(req.Input.Characters) > 0 {
		hero = req.Input.Characters[0].Name
	}
	titler := cases.Title(language.English)
	title := fmt.Sprintf("The %s Adventure of %s", titler.String(string(req.Input.Theme)), titler.String(hero))

	paragraphs := paragraphsForLength(req.Input.Length)
	var b strings.Builder
	for i := 0; i < paragraphs; i++ {
		fmt.Fprintf(&b, "Once upon a time, %s looked at the world in the picture: %s ",
			hero, firstSentence(req.Result.Analysis))
		b.WriteString("The stars came out one by one, and everything grew calm and quiet.\n\n")
	}
	b.WriteString("And with a last soft yawn, everyone fell fast asleep. The end.")

	c.logger.Debug().Str("job_id", req.JobID).Msg("synthetic story")
	return Output{StoryTitle: title, StoryText: strings.TrimSpace(b.String())}
}

func storyPrompt(input domain.JobInput, analysis string) string {
	var b strings.Builder
	b.WriteString("Write a children's bedtime story based on this image description:\n")
	b.WriteString(analysis)
	fmt.Fprintf(&b, "\n\nTheme: %s. Length: %s. Language: %s.", input.Theme, input.Length, input.Language)
	if len(input.Characters) > 0 {
		b.WriteString(" Feature these characters:")
		for _, ch := range input.Characters {
			fmt.Fprintf(&b, " %s (%s);", ch.Name, ch.Description)
		}
	}
	b.WriteString("\nRespond as JSON: {\"title\": ..., \"text\": ...}.")
	return b.String()
}

func paragraphsForLength(length domain.StoryLength) int {
	switch length {
	case domain.LengthMedium:
		return 4
	case domain.LengthLong:
		return 8
	default:
		return 2
	}
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "a gentle place full of soft colors."
	}
	if i := strings.IndexAny(text, ".!?"); i >= 0 {
		return text[:i+1]
	}
	return text
}
