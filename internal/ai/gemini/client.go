package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/master9x68/whisper-api/internal/ai"
	"github.com/master9x68/whisper-api/pkg/logger"
	"google.golang.org/genai"
)

const (
	// DefaultModel is used when no model is configured
	DefaultModel = "gemini-2.0-flash"

	// noSpeechMarker is what the model is asked to answer when a clip holds no intelligible speech
	noSpeechMarker = "[" + noSpeechToken + "]"
	noSpeechToken  = "NO_SPEECH"
)

// contentGenerator is the subset of *genai.Models used by the recognizer
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config holds Gemini recognizer settings
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string // BCP-47, e.g. "vi-VN"
	Timeout  time.Duration
}

// Client recognizes speech in short audio clips with Google Gemini
type Client struct {
	models   contentGenerator
	model    string
	language string
	timeout  time.Duration
	logger   *logger.Logger
}

// NewClient creates a new Gemini recognizer
func NewClient(ctx context.Context, config Config, log *logger.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{},
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	gc, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return newClient(gc.Models, config, log), nil
}

func newClient(models contentGenerator, config Config, log *logger.Logger) *Client {
	model := config.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		models:   models,
		model:    model,
		language: config.Language,
		timeout:  config.Timeout,
		logger:   log.Named("gemini"),
	}
}

// Recognize transcribes a single audio clip. Clips without speech yield ai.ErrUnrecognized.
func (c *Client) Recognize(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", ai.ErrUnrecognized
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(c.prompt()),
			genai.NewPartFromBytes(audio, mimeType),
		}, genai.RoleUser),
	}

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return "", fmt.Errorf("gemini recognition: %w", err)
	}

	text := cleanTranscript(resp.Text())
	c.logger.Debug("Gemini recognition completed",
		logger.Int("audio_bytes", len(audio)),
		logger.Int("text_len", len(text)),
		logger.Duration("duration", time.Since(start)))

	if text == "" {
		return "", ai.ErrUnrecognized
	}
	return text, nil
}

func (c *Client) prompt() string {
	var b strings.Builder
	b.WriteString("Transcribe the speech in this audio clip verbatim.")
	if c.language != "" {
		fmt.Fprintf(&b, " The speech is in %s.", c.language)
	}
	b.WriteString(" Reply with the transcript only, without quotes, labels or commentary.")
	fmt.Fprintf(&b, " If there is no intelligible speech, reply with %s.", noSpeechMarker)
	return b.String()
}

// cleanTranscript strips surrounding quotes and whitespace from a model answer.
// Any answer carrying the no-speech token, however decorated, counts as empty.
func cleanTranscript(s string) string {
	if strings.Contains(strings.ToUpper(s), noSpeechToken) {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'“”")
	return strings.TrimSpace(s)
}
