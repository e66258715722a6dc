package whisper

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/master9x68/whisper-api/internal/ai"
	"github.com/master9x68/whisper-api/pkg/logger"
	openai "github.com/sashabaranov/go-openai"
)

// Config holds the settings of the primary transcription model
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Language    string
	Prompt      string
	Temperature float32
	Timeout     time.Duration
}

// Client talks to an OpenAI-compatible transcription endpoint serving a Whisper model
type Client struct {
	client *openai.Client
	config Config
	logger *logger.Logger
}

// NewClient creates a new Whisper client
func NewClient(config Config, log *logger.Logger) *Client {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute // long recordings take a while on CPU
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	if config.APIKey == "" {
		log.Debug("Whisper API key is empty, assuming a local server without auth",
			logger.String("base_url", clientConfig.BaseURL))
	}

	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: log.Named("whisper"),
	}
}

// TranscribeSegments transcribes the media file and returns the model's segments in order
func (c *Client) TranscribeSegments(ctx context.Context, mediaPath string) ([]ai.Segment, error) {
	req := openai.AudioRequest{
		Model:       c.config.Model,
		FilePath:    mediaPath,
		Prompt:      c.config.Prompt,
		Temperature: c.config.Temperature,
		Language:    c.config.Language,
		Format:      openai.AudioResponseFormatVerboseJSON,
	}

	start := time.Now()
	resp, err := c.client.CreateTranscription(ctx, req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Error("Whisper transcription failed",
			logger.String("file", filepath.Base(mediaPath)),
			logger.Duration("duration", duration),
			logger.Error(err))
		return nil, fmt.Errorf("whisper transcription: %w", err)
	}

	segments := make([]ai.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, ai.Segment{
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		})
	}

	c.logger.Info("Whisper transcription completed",
		logger.String("file", filepath.Base(mediaPath)),
		logger.String("language", resp.Language),
		logger.Float64("media_duration_sec", resp.Duration),
		logger.Int("segments", len(segments)),
		logger.Duration("duration", duration))

	return segments, nil
}
