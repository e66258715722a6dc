package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server      ServerConfig      `toml:"server"`      // HTTP server settings
	Logging     LoggingConfig     `toml:"logging"`     // Application logging settings
	Storage     StorageConfig     `toml:"storage"`     // Data persistence settings
	Media       MediaConfig       `toml:"media"`       // FFmpeg settings used to cut audio segments
	Whisper     WhisperConfig     `toml:"whisper"`     // Primary speech-to-text model service
	Recognition RecognitionConfig `toml:"recognition"` // Secondary cloud recognition pass
	ILovePDF    ILovePDFConfig    `toml:"ilovepdf"`    // Document conversion service credentials and endpoint
	Conversion  ConversionConfig  `toml:"conversion"`  // Conversion output handling
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	MaxUploadMB        int      `toml:"max_upload_mb"`         // Largest accepted multipart upload in megabytes
	UploadDir          string   `toml:"upload_dir"`            // Where uploads are staged while a request is processed
	PublicBaseURL      string   `toml:"public_base_url"`       // Absolute base for output_url links (empty = derive from request)
	TrustProxyHeaders  bool     `toml:"trust_proxy_headers"`   // Honour X-Forwarded-* and X-Real-IP, only behind a reverse proxy
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type       string `toml:"type"`        // Storage backend type (currently only "sqlite" is supported)
	SQLitePath string `toml:"sqlite_path"` // Path of the SQLite database file
}

// MediaConfig contains FFmpeg settings
type MediaConfig struct {
	FFmpegPath  string `toml:"ffmpeg_path"`  // Path to FFmpeg executable
	FFprobePath string `toml:"ffprobe_path"` // Path to FFprobe executable
	SampleRate  int    `toml:"sample_rate"`  // Sample rate of extracted segments in Hz
}

// WhisperConfig contains settings for the primary transcription model.
// Any OpenAI-compatible transcription server works (faster-whisper-server, whisper.cpp server, LocalAI).
type WhisperConfig struct {
	BaseURL        string  `toml:"base_url"`        // OpenAI-compatible API base including /v1
	APIKey         string  `toml:"api_key"`         // Optional for local servers
	Model          string  `toml:"model"`           // Whisper model name (e.g., "base")
	Language       string  `toml:"language"`        // Transcription language (e.g., "vi")
	Prompt         string  `toml:"prompt"`          // Optional initial prompt
	Temperature    float32 `toml:"temperature"`     // Sampling temperature
	TimeoutSeconds int     `toml:"timeout_seconds"` // HTTP timeout for transcription requests
}

// RecognitionConfig contains settings for the per-segment cloud recognition pass
type RecognitionConfig struct {
	Enabled           bool   `toml:"enabled"`             // Disable to return primary model text as-is
	APIKey            string `toml:"api_key"`             // Gemini API key
	BaseURL           string `toml:"base_url"`            // Optional Gemini endpoint override
	Model             string `toml:"model"`               // Gemini model (e.g., "gemini-2.0-flash")
	Language          string `toml:"language"`            // BCP-47 language of the speech (e.g., "vi-VN")
	Concurrency       int    `toml:"concurrency"`         // Segments refined in parallel
	RequestsPerMinute int    `toml:"requests_per_minute"` // Pacing for cloud calls (0 = unlimited)
	TimeoutSeconds    int    `toml:"timeout_seconds"`     // Per-segment timeout
}

// ILovePDFConfig contains credentials and endpoint of the conversion service
type ILovePDFConfig struct {
	PublicKey      string `toml:"public_key"`      // Project public key (ILOVE_PDF_PUBLIC_KEY)
	SecretKey      string `toml:"secret_key"`      // Project secret key (ILOVE_PDF_SECRET_KEY), enables self-signed tokens
	BaseURL        string `toml:"base_url"`        // API base (default https://api.ilovepdf.com)
	TimeoutSeconds int    `toml:"timeout_seconds"` // HTTP timeout per request
	MaxRetries     int    `toml:"max_retries"`     // Retries per request on network errors, 429 and 5xx responses
}

// ConversionConfig contains settings for converted outputs
type ConversionConfig struct {
	OutputDir           string   `toml:"output_dir"`             // Where converted files are downloaded
	AllowedFromPDFTools []string `toml:"allowed_from_pdf_tools"` // Restricts conversion_type values (empty = any)
}

// Default returns the built-in configuration, matching the original service behavior
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8000,
			Host:               "0.0.0.0",
			CORSAllowedOrigins: []string{"*"},
			ReadTimeoutSecs:    60,
			WriteTimeoutSecs:   0,
			IdleTimeoutSecs:    120,
			MaxUploadMB:        512,
			UploadDir:          os.TempDir(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLitePath: "data/whisper-api.db",
		},
		Media: MediaConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			SampleRate:  16000,
		},
		Whisper: WhisperConfig{
			BaseURL:        "http://localhost:9000/v1",
			Model:          "base",
			Language:       "vi",
			TimeoutSeconds: 600,
		},
		Recognition: RecognitionConfig{
			Enabled:        true,
			Model:          "gemini-2.0-flash",
			Language:       "vi-VN",
			Concurrency:    4,
			TimeoutSeconds: 60,
		},
		ILovePDF: ILovePDFConfig{
			BaseURL:        "https://api.ilovepdf.com",
			TimeoutSeconds: 120,
			MaxRetries:     2,
		},
		Conversion: ConversionConfig{
			OutputDir: "data/outputs",
		},
	}
}

// Load loads the configuration from the specified file path on top of the defaults
func Load(path string) (*Config, error) {
	config := Default()

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference.
// When no file was explicitly requested and none is found, the built-in defaults are used.
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	found := false
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			found = true
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		if !found {
			lastErr = fmt.Errorf("config file not found: %s", path)
		}
	}

	if preferredPath == "" && !found {
		return Default(), nil
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// ApplyEnv overrides secrets and endpoints from environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ILOVE_PDF_PUBLIC_KEY"); v != "" {
		c.ILovePDF.PublicKey = v
	}
	if v := os.Getenv("ILOVE_PDF_SECRET_KEY"); v != "" {
		c.ILovePDF.SecretKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Recognition.APIKey = v
	}
	if v := os.Getenv("WHISPER_API_KEY"); v != "" {
		c.Whisper.APIKey = v
	}
	if v := os.Getenv("WHISPER_API_BASE"); v != "" {
		c.Whisper.BaseURL = v
	}
}

// Validate validates the configuration and fills in defaults for optional fields
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max_upload_mb: %d (must be > 0)", c.Server.MaxUploadMB)
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = os.TempDir()
	}
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate storage config
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("invalid storage type: %s (only 'sqlite' is supported)", c.Storage.Type)
	}
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required when storage type is sqlite")
	}

	if err := c.ValidateMedia(); err != nil {
		return err
	}
	if err := c.ValidateWhisper(); err != nil {
		return err
	}
	if err := c.ValidateRecognition(); err != nil {
		return err
	}
	if err := c.ValidateConversion(); err != nil {
		return err
	}

	return nil
}

// ValidateMedia validates the FFmpeg configuration
func (c *Config) ValidateMedia() error {
	if c.Media.FFmpegPath == "" {
		c.Media.FFmpegPath = "ffmpeg"
	}
	if c.Media.FFprobePath == "" {
		c.Media.FFprobePath = "ffprobe"
	}
	if c.Media.SampleRate == 0 {
		c.Media.SampleRate = 16000
	}
	if c.Media.SampleRate < 8000 || c.Media.SampleRate > 48000 {
		return fmt.Errorf("invalid media sample_rate: %d (must be between 8000 and 48000)", c.Media.SampleRate)
	}
	return nil
}

// ValidateWhisper validates the primary model configuration
func (c *Config) ValidateWhisper() error {
	if c.Whisper.BaseURL == "" {
		return fmt.Errorf("whisper base_url is required")
	}
	c.Whisper.BaseURL = strings.TrimRight(c.Whisper.BaseURL, "/")
	if c.Whisper.Model == "" {
		return fmt.Errorf("whisper model is required")
	}
	if c.Whisper.Temperature < 0 || c.Whisper.Temperature > 1 {
		return fmt.Errorf("invalid whisper temperature: %f (must be between 0 and 1)", c.Whisper.Temperature)
	}
	if c.Whisper.TimeoutSeconds <= 0 {
		c.Whisper.TimeoutSeconds = 600
	}
	return nil
}

// ValidateRecognition validates the cloud recognition configuration
func (c *Config) ValidateRecognition() error {
	if !c.Recognition.Enabled {
		return nil
	}
	if c.Recognition.APIKey == "" {
		return fmt.Errorf("recognition api_key (or GEMINI_API_KEY) is required when recognition is enabled")
	}
	if c.Recognition.Model == "" {
		return fmt.Errorf("recognition model is required when recognition is enabled")
	}
	if c.Recognition.Concurrency <= 0 {
		c.Recognition.Concurrency = 1
	}
	if c.Recognition.RequestsPerMinute < 0 {
		return fmt.Errorf("invalid recognition requests_per_minute: %d (must be >= 0)", c.Recognition.RequestsPerMinute)
	}
	if c.Recognition.TimeoutSeconds <= 0 {
		c.Recognition.TimeoutSeconds = 60
	}
	return nil
}

// ValidateConversion validates the conversion service configuration.
// Missing credentials are not an error: the conversion routes report it per request.
func (c *Config) ValidateConversion() error {
	if c.ILovePDF.BaseURL == "" {
		c.ILovePDF.BaseURL = "https://api.ilovepdf.com"
	}
	c.ILovePDF.BaseURL = strings.TrimRight(c.ILovePDF.BaseURL, "/")
	if c.ILovePDF.TimeoutSeconds <= 0 {
		c.ILovePDF.TimeoutSeconds = 120
	}
	if c.ILovePDF.MaxRetries < 0 {
		return fmt.Errorf("invalid ilovepdf max_retries: %d (must be >= 0)", c.ILovePDF.MaxRetries)
	}
	if c.Conversion.OutputDir == "" {
		c.Conversion.OutputDir = "data/outputs"
	}
	return nil
}

// ConversionEnabled reports whether conversion service credentials are configured
func (c *Config) ConversionEnabled() bool {
	return c.ILovePDF.PublicKey != ""
}
