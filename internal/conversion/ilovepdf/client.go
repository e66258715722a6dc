package ilovepdf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/master9x68/whisper-api/pkg/logger"
)

// DefaultBaseURL is the public API endpoint
const DefaultBaseURL = "https://api.ilovepdf.com"

// Config holds the client configuration
type Config struct {
	PublicKey  string
	SecretKey  string // optional; without it tokens come from the auth endpoint
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// APIError is returned for non-2xx responses
type APIError struct {
	StatusCode int
	Message    string
	Details    any
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ilovepdf: unexpected status code %d", e.StatusCode)
	}
	return fmt.Sprintf("ilovepdf: %s (status %d)", e.Message, e.StatusCode)
}

// Client talks to the document conversion REST API
type Client struct {
	config       Config
	baseURL      string
	httpClient   *http.Client
	tokens       tokenCache
	retryBackoff time.Duration
	logger       *logger.Logger
	now          func() time.Time
}

// NewClient creates a new API client
func NewClient(config Config, log *logger.Logger) (*Client, error) {
	if config.PublicKey == "" {
		return nil, errors.New("public key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	return &Client{
		config:  config,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryBackoff: 500 * time.Millisecond,
		logger:       log.Named("ilovepdf"),
		now:          time.Now,
	}, nil
}

// Task is a conversion task bound to the server the API assigned to it
type Task struct {
	ID     string
	Tool   string
	Result *ProcessResult

	client *Client
	server string
	files  []taskFile
}

type taskFile struct {
	ServerFilename string `json:"server_filename"`
	Filename       string `json:"filename"`
}

// ProcessResult is the response of the process call
type ProcessResult struct {
	DownloadFilename string `json:"download_filename"`
	Filesize         int64  `json:"filesize"`
	OutputFilesize   int64  `json:"output_filesize"`
	OutputFilenumber int    `json:"output_filenumber"`
	Timer            string `json:"timer"`
	Status           string `json:"status"`
}

// NewTask starts a task for the given tool, e.g. officepdf or pdfjpg
func (c *Client) NewTask(ctx context.Context, tool string) (*Task, error) {
	if tool == "" {
		return nil, errors.New("tool is required")
	}

	resp, err := c.do(ctx, "start", http.MethodGet, c.baseURL+"/v1/start/"+url.PathEscape(tool), "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s task: %w", tool, err)
	}
	defer resp.Body.Close()

	var out struct {
		Server string `json:"server"`
		Task   string `json:"task"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("error decoding start response: %w", err)
	}
	if out.Server == "" || out.Task == "" {
		return nil, fmt.Errorf("start response missing server or task")
	}

	c.logger.Debug("Task started",
		logger.String("tool", tool),
		logger.String("task", out.Task),
		logger.String("server", out.Server))

	return &Task{
		ID:     out.Task,
		Tool:   tool,
		client: c,
		server: c.serverURL(out.Server),
	}, nil
}

// Run converts one file with the given tool and downloads the output into outputDir.
// It returns the task ID and the path of the downloaded file.
func (c *Client) Run(ctx context.Context, tool, inputPath, outputDir string) (string, string, error) {
	task, err := c.NewTask(ctx, tool)
	if err != nil {
		return "", "", err
	}
	if err := task.AddFile(ctx, inputPath); err != nil {
		return task.ID, "", err
	}
	if _, err := task.Execute(ctx); err != nil {
		return task.ID, "", err
	}
	outputPath, err := task.Download(ctx, outputDir)
	if err != nil {
		return task.ID, "", err
	}

	c.logger.Info("Task completed",
		logger.String("tool", tool),
		logger.String("task", task.ID),
		logger.String("output", outputPath))
	return task.ID, outputPath, nil
}

// serverURL turns the assigned server host into a base URL using the scheme of the configured endpoint
func (c *Client) serverURL(server string) string {
	if strings.Contains(server, "://") {
		return strings.TrimRight(server, "/")
	}
	scheme := "https"
	if u, err := url.Parse(c.baseURL); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	return scheme + "://" + strings.TrimRight(server, "/")
}

// AddFile uploads a local file to the task
func (t *Task) AddFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("task", t.ID); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := t.client.do(ctx, "upload", http.MethodPost, t.server+"/v1/upload", mw.FormDataContentType(), body.Bytes())
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		ServerFilename string `json:"server_filename"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("error decoding upload response: %w", err)
	}
	if out.ServerFilename == "" {
		return fmt.Errorf("upload response missing server_filename")
	}

	t.files = append(t.files, taskFile{ServerFilename: out.ServerFilename, Filename: filepath.Base(path)})
	return nil
}

// Execute processes the uploaded files
func (t *Task) Execute(ctx context.Context) (*ProcessResult, error) {
	if len(t.files) == 0 {
		return nil, errors.New("no files added to task")
	}

	body, err := json.Marshal(map[string]any{
		"task":  t.ID,
		"tool":  t.Tool,
		"files": t.files,
	})
	if err != nil {
		return nil, err
	}

	resp, err := t.client.do(ctx, "process", http.MethodPost, t.server+"/v1/process", "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("failed to process task: %w", err)
	}
	defer resp.Body.Close()

	var result ProcessResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("error decoding process response: %w", err)
	}
	t.Result = &result
	return &result, nil
}

// Download writes the task output into dir and returns the file path.
// The file name keeps the output name behind a random prefix so concurrent
// tasks never overwrite each other.
func (t *Task) Download(ctx context.Context, dir string) (string, error) {
	resp, err := t.client.do(ctx, "download", http.MethodGet, t.server+"/v1/download/"+url.PathEscape(t.ID), "", nil)
	if err != nil {
		return "", fmt.Errorf("failed to download output: %w", err)
	}
	defer resp.Body.Close()

	name := t.outputName(resp.Header.Get("Content-Disposition"))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	out, err := os.CreateTemp(dir, "*-"+name)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to write output file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to write output file: %w", err)
	}

	return out.Name(), nil
}

// outputName picks a safe file name for the downloaded output
func (t *Task) outputName(contentDisposition string) string {
	var name string
	if t.Result != nil {
		name = t.Result.DownloadFilename
	}
	if name == "" && contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			name = params["filename"]
		}
	}

	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		name = "output"
	}
	return strings.ReplaceAll(name, "*", "_")
}

// do sends an authenticated request. A 401 from the endpoint drops the cached
// token and the request is sent once more with a fresh one.
func (c *Client) do(ctx context.Context, op, method, target, contentType string, body []byte) (*http.Response, error) {
	var tokenFailed bool
	build := func() (*http.Request, error) {
		token, err := c.token(ctx)
		if err != nil {
			tokenFailed = true
			return nil, fmt.Errorf("failed to obtain token: %w", err)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	}

	resp, err := c.doWithRetry(ctx, op, build)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized && !tokenFailed {
		c.tokens.invalidate()
		c.logger.Info("API token rejected, retrying with a fresh token", logger.String("op", op))
		resp, err = c.doWithRetry(ctx, op, build)
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			c.tokens.invalidate()
		}
	}
	return resp, err
}

// doWithRetry performs an HTTP request with retry logic and exponential backoff.
// Transport errors, 429 and 5xx responses are retried; other non-2xx responses
// are returned as *APIError at once.
func (c *Client) doWithRetry(ctx context.Context, op string, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoffDuration := c.retryBackoff * time.Duration(1<<uint(attempt-1))
			c.logger.Info("Retrying API request",
				logger.String("op", op),
				logger.Int("attempt", attempt),
				logger.String("backoff", backoffDuration.String()))

			timer := time.NewTimer(backoffDuration)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("error making request: %w", err)
			c.logger.Warn("API request failed, may retry",
				logger.String("op", op),
				logger.Error(err),
				logger.Int("attempt", attempt+1),
				logger.Int("max_attempts", c.config.MaxRetries+1))
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		apiErr := readAPIError(resp)
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return nil, apiErr
		}

		lastErr = apiErr
		c.logger.Warn("API returned retryable status",
			logger.String("op", op),
			logger.Int("status_code", resp.StatusCode),
			logger.Int("attempt", attempt+1),
			logger.Int("max_attempts", c.config.MaxRetries+1))
	}

	c.logger.Error("All attempts failed",
		logger.String("op", op),
		logger.Error(lastErr),
		logger.Int("max_attempts", c.config.MaxRetries+1))
	return nil, lastErr
}

// readAPIError consumes and closes the body of a failed response
func readAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode}

	var parsed struct {
		Name    string          `json:"name"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		var details any
		_ = json.Unmarshal(raw, &details)
		apiErr.Details = details

		var nested struct {
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(parsed.Error, &nested) == nil && nested.Message != "":
			apiErr.Message = nested.Message
		case json.Unmarshal(parsed.Error, &flat) == nil && flat != "":
			apiErr.Message = flat
		case parsed.Message != "":
			apiErr.Message = parsed.Message
		case parsed.Name != "":
			apiErr.Message = parsed.Name
		}
	} else if text := strings.TrimSpace(string(raw)); text != "" {
		apiErr.Details = text
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
