package ilovepdf

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/master9x68/whisper-api/pkg/logger"
)

// fakeAPI is a minimal in-memory stand-in for the conversion REST API
type fakeAPI struct {
	t           *testing.T
	srv         *httptest.Server
	mu          sync.Mutex
	authCalls   int
	startCalls  int
	startFails  int32 // number of 503s to answer before succeeding
	uploadFails int32
	uploadCalls int32
	uploaded    map[string][]byte
	processBody map[string]any
	tokens      []string
	revoked     map[string]bool // tokens answered with 401
	output      []byte
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{
		t:        t,
		uploaded: map[string][]byte{},
		revoked:  map[string]bool{},
		output:   []byte("%PDF-1.7 converted"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PublicKey string `json:"public_key"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.authCalls++
		f.mu.Unlock()
		if body.PublicKey != "project_public_key" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"name":"Unauthorized","message":"Wrong public key","code":0,"status":401}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "issued-token"})
	})
	mux.HandleFunc("GET /v1/start/{tool}", func(w http.ResponseWriter, r *http.Request) {
		token := f.recordToken(r)
		f.mu.Lock()
		f.startCalls++
		revoked := f.revoked[token]
		f.mu.Unlock()
		if revoked {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"name":"Unauthorized","message":"Invalid token","code":0,"status":401}`))
			return
		}
		if atomic.AddInt32(&f.startFails, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.PathValue("tool") == "badtool" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"type":"StartException","message":"Invalid tool","code":"400"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"server": f.srv.URL, "task": "task-123"})
	})
	mux.HandleFunc("POST /v1/upload", func(w http.ResponseWriter, r *http.Request) {
		f.recordToken(r)
		atomic.AddInt32(&f.uploadCalls, 1)
		if atomic.AddInt32(&f.uploadFails, -1) >= 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.FormValue("task") != "task-123" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		f.mu.Lock()
		f.uploaded[header.Filename] = data
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"server_filename": "srv_" + header.Filename})
	})
	mux.HandleFunc("POST /v1/process", func(w http.ResponseWriter, r *http.Request) {
		f.recordToken(r)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.processBody = body
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"download_filename": "report.pdf",
			"filesize":          12,
			"output_filesize":   18,
			"output_filenumber": 1,
			"timer":             "0.512",
			"status":            "TaskSuccess",
		})
	})
	mux.HandleFunc("GET /v1/download/{task}", func(w http.ResponseWriter, r *http.Request) {
		f.recordToken(r)
		w.Header().Set("Content-Disposition", `attachment; filename="fromheader.pdf"`)
		w.Write(f.output)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) recordToken(r *http.Request) string {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return token
}

func newTestClient(t *testing.T, api *fakeAPI, secret string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		PublicKey:  "project_public_key",
		SecretKey:  secret,
		BaseURL:    api.srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	c.retryBackoff = time.Millisecond
	return c
}

func TestTaskLifecycle(t *testing.T) {
	api := newFakeAPI(t)
	client := newTestClient(t, api, "")

	input := filepath.Join(t.TempDir(), "report.docx")
	if err := os.WriteFile(input, []byte("docx bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	task, err := client.NewTask(ctx, "officepdf")
	if err != nil {
		t.Fatalf("NewTask() error: %v", err)
	}
	if task.ID != "task-123" {
		t.Errorf("task id = %q", task.ID)
	}

	if err := task.AddFile(ctx, input); err != nil {
		t.Fatalf("AddFile() error: %v", err)
	}
	if string(api.uploaded["report.docx"]) != "docx bytes" {
		t.Errorf("uploaded = %q", api.uploaded["report.docx"])
	}

	result, err := task.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.DownloadFilename != "report.pdf" || result.OutputFilenumber != 1 {
		t.Errorf("result = %+v", result)
	}
	if api.processBody["tool"] != "officepdf" || api.processBody["task"] != "task-123" {
		t.Errorf("process body = %v", api.processBody)
	}
	files, _ := api.processBody["files"].([]any)
	if len(files) != 1 || files[0].(map[string]any)["server_filename"] != "srv_report.docx" {
		t.Errorf("process files = %v", api.processBody["files"])
	}

	outDir := filepath.Join(t.TempDir(), "out")
	path, err := task.Download(ctx, outDir)
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if filepath.Dir(path) != outDir || !strings.HasSuffix(path, "-report.pdf") {
		t.Errorf("path = %q", path)
	}
	data, _ := os.ReadFile(path)
	if string(data) != string(api.output) {
		t.Errorf("output = %q", data)
	}

	// one auth call, token reused for all five requests
	if api.authCalls != 1 {
		t.Errorf("auth calls = %d, want 1", api.authCalls)
	}
	for _, tok := range api.tokens {
		if tok != "issued-token" {
			t.Errorf("request carried token %q", tok)
		}
	}
}

func TestRun(t *testing.T) {
	api := newFakeAPI(t)
	client := newTestClient(t, api, "secret_key")

	input := filepath.Join(t.TempDir(), "slides.pptx")
	if err := os.WriteFile(input, []byte("pptx"), 0o644); err != nil {
		t.Fatal(err)
	}

	taskID, path, err := client.Run(context.Background(), "officepdf", input, t.TempDir())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if taskID != "task-123" || !strings.HasSuffix(path, "-report.pdf") {
		t.Errorf("Run() = %q, %q", taskID, path)
	}

	if _, _, err := client.Run(context.Background(), "officepdf", filepath.Join(t.TempDir(), "missing"), t.TempDir()); err == nil {
		t.Error("expected error for a missing input file")
	}
}

func TestUploadRetriedOnServerError(t *testing.T) {
	api := newFakeAPI(t)
	api.uploadFails = 1
	client := newTestClient(t, api, "secret_key")

	input := filepath.Join(t.TempDir(), "scan.pdf")
	if err := os.WriteFile(input, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := client.Run(context.Background(), "pdfjpg", input, t.TempDir()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if n := atomic.LoadInt32(&api.uploadCalls); n != 2 {
		t.Errorf("upload calls = %d, want 2", n)
	}
	if string(api.uploaded["scan.pdf"]) != "%PDF-1.4" {
		t.Errorf("uploaded = %q", api.uploaded["scan.pdf"])
	}
}

func TestSelfSignedToken(t *testing.T) {
	api := newFakeAPI(t)
	client := newTestClient(t, api, "secret_key")
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	if _, err := client.NewTask(context.Background(), "pdfjpg"); err != nil {
		t.Fatal(err)
	}
	if api.authCalls != 0 {
		t.Errorf("auth endpoint called %d times with a secret key configured", api.authCalls)
	}

	parsed, err := jwt.Parse(api.tokens[0], func(tok *jwt.Token) (any, error) {
		return []byte("secret_key"), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return fixed }),
	)
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatalf("claims type = %T", parsed.Claims)
	}
	if claims["jti"] != "project_public_key" {
		t.Errorf("jti = %v", claims["jti"])
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || !exp.Time.Equal(fixed.Add(time.Hour)) {
		t.Errorf("exp = %v (%v)", exp, err)
	}

	if _, err := jwt.Parse(api.tokens[0], func(*jwt.Token) (any, error) {
		return []byte("other_secret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return fixed })); err == nil {
		t.Error("token verified with the wrong secret")
	}
}

func TestTokenCacheExpiry(t *testing.T) {
	api := newFakeAPI(t)
	client := newTestClient(t, api, "")
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.token(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if api.authCalls != 1 {
		t.Fatalf("auth calls = %d, want 1", api.authCalls)
	}

	now = now.Add(tokenLifetime - tokenRefreshMargin/2)
	if _, err := client.token(ctx); err != nil {
		t.Fatal(err)
	}
	if api.authCalls != 2 {
		t.Errorf("auth calls = %d, want a refresh near expiry", api.authCalls)
	}
}

func TestRejectedTokenIsRefreshed(t *testing.T) {
	tests := []struct {
		name          string
		revoked       []string
		wantErr       bool
		wantStarts    int
		wantAuthCalls int
	}{
		{name: "stale cached token", revoked: []string{"stale-token"}, wantStarts: 2, wantAuthCalls: 1},
		{name: "fresh token rejected too", revoked: []string{"stale-token", "issued-token"}, wantErr: true, wantStarts: 2, wantAuthCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t)
			for _, token := range tt.revoked {
				api.revoked[token] = true
			}
			client := newTestClient(t, api, "")
			client.tokens.set("stale-token", time.Now().Add(time.Hour))

			_, err := client.NewTask(context.Background(), "officepdf")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if api.startCalls != tt.wantStarts {
				t.Errorf("start calls = %d, want %d", api.startCalls, tt.wantStarts)
			}
			if api.authCalls != tt.wantAuthCalls {
				t.Errorf("auth calls = %d, want %d", api.authCalls, tt.wantAuthCalls)
			}
			if api.tokens[0] != "stale-token" || api.tokens[1] != "issued-token" {
				t.Errorf("tokens sent = %v", api.tokens)
			}

			var apiErr *APIError
			if tt.wantErr && (!errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized) {
				t.Errorf("error = %v, want 401 APIError", err)
			}
		})
	}
}

func TestRetryOnServerError(t *testing.T) {
	tests := []struct {
		name      string
		fails     int32
		wantErr   bool
		wantCalls int
	}{
		{name: "recovers", fails: 2, wantCalls: 3},
		{name: "gives up", fails: 5, wantErr: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t)
			api.startFails = tt.fails
			client := newTestClient(t, api, "secret_key")

			_, err := client.NewTask(context.Background(), "officepdf")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if api.startCalls != tt.wantCalls {
				t.Errorf("start calls = %d, want %d", api.startCalls, tt.wantCalls)
			}

			var apiErr *APIError
			if tt.wantErr && (!errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable) {
				t.Errorf("error = %v, want 503 APIError", err)
			}
		})
	}
}

func TestAPIErrors(t *testing.T) {
	api := newFakeAPI(t)

	t.Run("client error is not retried", func(t *testing.T) {
		client := newTestClient(t, api, "secret_key")
		_, err := client.NewTask(context.Background(), "badtool")

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("error = %v, want *APIError", err)
		}
		if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "Invalid tool" {
			t.Errorf("apiErr = %+v", apiErr)
		}
		if apiErr.Details == nil {
			t.Error("details should carry the response body")
		}
		if api.startCalls != 1 {
			t.Errorf("start calls = %d, want 1", api.startCalls)
		}
	})

	t.Run("bad public key", func(t *testing.T) {
		client, err := NewClient(Config{PublicKey: "wrong", BaseURL: api.srv.URL}, logger.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		_, err = client.NewTask(context.Background(), "officepdf")

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Wrong public key" {
			t.Errorf("error = %v", err)
		}
	})
}

func TestNewClientRequiresPublicKey(t *testing.T) {
	if _, err := NewClient(Config{}, logger.NewNop()); err == nil {
		t.Error("expected error without a public key")
	}
}

func TestExecuteWithoutFiles(t *testing.T) {
	task := &Task{ID: "t", Tool: "officepdf"}
	if _, err := task.Execute(context.Background()); err == nil {
		t.Error("expected error for a task without files")
	}
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		name        string
		result      *ProcessResult
		disposition string
		want        string
	}{
		{name: "from result", result: &ProcessResult{DownloadFilename: "a.pdf"}, want: "a.pdf"},
		{name: "from header", disposition: `attachment; filename="b.zip"`, want: "b.zip"},
		{name: "traversal stripped", result: &ProcessResult{DownloadFilename: "../../etc/passwd"}, want: "passwd"},
		{name: "windows separators", result: &ProcessResult{DownloadFilename: `..\..\x.pdf`}, want: "x.pdf"},
		{name: "fallback", want: "output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{Result: tt.result}
			if got := task.outputName(tt.disposition); got != tt.want {
				t.Errorf("outputName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServerURL(t *testing.T) {
	client, _ := NewClient(Config{PublicKey: "k", BaseURL: "http://localhost:9999/"}, logger.NewNop())

	tests := map[string]string{
		"api11.ilovepdf.com":         "http://api11.ilovepdf.com",
		"https://api2.ilovepdf.com/": "https://api2.ilovepdf.com",
	}
	for in, want := range tests {
		if got := client.serverURL(in); got != want {
			t.Errorf("serverURL(%q) = %q, want %q", in, got, want)
		}
	}
}
