package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	c := Default()
	c.Recognition.APIKey = "gemini-test-key"
	return c
}

func TestDefaultValidates(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() on defaults: %v", err)
	}
	if c.Server.Port != 8000 {
		t.Errorf("default port = %d, want 8000", c.Server.Port)
	}
	if c.Whisper.Language != "vi" || c.Recognition.Language != "vi-VN" {
		t.Errorf("default languages = %q/%q", c.Whisper.Language, c.Recognition.Language)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad storage type",
			mutate:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: "invalid storage type",
		},
		{
			name:    "recognition without key",
			mutate:  func(c *Config) { c.Recognition.APIKey = "" },
			wantErr: "api_key",
		},
		{
			name: "recognition disabled without key",
			mutate: func(c *Config) {
				c.Recognition.Enabled = false
				c.Recognition.APIKey = ""
			},
		},
		{
			name:    "missing whisper base url",
			mutate:  func(c *Config) { c.Whisper.BaseURL = "" },
			wantErr: "base_url",
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.Media.SampleRate = 1000 },
			wantErr: "sample_rate",
		},
		{
			name:    "negative pacing",
			mutate:  func(c *Config) { c.Recognition.RequestsPerMinute = -1 },
			wantErr: "requests_per_minute",
		},
		{
			name:   "missing conversion credentials is allowed",
			mutate: func(c *Config) { c.ILovePDF.PublicKey = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	c := validConfig()
	c.Recognition.Concurrency = 0
	c.ILovePDF.BaseURL = "https://api.ilovepdf.com/"
	c.Whisper.BaseURL = "http://whisper:9000/v1/"
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Recognition.Concurrency != 1 {
		t.Errorf("concurrency = %d, want 1", c.Recognition.Concurrency)
	}
	if c.ILovePDF.BaseURL != "https://api.ilovepdf.com" {
		t.Errorf("ilovepdf base url = %q", c.ILovePDF.BaseURL)
	}
	if c.Whisper.BaseURL != "http://whisper:9000/v1" {
		t.Errorf("whisper base url = %q", c.Whisper.BaseURL)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[server]
port = 9090

[whisper]
model = "small"

[recognition]
enabled = false

[conversion]
allowed_from_pdf_tools = ["pdfjpg", "pdfa"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", c.Server.Port)
	}
	if c.Whisper.Model != "small" {
		t.Errorf("model = %q, want small", c.Whisper.Model)
	}
	// untouched keys keep their defaults
	if c.Whisper.Language != "vi" {
		t.Errorf("language = %q, want vi", c.Whisper.Language)
	}
	if c.Recognition.Enabled {
		t.Error("recognition should be disabled")
	}
	if len(c.Conversion.AllowedFromPDFTools) != 2 {
		t.Errorf("allowed tools = %v", c.Conversion.AllowedFromPDFTools)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadWithFallback(t *testing.T) {
	t.Run("explicit path missing", func(t *testing.T) {
		if _, err := LoadWithFallback(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
			t.Fatal("expected error when requested file is missing")
		}
	})

	t.Run("no file falls back to defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		c, err := LoadWithFallback("")
		if err != nil {
			t.Fatalf("LoadWithFallback() error: %v", err)
		}
		if c.Server.Port != 8000 {
			t.Errorf("port = %d, want default 8000", c.Server.Port)
		}
	})

	t.Run("broken file is reported", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		if err := os.WriteFile("config.toml", []byte("[server\nport="), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadWithFallback(""); err == nil {
			t.Fatal("expected decode error")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ILOVE_PDF_PUBLIC_KEY", "project_public_x")
	t.Setenv("ILOVE_PDF_SECRET_KEY", "secret_key_x")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("WHISPER_API_BASE", "http://gpu-box:8080/v1")

	c := Default()
	c.ApplyEnv()

	if c.ILovePDF.PublicKey != "project_public_x" || c.ILovePDF.SecretKey != "secret_key_x" {
		t.Errorf("ilovepdf keys = %q/%q", c.ILovePDF.PublicKey, c.ILovePDF.SecretKey)
	}
	if c.Recognition.APIKey != "g-key" {
		t.Errorf("gemini key = %q", c.Recognition.APIKey)
	}
	if c.Whisper.BaseURL != "http://gpu-box:8080/v1" {
		t.Errorf("whisper base = %q", c.Whisper.BaseURL)
	}
	if !c.ConversionEnabled() {
		t.Error("ConversionEnabled() = false with public key set")
	}
}
