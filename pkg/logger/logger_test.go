package logger

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "console debug", cfg: Config{Level: "debug", Format: "console"}},
		{name: "json info", cfg: Config{Level: "info", Format: "json"}},
		{name: "defaults", cfg: Config{}},
		{name: "bad level", cfg: Config{Level: "verbose", Format: "json"}, wantErr: true},
		{name: "bad format", cfg: Config{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && l == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestNamedAndFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := (&Logger{zl: zap.New(core)}).Named("api")

	l.Warn("upload rejected", String("filename", "a.mp3"), Int("size", 3), Error(errors.New("boom")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "api" {
		t.Errorf("logger name = %q, want api", e.LoggerName)
	}
	ctx := e.ContextMap()
	if ctx["filename"] != "a.mp3" {
		t.Errorf("filename field = %v", ctx["filename"])
	}
	if ctx["error"] != "boom" {
		t.Errorf("error field = %v", ctx["error"])
	}
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := &Logger{zl: zap.New(core)}
	job := base.With(String("id", "job-1"))

	job.Info("first")
	job.Info("second", Int("segments", 2))
	base.Info("unrelated")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for _, e := range entries[:2] {
		if e.ContextMap()["id"] != "job-1" {
			t.Errorf("%q: id field = %v", e.Message, e.ContextMap()["id"])
		}
	}
	if _, ok := entries[2].ContextMap()["id"]; ok {
		t.Error("With leaked fields into the parent logger")
	}
}
