package whisper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/master9x68/whisper-api/pkg/logger"
)

func writeMedia(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lecture.mp3")
	if err := os.WriteFile(path, []byte("ID3 fake audio"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribeSegments(t *testing.T) {
	var gotModel, gotLanguage, gotFormat, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		gotLanguage = r.FormValue("language")
		gotFormat = r.FormValue("response_format")
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"task":     "transcribe",
			"language": "vietnamese",
			"duration": 7.5,
			"text":     "xin chào các bạn hôm nay",
			"segments": []map[string]any{
				{"id": 0, "start": 0.0, "end": 3.2, "text": " xin chào các bạn "},
				{"id": 1, "start": 3.2, "end": 7.5, "text": " hôm nay"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:  srv.URL + "/v1/",
		APIKey:   "local-key",
		Model:    "base",
		Language: "vi",
	}, logger.NewNop())

	segments, err := c.TranscribeSegments(context.Background(), writeMedia(t))
	if err != nil {
		t.Fatalf("TranscribeSegments() error: %v", err)
	}

	if gotModel != "base" || gotLanguage != "vi" || gotFormat != "verbose_json" {
		t.Errorf("request fields model=%q language=%q format=%q", gotModel, gotLanguage, gotFormat)
	}
	if gotAuth != "Bearer local-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if segments[0].Text != "xin chào các bạn" {
		t.Errorf("segment 0 text = %q, want trimmed", segments[0].Text)
	}
	if segments[1].Start != 3.2 || segments[1].End != 7.5 {
		t.Errorf("segment 1 bounds = %v-%v", segments[1].Start, segments[1].End)
	}
}

func TestTranscribeSegmentsNoSpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"task":"transcribe","language":"vietnamese","duration":1.0,"text":"","segments":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "base"}, logger.NewNop())
	segments, err := c.TranscribeSegments(context.Background(), writeMedia(t))
	if err != nil {
		t.Fatal(err)
	}
	if segments == nil || len(segments) != 0 {
		t.Errorf("segments = %#v, want empty non-nil slice", segments)
	}
}

func TestTranscribeSegmentsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"model not loaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "base"}, logger.NewNop())
	if _, err := c.TranscribeSegments(context.Background(), writeMedia(t)); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestTranscribeSegmentsMissingFile(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1/v1", Model: "base"}, logger.NewNop())
	if _, err := c.TranscribeSegments(context.Background(), filepath.Join(t.TempDir(), "gone.wav")); err == nil {
		t.Fatal("expected error for missing media file")
	}
}
