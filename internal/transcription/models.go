package transcription

import (
	"context"

	"github.com/master9x68/whisper-api/internal/ai"
	"github.com/master9x68/whisper-api/internal/media"
	"github.com/master9x68/whisper-api/internal/storage/sqlite"
)

// Config represents the configuration for the transcription service
type Config struct {
	Language          string // recorded with each job
	Concurrency       int    // parallel cloud recognition calls
	RequestsPerMinute int    // 0 disables pacing
}

// Upload is a media file saved from a request
type Upload struct {
	Path     string // where the file was saved on disk
	Filename string // client supplied name, for records only
}

// Result is the outcome of a /process job
type Result struct {
	ID           string
	Segments     []ai.Segment
	RefinedCount int
}

// SegmentExtractor cuts an audio clip out of a media file
type SegmentExtractor interface {
	ExtractSegment(ctx context.Context, path string, start, end float64) ([]byte, error)
}

// MediaProber reports media duration
type MediaProber interface {
	Probe(ctx context.Context, path string) (*media.Info, error)
}

// EventPublisher receives job events
type EventPublisher interface {
	Publish(eventType string, data map[string]any)
}

// RecordStore persists finished jobs
type RecordStore interface {
	StoreTranscription(record *sqlite.TranscriptionRecord) error
}
