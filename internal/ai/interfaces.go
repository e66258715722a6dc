package ai

import (
	"context"
	"errors"
)

// ErrUnrecognized is returned by a SpeechRecognizer when the audio holds no recognizable speech
var ErrUnrecognized = errors.New("speech could not be recognized")

// Segment is a time-bounded span of transcribed speech.
// Start and End are offsets in seconds from the beginning of the media.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Duration returns the segment length in seconds
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// SegmentTranscriber defines the primary speech-to-text pass over a whole media file
type SegmentTranscriber interface {
	// TranscribeSegments returns the model's segments in the order the model produced them
	TranscribeSegments(ctx context.Context, mediaPath string) ([]Segment, error)
}

// SpeechRecognizer defines the secondary recognition pass over a single audio clip
type SpeechRecognizer interface {
	// Recognize returns the recognized text, or ErrUnrecognized when the clip holds no speech
	Recognize(ctx context.Context, audio []byte, mimeType string) (string, error)
}
