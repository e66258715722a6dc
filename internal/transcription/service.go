package transcription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/master9x68/whisper-api/internal/ai"
	"github.com/master9x68/whisper-api/internal/media"
	"github.com/master9x68/whisper-api/internal/storage/sqlite"
	"github.com/master9x68/whisper-api/internal/websocket"
	"github.com/master9x68/whisper-api/pkg/logger"
)

// Service runs the primary transcription and the per-segment cloud refinement
type Service struct {
	transcriber ai.SegmentTranscriber
	recognizer  ai.SpeechRecognizer // nil disables refinement
	extractor   SegmentExtractor
	prober      MediaProber // optional
	events      EventPublisher
	store       RecordStore
	limiter     *rate.Limiter
	config      Config
	logger      *logger.Logger
	now         func() time.Time
}

// NewService creates a new transcription service
func NewService(
	transcriber ai.SegmentTranscriber,
	recognizer ai.SpeechRecognizer,
	extractor SegmentExtractor,
	prober MediaProber,
	events EventPublisher,
	store RecordStore,
	config Config,
	log *logger.Logger,
) *Service {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	var limiter *rate.Limiter
	if config.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), 1)
	}

	return &Service{
		transcriber: transcriber,
		recognizer:  recognizer,
		extractor:   extractor,
		prober:      prober,
		events:      events,
		store:       store,
		limiter:     limiter,
		config:      config,
		logger:      log.Named("transcription"),
		now:         time.Now,
	}
}

// RefinementEnabled reports whether segments go through the cloud recognizer
func (s *Service) RefinementEnabled() bool {
	return s.recognizer != nil && s.extractor != nil
}

// Process transcribes an uploaded media file. The returned segments keep the
// order of the primary model; each text is the cloud result when one was
// recognized and the primary model's text otherwise.
func (s *Service) Process(ctx context.Context, upload Upload) (*Result, error) {
	started := s.now()
	record := &sqlite.TranscriptionRecord{
		ID:        uuid.NewString(),
		Filename:  upload.Filename,
		CreatedAt: started,
		Language:  s.config.Language,
	}
	log := s.logger.With(logger.String("id", record.ID), logger.String("filename", upload.Filename))

	s.publish(websocket.MessageTypeTranscriptionStarted, map[string]any{
		"id":       record.ID,
		"filename": upload.Filename,
	})

	segments, err := s.transcriber.TranscribeSegments(ctx, upload.Path)
	if err != nil {
		err = fmt.Errorf("primary transcription failed: %w", err)
		record.Status = sqlite.StatusFailed
		record.Error = err.Error()
		record.DurationMs = s.now().Sub(started).Milliseconds()
		log.Warn("Transcription failed", logger.Error(err))
		s.persist(record)
		s.publish(websocket.MessageTypeTranscriptionFailed, map[string]any{
			"id":    record.ID,
			"error": record.Error,
		})
		return nil, err
	}

	s.clampToDuration(ctx, upload.Path, segments)

	result := &Result{ID: record.ID}
	if s.RefinementEnabled() && len(segments) > 0 {
		result.Segments, result.RefinedCount = s.refine(ctx, record.ID, upload.Path, segments)
	} else {
		result.Segments = passThrough(segments)
	}

	record.Status = sqlite.StatusCompleted
	record.Segments = result.Segments
	record.SegmentCount = len(result.Segments)
	record.RefinedCount = result.RefinedCount
	record.DurationMs = s.now().Sub(started).Milliseconds()
	s.persist(record)

	s.publish(websocket.MessageTypeTranscriptionCompleted, map[string]any{
		"id":            record.ID,
		"segment_count": record.SegmentCount,
		"refined_count": record.RefinedCount,
		"duration_ms":   record.DurationMs,
	})

	log.Info("Transcription completed",
		logger.Int("segments", record.SegmentCount),
		logger.Int("refined", record.RefinedCount),
		logger.Int64("duration_ms", record.DurationMs))

	return result, nil
}

// refine runs the cloud recognizer over every segment with bounded concurrency.
// Results are written by index so output order never depends on completion order.
func (s *Service) refine(ctx context.Context, jobID, path string, segments []ai.Segment) ([]ai.Segment, int) {
	out := make([]ai.Segment, len(segments))
	refined := make([]bool, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for i, segment := range segments {
		g.Go(func() error {
			text, ok := s.refineSegment(gctx, path, i, segment)
			out[i] = ai.Segment{Start: segment.Start, End: segment.End, Text: text}
			refined[i] = ok

			s.publish(websocket.MessageTypeSegmentRefined, map[string]any{
				"id":      jobID,
				"index":   i,
				"start":   segment.Start,
				"end":     segment.End,
				"text":    text,
				"refined": ok,
			})
			return nil
		})
	}
	// workers always return nil; a failed segment falls back to its primary text
	g.Wait()

	count := 0
	for _, ok := range refined {
		if ok {
			count++
		}
	}
	return out, count
}

// refineSegment returns the text for one segment and whether it came from the cloud pass
func (s *Service) refineSegment(ctx context.Context, path string, index int, segment ai.Segment) (string, bool) {
	fallback := segment.Text

	if segment.Duration() <= 0 {
		return fallback, false
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fallback, false
		}
	}

	clip, err := s.extractor.ExtractSegment(ctx, path, segment.Start, segment.End)
	if err != nil {
		s.logger.Warn("Failed to extract segment audio, keeping primary text",
			logger.Int("index", index),
			logger.Float64("start", segment.Start),
			logger.Float64("end", segment.End),
			logger.Error(err))
		return fallback, false
	}

	text, err := s.recognizer.Recognize(ctx, clip, media.WAVMimeType)
	switch {
	case errors.Is(err, ai.ErrUnrecognized):
		s.logger.Debug("Segment not recognized, keeping primary text", logger.Int("index", index))
		return fallback, false
	case err != nil:
		s.logger.Warn("Cloud recognition failed, keeping primary text",
			logger.Int("index", index),
			logger.Error(err))
		return fallback, false
	}

	return text, true
}

// clampToDuration trims segment ends that run past the end of the media.
// Probe failures are ignored since the segments are still usable.
func (s *Service) clampToDuration(ctx context.Context, path string, segments []ai.Segment) {
	if s.prober == nil || len(segments) == 0 {
		return
	}

	info, err := s.prober.Probe(ctx, path)
	if err != nil {
		s.logger.Debug("Media probe failed", logger.Error(err))
		return
	}
	if info.Duration <= 0 {
		return
	}

	for i := range segments {
		if segments[i].End > info.Duration {
			segments[i].End = info.Duration
		}
		if segments[i].Start > segments[i].End {
			segments[i].Start = segments[i].End
		}
	}
}

func (s *Service) persist(record *sqlite.TranscriptionRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.StoreTranscription(record); err != nil {
		s.logger.Error("Failed to store transcription",
			logger.String("id", record.ID),
			logger.Error(err))
	}
}

func (s *Service) publish(eventType string, data map[string]any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

func passThrough(segments []ai.Segment) []ai.Segment {
	out := make([]ai.Segment, len(segments))
	copy(out, segments)
	return out
}
