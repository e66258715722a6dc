package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/master9x68/whisper-api/internal/ai"
	"github.com/master9x68/whisper-api/pkg/logger"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// timeLayout is fixed width so that text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Transcription job statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TranscriptionRecord represents a /process job in the database
type TranscriptionRecord struct {
	ID           string       `json:"id"`
	Filename     string       `json:"filename"`
	CreatedAt    time.Time    `json:"created_at"`
	Status       string       `json:"status"`
	Language     string       `json:"language"`
	SegmentCount int          `json:"segment_count"`
	RefinedCount int          `json:"refined_count"` // segments whose text came from the cloud pass
	DurationMs   int64        `json:"duration_ms"`
	Error        string       `json:"error,omitempty"`
	Segments     []ai.Segment `json:"segments,omitempty"`
}

// TranscriptionStorage handles storage of transcription records
type TranscriptionStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTranscriptionStorage creates a new SQLite transcription storage
func NewTranscriptionStorage(db *sql.DB, log *logger.Logger) (*TranscriptionStorage, error) {
	storage := &TranscriptionStorage{
		db:     db,
		logger: log.Named("sqlite-tx"),
	}

	// Initialize database
	if err := storage.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize transcription storage: %w", err)
	}

	return storage, nil
}

// initDB initializes the database tables
func (s *TranscriptionStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcriptions (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			created_at TEXT NOT NULL,
			status TEXT NOT NULL,
			language TEXT,
			segment_count INTEGER NOT NULL DEFAULT 0,
			refined_count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			segments TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create transcriptions table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transcriptions_created_at ON transcriptions(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	return nil
}

// StoreTranscription stores a transcription record
func (s *TranscriptionStorage) StoreTranscription(record *TranscriptionRecord) error {
	segments, err := json.Marshal(record.Segments)
	if err != nil {
		return fmt.Errorf("failed to encode segments: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO transcriptions
		(id, filename, created_at, status, language, segment_count, refined_count, duration_ms, error, segments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Filename,
		record.CreatedAt.UTC().Format(timeLayout),
		record.Status,
		record.Language,
		record.SegmentCount,
		record.RefinedCount,
		record.DurationMs,
		record.Error,
		string(segments),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transcription: %w", err)
	}

	return nil
}

// GetTranscription returns one transcription including its segments
func (s *TranscriptionStorage) GetTranscription(id string) (*TranscriptionRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, filename, created_at, status, language, segment_count, refined_count, duration_ms, error, segments
		FROM transcriptions
		WHERE id = ?`,
		id,
	)

	var record TranscriptionRecord
	var createdAt string
	var language, errText, segments sql.NullString
	err := row.Scan(
		&record.ID,
		&record.Filename,
		&createdAt,
		&record.Status,
		&language,
		&record.SegmentCount,
		&record.RefinedCount,
		&record.DurationMs,
		&errText,
		&segments,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transcription: %w", err)
	}

	if record.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	record.Language = language.String
	record.Error = errText.String
	if segments.Valid && segments.String != "" && segments.String != "null" {
		if err := json.Unmarshal([]byte(segments.String), &record.Segments); err != nil {
			return nil, fmt.Errorf("failed to decode segments: %w", err)
		}
	}

	return &record, nil
}

// GetTranscriptions returns transcriptions newest first, without their segments
func (s *TranscriptionStorage) GetTranscriptions(limit, offset int) ([]*TranscriptionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, filename, created_at, status, language, segment_count, refined_count, duration_ms, error
		FROM transcriptions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcriptions: %w", err)
	}
	defer rows.Close()

	records := make([]*TranscriptionRecord, 0)
	for rows.Next() {
		var record TranscriptionRecord
		var createdAt string
		var language, errText sql.NullString

		if err := rows.Scan(
			&record.ID,
			&record.Filename,
			&createdAt,
			&record.Status,
			&language,
			&record.SegmentCount,
			&record.RefinedCount,
			&record.DurationMs,
			&errText,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transcription: %w", err)
		}

		if record.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		record.Language = language.String
		record.Error = errText.String

		records = append(records, &record)
	}

	return records, rows.Err()
}
