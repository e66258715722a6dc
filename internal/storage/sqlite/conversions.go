package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/master9x68/whisper-api/pkg/logger"
)

// Conversion directions
const (
	DirectionToPDF   = "to_pdf"
	DirectionFromPDF = "from_pdf"
)

// ConversionRecord represents a conversion task submitted to the document service
type ConversionRecord struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id,omitempty"`
	Tool           string    `json:"tool"`
	Direction      string    `json:"direction"`
	SourceFilename string    `json:"source_filename"`
	OutputFile     string    `json:"output_file,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversionStorage handles storage of conversion records
type ConversionStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewConversionStorage creates a new SQLite conversion storage
func NewConversionStorage(db *sql.DB, log *logger.Logger) (*ConversionStorage, error) {
	storage := &ConversionStorage{
		db:     db,
		logger: log.Named("sqlite-conv"),
	}

	if err := storage.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversion storage: %w", err)
	}

	return storage, nil
}

func (s *ConversionStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversions (
			id TEXT PRIMARY KEY,
			task_id TEXT,
			tool TEXT NOT NULL,
			direction TEXT NOT NULL,
			source_filename TEXT NOT NULL,
			output_file TEXT,
			status TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create conversions table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_conversions_created_at ON conversions(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	return nil
}

// StoreConversion stores a conversion record
func (s *ConversionStorage) StoreConversion(record *ConversionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO conversions
		(id, task_id, tool, direction, source_filename, output_file, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.TaskID,
		record.Tool,
		record.Direction,
		record.SourceFilename,
		record.OutputFile,
		record.Status,
		record.Error,
		record.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversion: %w", err)
	}
	return nil
}

// GetConversions returns conversion records newest first
func (s *ConversionStorage) GetConversions(limit, offset int) ([]*ConversionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, tool, direction, source_filename, output_file, status, error, created_at
		FROM conversions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversions: %w", err)
	}
	defer rows.Close()

	records := make([]*ConversionRecord, 0)
	for rows.Next() {
		var record ConversionRecord
		var taskID, outputFile, errText sql.NullString
		var createdAt string

		if err := rows.Scan(
			&record.ID,
			&taskID,
			&record.Tool,
			&record.Direction,
			&record.SourceFilename,
			&outputFile,
			&record.Status,
			&errText,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}

		if record.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		record.TaskID = taskID.String
		record.OutputFile = outputFile.String
		record.Error = errText.String

		records = append(records, &record)
	}

	return records, rows.Err()
}
