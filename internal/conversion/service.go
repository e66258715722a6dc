package conversion

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/master9x68/whisper-api/internal/storage/sqlite"
	"github.com/master9x68/whisper-api/internal/websocket"
	"github.com/master9x68/whisper-api/pkg/logger"
)

// FilesRoute is where converted outputs are served from
const FilesRoute = "/files/"

// ErrToolNotAllowed is returned when a conversion type is outside the configured allowlist
var ErrToolNotAllowed = errors.New("conversion type not allowed")

// Tools used for conversions to PDF
const (
	ToolOfficePDF = "officepdf"
	ToolImagePDF  = "imagepdf"
	ToolHTMLPDF   = "htmlpdf"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// TaskRunner runs one conversion task end to end
type TaskRunner interface {
	Run(ctx context.Context, tool, inputPath, outputDir string) (taskID string, outputPath string, err error)
}

// EventPublisher receives task events
type EventPublisher interface {
	Publish(eventType string, data map[string]any)
}

// RecordStore persists conversion tasks
type RecordStore interface {
	StoreConversion(record *sqlite.ConversionRecord) error
}

// Config represents the configuration for the conversion service
type Config struct {
	OutputDir           string
	PublicBaseURL       string   // prefix for output URLs, empty for relative URLs
	AllowedFromPDFTools []string // empty allows any tool
}

// Upload is a file saved from a request
type Upload struct {
	Path     string
	Filename string
}

// Result describes a finished conversion
type Result struct {
	TaskID     string `json:"task_id"`
	Tool       string `json:"tool"`
	OutputFile string `json:"output_file"`
	OutputURL  string `json:"output_url"`
}

// Service converts documents through the conversion API
type Service struct {
	runner TaskRunner
	events EventPublisher
	store  RecordStore
	config Config
	logger *logger.Logger
}

// NewService creates a new conversion service
func NewService(runner TaskRunner, events EventPublisher, store RecordStore, config Config, log *logger.Logger) *Service {
	return &Service{
		runner: runner,
		events: events,
		store:  store,
		config: config,
		logger: log.Named("conversion"),
	}
}

// ToPDFTool picks the tool for converting a file to PDF from its extension
func ToPDFTool(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case imageExtensions[ext]:
		return ToolImagePDF
	case ext == ".html" || ext == ".htm":
		return ToolHTMLPDF
	default:
		return ToolOfficePDF
	}
}

// ConvertToPDF converts an uploaded document or image to PDF
func (s *Service) ConvertToPDF(ctx context.Context, upload Upload) (*Result, error) {
	return s.convert(ctx, upload, ToPDFTool(upload.Filename), sqlite.DirectionToPDF)
}

// ConvertFromPDF converts an uploaded PDF with the given tool, e.g. pdfjpg or pdfoffice
func (s *Service) ConvertFromPDF(ctx context.Context, upload Upload, tool string) (*Result, error) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return nil, errors.New("conversion type is required")
	}
	if len(s.config.AllowedFromPDFTools) > 0 && !slices.Contains(s.config.AllowedFromPDFTools, tool) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotAllowed, tool)
	}
	return s.convert(ctx, upload, tool, sqlite.DirectionFromPDF)
}

func (s *Service) convert(ctx context.Context, upload Upload, tool, direction string) (*Result, error) {
	record := &sqlite.ConversionRecord{
		ID:             uuid.NewString(),
		Tool:           tool,
		Direction:      direction,
		SourceFilename: upload.Filename,
		CreatedAt:      time.Now(),
	}

	taskID, outputPath, err := s.runner.Run(ctx, tool, upload.Path, s.config.OutputDir)
	record.TaskID = taskID
	if err != nil {
		record.Status = sqlite.StatusFailed
		record.Error = err.Error()
		s.persist(record)
		s.publish(websocket.MessageTypeConversionFailed, map[string]any{
			"id":        record.ID,
			"tool":      tool,
			"direction": direction,
			"error":     record.Error,
		})
		s.logger.Warn("Conversion failed",
			logger.String("tool", tool),
			logger.String("filename", upload.Filename),
			logger.Error(err))
		return nil, err
	}

	result := &Result{
		TaskID:     taskID,
		Tool:       tool,
		OutputFile: outputPath,
		OutputURL:  s.OutputURL(outputPath),
	}

	record.Status = sqlite.StatusCompleted
	record.OutputFile = outputPath
	s.persist(record)
	s.publish(websocket.MessageTypeConversionCompleted, map[string]any{
		"id":         record.ID,
		"task_id":    taskID,
		"tool":       tool,
		"direction":  direction,
		"output_url": result.OutputURL,
	})

	s.logger.Info("Conversion completed",
		logger.String("tool", tool),
		logger.String("filename", upload.Filename),
		logger.String("output", outputPath))

	return result, nil
}

// OutputURL returns the download URL for an output file
func (s *Service) OutputURL(outputPath string) string {
	path := FilesRoute + url.PathEscape(filepath.Base(outputPath))
	if s.config.PublicBaseURL == "" {
		return path
	}
	return strings.TrimRight(s.config.PublicBaseURL, "/") + path
}

func (s *Service) persist(record *sqlite.ConversionRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.StoreConversion(record); err != nil {
		s.logger.Error("Failed to store conversion",
			logger.String("id", record.ID),
			logger.Error(err))
	}
}

func (s *Service) publish(eventType string, data map[string]any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}
