package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/master9x68/whisper-api/internal/config"
	"github.com/master9x68/whisper-api/internal/conversion"
	"github.com/master9x68/whisper-api/internal/conversion/ilovepdf"
	"github.com/master9x68/whisper-api/internal/storage/sqlite"
	"github.com/master9x68/whisper-api/internal/transcription"
	"github.com/master9x68/whisper-api/pkg/logger"
)

// Transcriber runs /process jobs
type Transcriber interface {
	Process(ctx context.Context, upload transcription.Upload) (*transcription.Result, error)
}

// Converter runs conversion tasks
type Converter interface {
	ConvertToPDF(ctx context.Context, upload conversion.Upload) (*conversion.Result, error)
	ConvertFromPDF(ctx context.Context, upload conversion.Upload, tool string) (*conversion.Result, error)
}

// TranscriptionHistory reads stored /process jobs
type TranscriptionHistory interface {
	GetTranscription(id string) (*sqlite.TranscriptionRecord, error)
	GetTranscriptions(limit, offset int) ([]*sqlite.TranscriptionRecord, error)
}

// ConversionHistory reads stored conversion tasks
type ConversionHistory interface {
	GetConversions(limit, offset int) ([]*sqlite.ConversionRecord, error)
}

// EventStream serves live job events
type EventStream interface {
	HandleConnection(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// Handler contains the API handlers
type Handler struct {
	transcriber    Transcriber
	converter      Converter // nil when conversion credentials are missing
	transcriptions TranscriptionHistory
	conversions    ConversionHistory
	events         EventStream
	config         *config.Config
	version        string
	logger         *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(transcriber Transcriber, converter Converter, transcriptions TranscriptionHistory, conversions ConversionHistory, events EventStream, config *config.Config, version string, logger *logger.Logger) *Handler {
	return &Handler{
		transcriber:    transcriber,
		converter:      converter,
		transcriptions: transcriptions,
		conversions:    conversions,
		events:         events,
		config:         config,
		version:        version,
		logger:         logger.Named("api-handler"),
	}
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":             "ok",
		"version":            h.version,
		"timestamp":          time.Now().UTC(),
		"conversion_enabled": h.converter != nil,
	}
	if h.events != nil {
		response["websocket_clients"] = h.events.ClientCount()
	}

	WriteJSON(w, http.StatusOK, response)
}

// ProcessMedia transcribes an uploaded audio or video file into timestamped segments
func (h *Handler) ProcessMedia(w http.ResponseWriter, r *http.Request) {
	upload, err := h.receiveUpload(w, r)
	if err != nil {
		h.writeUploadError(w, err, "No file uploaded")
		return
	}
	defer upload.cleanup()

	result, err := h.transcriber.Process(r.Context(), transcription.Upload{
		Path:     upload.Path,
		Filename: upload.Filename,
	})
	if err != nil {
		h.logger.Error("Transcription failed",
			logger.String("filename", upload.Filename),
			logger.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("X-Transcription-ID", result.ID)
	WriteJSON(w, http.StatusOK, result.Segments)
}

// ConvertToPDF converts an uploaded document or image to PDF
func (h *Handler) ConvertToPDF(w http.ResponseWriter, r *http.Request) {
	if h.converter == nil {
		writeError(w, http.StatusServiceUnavailable, "Conversion service is not configured")
		return
	}

	upload, err := h.receiveUpload(w, r)
	if err != nil {
		h.writeUploadError(w, err, "No file uploaded")
		return
	}
	defer upload.cleanup()

	result, err := h.converter.ConvertToPDF(r.Context(), conversion.Upload{
		Path:     upload.Path,
		Filename: upload.Filename,
	})
	if err != nil {
		h.writeConversionError(w, err)
		return
	}

	h.writeConversionResult(w, r, result)
}

// ConvertFromPDF converts an uploaded PDF using the tool named by the conversion_type form field
func (h *Handler) ConvertFromPDF(w http.ResponseWriter, r *http.Request) {
	if h.converter == nil {
		writeError(w, http.StatusServiceUnavailable, "Conversion service is not configured")
		return
	}

	upload, err := h.receiveUpload(w, r, "conversion_type")
	if err != nil {
		h.writeUploadError(w, err, "No file or conversion type provided")
		return
	}
	defer upload.cleanup()

	result, err := h.converter.ConvertFromPDF(r.Context(), conversion.Upload{
		Path:     upload.Path,
		Filename: upload.Filename,
	}, upload.Fields["conversion_type"])
	if err != nil {
		h.writeConversionError(w, err)
		return
	}

	h.writeConversionResult(w, r, result)
}

func (h *Handler) writeConversionResult(w http.ResponseWriter, r *http.Request, result *conversion.Result) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"message":     "Conversion successful",
		"output_file": result.OutputFile,
		"output_url":  h.absoluteURL(r, result.OutputURL),
		"task_id":     result.TaskID,
		"tool":        result.Tool,
	})
}

// writeConversionError maps conversion failures onto HTTP responses.
// Upstream errors keep their status code and details.
func (h *Handler) writeConversionError(w http.ResponseWriter, err error) {
	var apiErr *ilovepdf.APIError
	switch {
	case errors.As(err, &apiErr):
		status := apiErr.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		response := map[string]any{"error": apiErr.Message}
		if apiErr.Details != nil {
			response["details"] = apiErr.Details
		}
		WriteJSON(w, status, response)
	case errors.Is(err, conversion.ErrToolNotAllowed):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// absoluteURL resolves a root-relative URL against the request host.
// Forwarded headers are only honoured when the server sits behind a trusted proxy.
func (h *Handler) absoluteURL(r *http.Request, u string) string {
	if !strings.HasPrefix(u, "/") {
		return u
	}
	scheme, host := "http", r.Host
	if r.TLS != nil {
		scheme = "https"
	}
	if h.config != nil && h.config.Server.TrustProxyHeaders {
		if proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); proto == "http" || proto == "https" {
			scheme = proto
		}
		fwd, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Host"), ",")
		if fwd = strings.TrimSpace(fwd); fwd != "" && !strings.ContainsAny(fwd, "/\\ @") {
			host = fwd
		}
	}
	return scheme + "://" + host + u
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
