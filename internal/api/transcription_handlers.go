package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/master9x68/whisper-api/internal/storage/sqlite"
	"github.com/master9x68/whisper-api/pkg/logger"
)

const maxPageSize = 500

// HandleWebSocket handles WebSocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("WebSocket connection request received", logger.String("remote_addr", r.RemoteAddr))

	h.events.HandleConnection(w, r)
}

// GetAllTranscriptions returns past /process jobs with pagination
func (h *Handler) GetAllTranscriptions(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaginationParams(r)

	transcriptions, err := h.transcriptions.GetTranscriptions(limit, offset)
	if err != nil {
		h.logger.Error("Failed to retrieve transcriptions", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve transcriptions")
		return
	}

	response := map[string]any{
		"timestamp":      time.Now(),
		"count":          len(transcriptions),
		"limit":          limit,
		"offset":         offset,
		"transcriptions": transcriptions,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetTranscription returns one job including its segments
func (h *Handler) GetTranscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing transcription ID")
		return
	}

	record, err := h.transcriptions.GetTranscription(id)
	if errors.Is(err, sqlite.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Transcription not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to retrieve transcription", logger.String("id", id), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve transcription")
		return
	}

	WriteJSON(w, http.StatusOK, record)
}

// GetAllConversions returns past conversion tasks with pagination
func (h *Handler) GetAllConversions(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaginationParams(r)

	conversions, err := h.conversions.GetConversions(limit, offset)
	if err != nil {
		h.logger.Error("Failed to retrieve conversions", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve conversions")
		return
	}

	response := map[string]any{
		"timestamp":   time.Now(),
		"count":       len(conversions),
		"limit":       limit,
		"offset":      offset,
		"conversions": conversions,
	}

	WriteJSON(w, http.StatusOK, response)
}

// Helper functions
func parsePaginationParams(r *http.Request) (int, int) {
	limit := 100 // Default limit
	offset := 0  // Default offset

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, maxPageSize)
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}
