package api

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/master9x68/whisper-api/pkg/logger"
)

// OutputFileHandler serves converted files from a single flat directory
type OutputFileHandler struct {
	outputDir string
	logger    *logger.Logger
}

// NewOutputFileHandler creates a new output file handler
func NewOutputFileHandler(outputDir string, logger *logger.Logger) *OutputFileHandler {
	return &OutputFileHandler{
		outputDir: outputDir,
		logger:    logger.Named("files-handler"),
	}
}

// ServeHTTP serves the file named by the {name} URL parameter as an attachment
func (h *OutputFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	// Only plain file names; anything with a separator or a leading dot is refused
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		h.logger.Warn("Rejected output file request", logger.String("requested_name", name))
		writeError(w, http.StatusBadRequest, "Invalid file name")
		return
	}

	absOutputDir, err := filepath.Abs(h.outputDir)
	if err != nil {
		h.logger.Error("Failed to get absolute path for output directory", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	fullPath := filepath.Join(absOutputDir, name)

	// Ensure the file is within the output directory (security check)
	if filepath.Dir(fullPath) != absOutputDir {
		h.logger.Warn("Attempted directory traversal attack",
			logger.String("requested_name", name),
			logger.String("full_path", fullPath))
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	fileInfo, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "File not found")
			return
		}
		h.logger.Error("Failed to stat file", logger.Error(err), logger.String("path", fullPath))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if fileInfo.IsDir() {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	h.logger.Debug("Serving output file", logger.String("file_path", fullPath))

	w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(name, `"`, "_")+`"`)
	http.ServeFile(w, r, fullPath)
}
