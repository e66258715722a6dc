package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/master9x68/whisper-api/pkg/logger"
)

const (
	multipartMemory = 32 << 20
	maxNameRunes    = 100
)

var (
	errMissingUpload = errors.New("missing upload")
	errUploadTooBig  = errors.New("upload exceeds size limit")
)

// savedUpload is a multipart file written to the upload directory
type savedUpload struct {
	Path     string
	Filename string
	Fields   map[string]string
	cleanup  func()
}

// receiveUpload saves the "file" part of a multipart request under a generated
// name in the upload directory. Every name in required must be a non-empty
// form field. The caller must call cleanup once done with the file.
func (h *Handler) receiveUpload(w http.ResponseWriter, r *http.Request, required ...string) (*savedUpload, error) {
	if limit := int64(h.config.Server.MaxUploadMB) << 20; limit > 0 {
		if r.ContentLength > limit {
			return nil, errUploadTooBig
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			return nil, errUploadTooBig
		}
		return nil, fmt.Errorf("%w: %v", errMissingUpload, err)
	}
	removeForm := func() {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}

	fields := make(map[string]string, len(required))
	for _, name := range required {
		value := strings.TrimSpace(r.FormValue(name))
		if value == "" {
			removeForm()
			return nil, fmt.Errorf("%w: form field %s", errMissingUpload, name)
		}
		fields[name] = value
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		removeForm()
		return nil, fmt.Errorf("%w: %v", errMissingUpload, err)
	}
	defer file.Close()

	if err := os.MkdirAll(h.config.Server.UploadDir, 0o755); err != nil {
		removeForm()
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	filename := sanitizeFilename(header.Filename)
	path := filepath.Join(h.config.Server.UploadDir, uuid.NewString()+"_"+filename)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		removeForm()
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		removeForm()
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		removeForm()
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}

	h.logger.Debug("Upload saved",
		logger.String("filename", header.Filename),
		logger.String("path", path),
		logger.Int64("size", header.Size))

	return &savedUpload{
		Path:     path,
		Filename: filename,
		Fields:   fields,
		cleanup: func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				h.logger.Warn("Failed to remove upload", logger.String("path", path), logger.Error(err))
			}
			removeForm()
		},
	}, nil
}

func (h *Handler) writeUploadError(w http.ResponseWriter, err error, missingMessage string) {
	switch {
	case errors.Is(err, errUploadTooBig):
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Upload exceeds the %d MB limit", h.config.Server.MaxUploadMB))
	case errors.Is(err, errMissingUpload):
		h.logger.Debug("Rejected upload", logger.Error(err))
		writeError(w, http.StatusBadRequest, missingMessage)
	default:
		h.logger.Error("Failed to receive upload", logger.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// sanitizeFilename reduces a client supplied name to a safe base name.
// Letters (including accented ones), digits, dot, dash and underscore are kept;
// everything else becomes an underscore.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsMark(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	clean := strings.TrimLeft(b.String(), ".")
	if clean == "" || strings.Trim(clean, "_") == "" {
		return "upload"
	}

	if utf8.RuneCountInString(clean) > maxNameRunes {
		ext := filepath.Ext(clean)
		if utf8.RuneCountInString(ext) > 16 {
			ext = ""
		}
		runes := []rune(strings.TrimSuffix(clean, ext))
		clean = string(runes[:maxNameRunes-utf8.RuneCountInString(ext)]) + ext
	}
	return clean
}
