package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/master9x68/whisper-api/internal/config"
	"github.com/master9x68/whisper-api/pkg/logger"
)

// Router builds the HTTP routes
type Router struct {
	handler *Handler
	files   *OutputFileHandler
	config  *config.Config
	logger  *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(handler *Handler, cfg *config.Config, log *logger.Logger) *Router {
	return &Router{
		handler: handler,
		files:   NewOutputFileHandler(cfg.Conversion.OutputDir, log),
		config:  cfg,
		logger:  log.Named("router"),
	}
}

// Routes returns the root handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if rt.config.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(rt.config.Server.CORSAllowedOrigins))

	r.Get("/health", rt.handler.GetHealth)

	r.Post("/process", rt.handler.ProcessMedia)
	r.Post("/convert_to_pdf", rt.handler.ConvertToPDF)
	r.Post("/convert_from_pdf", rt.handler.ConvertFromPDF)

	r.Get("/transcriptions", rt.handler.GetAllTranscriptions)
	r.Get("/transcriptions/{id}", rt.handler.GetTranscription)
	r.Get("/conversions", rt.handler.GetAllConversions)
	r.Get("/files/{name}", rt.files.ServeHTTP)

	if rt.handler.events != nil {
		r.Get("/ws", rt.handler.HandleWebSocket)
	}

	return r
}

// requestLogger logs every request with its status and latency
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logger.Field{
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())),
			logger.String("remote_addr", r.RemoteAddr),
		}
		if status >= 500 {
			rt.logger.Warn("Request failed", fields...)
			return
		}
		rt.logger.Debug("Request handled", fields...)
	})
}

// corsMiddleware answers preflight requests and sets CORS headers for allowed origins.
// An entry of "*" allows any origin.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Transcription-ID"},
		MaxAge:         300,
	})
}
