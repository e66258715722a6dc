package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/master9x68/whisper-api/internal/ai"
	"github.com/master9x68/whisper-api/internal/ai/gemini"
	"github.com/master9x68/whisper-api/internal/ai/whisper"
	"github.com/master9x68/whisper-api/internal/api"
	"github.com/master9x68/whisper-api/internal/config"
	"github.com/master9x68/whisper-api/internal/conversion"
	"github.com/master9x68/whisper-api/internal/conversion/ilovepdf"
	"github.com/master9x68/whisper-api/internal/media"
	"github.com/master9x68/whisper-api/internal/storage/sqlite"
	"github.com/master9x68/whisper-api/internal/transcription"
	"github.com/master9x68/whisper-api/internal/websocket"
	"github.com/master9x68/whisper-api/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting whisper-api server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the shared database
	db, err := sqlite.Open(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("Failed to open database", logger.Error(err), logger.String("path", cfg.Storage.SQLitePath))
		os.Exit(1)
	}
	defer db.Close()
	log.Info("Using SQLite storage", logger.String("path", cfg.Storage.SQLitePath))

	transcriptionStorage, err := sqlite.NewTranscriptionStorage(db, log)
	if err != nil {
		log.Error("Failed to create transcription storage", logger.Error(err))
		os.Exit(1)
	}
	conversionStorage, err := sqlite.NewConversionStorage(db, log)
	if err != nil {
		log.Error("Failed to create conversion storage", logger.Error(err))
		os.Exit(1)
	}

	// Create and start WebSocket server
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	// Primary transcription model
	whisperClient := whisper.NewClient(whisper.Config{
		BaseURL:     cfg.Whisper.BaseURL,
		APIKey:      cfg.Whisper.APIKey,
		Model:       cfg.Whisper.Model,
		Language:    cfg.Whisper.Language,
		Prompt:      cfg.Whisper.Prompt,
		Temperature: cfg.Whisper.Temperature,
		Timeout:     time.Duration(cfg.Whisper.TimeoutSeconds) * time.Second,
	}, log)

	ffmpeg := media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, cfg.Media.SampleRate, log)

	// Cloud recognition pass (if enabled)
	var recognizer ai.SpeechRecognizer
	switch {
	case !cfg.Recognition.Enabled:
		log.Info("Cloud recognition disabled in configuration")
	case !ffmpeg.Available():
		log.Warn("FFmpeg not found, cloud recognition disabled", logger.String("ffmpeg_path", cfg.Media.FFmpegPath))
	default:
		geminiClient, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:   cfg.Recognition.APIKey,
			BaseURL:  cfg.Recognition.BaseURL,
			Model:    cfg.Recognition.Model,
			Language: cfg.Recognition.Language,
			Timeout:  time.Duration(cfg.Recognition.TimeoutSeconds) * time.Second,
		}, log)
		if err != nil {
			// Continue with primary model text only rather than failing
			log.Error("Failed to create Gemini client, cloud recognition disabled", logger.Error(err))
		} else {
			recognizer = geminiClient
			log.Info("Cloud recognition enabled", logger.String("model", cfg.Recognition.Model))
		}
	}

	transcriptionService := transcription.NewService(
		whisperClient,
		recognizer,
		ffmpeg,
		ffmpeg,
		wsServer,
		transcriptionStorage,
		transcription.Config{
			Language:          cfg.Whisper.Language,
			Concurrency:       cfg.Recognition.Concurrency,
			RequestsPerMinute: cfg.Recognition.RequestsPerMinute,
		},
		log,
	)

	// Conversion service (if credentials are configured)
	var converter api.Converter
	if cfg.ConversionEnabled() {
		pdfClient, err := ilovepdf.NewClient(ilovepdf.Config{
			PublicKey:  cfg.ILovePDF.PublicKey,
			SecretKey:  cfg.ILovePDF.SecretKey,
			BaseURL:    cfg.ILovePDF.BaseURL,
			Timeout:    time.Duration(cfg.ILovePDF.TimeoutSeconds) * time.Second,
			MaxRetries: cfg.ILovePDF.MaxRetries,
		}, log)
		if err != nil {
			log.Error("Failed to create conversion client", logger.Error(err))
			os.Exit(1)
		}
		converter = conversion.NewService(pdfClient, wsServer, conversionStorage, conversion.Config{
			OutputDir:           cfg.Conversion.OutputDir,
			PublicBaseURL:       cfg.Server.PublicBaseURL,
			AllowedFromPDFTools: cfg.Conversion.AllowedFromPDFTools,
		}, log)
		log.Info("Conversion service enabled", logger.String("output_dir", cfg.Conversion.OutputDir))
	} else {
		log.Warn("ILOVE_PDF_PUBLIC_KEY not set, conversion endpoints will answer 503")
	}

	// Create API router
	handler := api.NewHandler(transcriptionService, converter, transcriptionStorage, conversionStorage, wsServer, cfg, Version, log)
	router := api.NewRouter(handler, cfg, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Shutting down server...")
	case err := <-serverErr:
		log.Error("HTTP server error", logger.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", logger.Error(err))
	}

	// Cancel in-flight jobs still running after the grace period
	cancel()

	log.Info("Stopping WebSocket server...")
	wsServer.Stop()

	log.Info("Server stopped")
}
