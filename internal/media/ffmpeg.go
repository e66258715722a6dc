package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/master9x68/whisper-api/pkg/logger"
)

// WAVMimeType is the MIME type of clips produced by ExtractSegment
const WAVMimeType = "audio/wav"

// Info holds what ffprobe reports about a media file
type Info struct {
	Duration float64 // seconds
}

// FFmpeg runs ffmpeg/ffprobe to inspect media and cut audio clips
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	sampleRate  int
	logger      *logger.Logger
}

// NewFFmpeg creates a new FFmpeg wrapper
func NewFFmpeg(ffmpegPath, ffprobePath string, sampleRate int, log *logger.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		sampleRate:  sampleRate,
		logger:      log.Named("ffmpeg"),
	}
}

// Available returns true if the ffmpeg binary can be found
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.ffmpegPath)
	return err == nil
}

// Probe uses ffprobe to read the container duration in seconds
func (f *FFmpeg) Probe(ctx context.Context, path string) (*Info, error) {
	cmd := exec.CommandContext(ctx,
		f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	dur, err := parseDuration(out)
	if err != nil {
		return nil, err
	}
	return &Info{Duration: dur}, nil
}

// parseDuration reads the bare duration value printed by ffprobe
func parseDuration(out []byte) (float64, error) {
	text := strings.TrimSpace(string(out))
	if text == "" || text == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	dur, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ffprobe duration %q: %w", text, err)
	}
	return dur, nil
}

// ExtractSegment cuts [start, end) seconds of the first audio stream of path and returns it
// as mono 16-bit PCM WAV at the configured sample rate. Video streams are dropped.
func (f *FFmpeg) ExtractSegment(ctx context.Context, path string, start, end float64) ([]byte, error) {
	args, err := f.segmentArgs(path, start, end)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg extract segment failed: %w\n%s", err, strings.TrimSpace(stderr.String()))
	}

	f.logger.Debug("Extracted audio segment",
		logger.String("file", filepath.Base(path)),
		logger.Float64("start", start),
		logger.Float64("end", end),
		logger.Int("bytes", stdout.Len()))

	return stdout.Bytes(), nil
}

func (f *FFmpeg) segmentArgs(path string, start, end float64) ([]string, error) {
	if start < 0 {
		return nil, fmt.Errorf("invalid segment start: %.3f", start)
	}
	if end <= start {
		return nil, fmt.Errorf("invalid segment range: %.3f-%.3f", start, end)
	}

	return []string{
		"-v", "error",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(end - start),
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(f.sampleRate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		"pipe:1",
	}, nil
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}
