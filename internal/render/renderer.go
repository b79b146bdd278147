// Package render produces the vertical video artifact from a source
// image and a song via ffmpeg.
package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mowshon/moviego"

	"memeflow/internal/logging"
)

// ffmpegSem limits concurrent ffmpeg processes to 1 to avoid exhausting
// system threads on small hosts.
var ffmpegSem = make(chan struct{}, 1)

const (
	minClipSeconds = 8.0
	maxClipSeconds = 12.0
)

type FFmpeg struct {
	log *logging.Logger
	dir string
}

func NewFFmpeg(log *logging.Logger) *FFmpeg {
	return &FFmpeg{log: log, dir: os.TempDir()}
}

// Render builds a 1080x1920 clip from a still image. With an audio
// path the clip runs for the song's duration clamped to 8-12s; without
// one it runs 10s silent. Errors come back as values, the renderer
// never panics into the caller.
func (f *FFmpeg) Render(ctx context.Context, imagePath, audioPath string) (string, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return "", fmt.Errorf("image file not found: %s (%w)", imagePath, err)
	}

	duration := 10.0
	if audioPath != "" {
		duration = f.probeDuration(ctx, audioPath)
	}

	outputPath := filepath.Join(f.dir, "render-"+uuid.NewString()+".mp4")
	if err := f.encode(ctx, imagePath, audioPath, outputPath, duration); err != nil {
		return "", err
	}

	if err := probeOutput(outputPath); err != nil {
		os.Remove(outputPath)
		return "", fmt.Errorf("rendered file failed validation: %w", err)
	}
	return outputPath, nil
}

// probeDuration asks ffprobe for the audio length and clamps it into
// the clip window. Probe failures fall back to 10s.
func (f *FFmpeg) probeDuration(ctx context.Context, audioPath string) float64 {
	ctxProbe, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	probeCmd := exec.CommandContext(ctxProbe, "ffprobe", "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", audioPath)
	out, err := probeCmd.Output()
	if err != nil {
		f.log.Infof("render: ffprobe failed, using default duration: %v", err)
		return 10
	}

	var duration float64
	if _, err := fmt.Sscanf(string(out), "%f", &duration); err != nil || duration <= 0 {
		f.log.Infof("render: unparseable duration, using default")
		return 10
	}
	if duration < minClipSeconds {
		return minClipSeconds
	}
	if duration > maxClipSeconds {
		return maxClipSeconds
	}
	return duration
}

func (f *FFmpeg) encode(ctx context.Context, imagePath, audioPath, outputPath string, duration float64) error {
	// Scale into the 1080x1920 frame and pad with black bars. Built as
	// a filter graph instead of -loop, which tends to hang on stills.
	filterComplex := "[0:v]scale=1080:1920:force_original_aspect_ratio=decrease,pad=1080:1920:(ow-iw)/2:(oh-ih)/2:black[v];[v]setsar=1[out]"

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-threads", "1",
		"-filter_threads", "1",
		"-filter_complex_threads", "1",
		"-i", imagePath,
	}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args,
		"-filter_complex", filterComplex,
		"-map", "[out]",
	)
	if audioPath != "" {
		args = append(args,
			"-map", "1:a",
			"-c:a", "aac",
			"-b:a", "192k",
		)
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "stillimage",
		"-x264-params", "threads=1",
		"-pix_fmt", "yuv420p",
		"-r", "30",
		"-t", fmt.Sprintf("%.2f", duration),
		"-y",
		"-strict", "-2",
		outputPath,
	)

	// One ffmpeg at a time.
	ffmpegSem <- struct{}{}
	defer func() { <-ffmpegSem }()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = &stderr

	f.log.Infof("render: encoding %.2fs clip from %s", duration, imagePath)
	if err := cmd.Run(); err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = err.Error()
		}
		f.log.Errorf("render: ✗ ffmpeg failed: %s", errMsg)
		return fmt.Errorf("ffmpeg error: %s", errMsg)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("ffmpeg did not create output file: %s (%w)", outputPath, err)
	}
	f.log.Infof("render: ✓ clip written to %s", outputPath)
	return nil
}

// probeOutput loads the rendered file with moviego to verify it is a
// playable video. The library can panic on malformed files.
func probeOutput(path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("moviego.Load panicked: %v", r)
		}
	}()
	_, err = moviego.Load(path)
	return err
}
