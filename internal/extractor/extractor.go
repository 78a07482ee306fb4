// Package extractor pulls the final frame out of a rendered clip so the
// next segment of the same shot can start from it. It shells out to
// ffmpeg; extraction is stateless and safe to rerun.
package extractor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// lastFrameSeekOffset is how far before end-of-stream ffmpeg seeks.
// Seeking exactly to the end can land past the last decodable frame on
// some containers; a small epsilon always yields one.
const lastFrameSeekOffset = "-0.1"

// ExtractionError reports a failed frame extraction. It is fatal to the
// remaining segments of the affected shot (they have no start image) but
// never to the run as a whole.
type ExtractionError struct {
	VideoPath string
	Reason    string
	Err       error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to extract last frame of %s: %s: %v", e.VideoPath, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to extract last frame of %s: %s", e.VideoPath, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor runs ffmpeg with a per-call timeout.
type Extractor struct {
	timeout time.Duration
}

// New creates an Extractor. timeout bounds each ffmpeg invocation.
func New(timeout time.Duration) *Extractor {
	return &Extractor{timeout: timeout}
}

// LastFrame writes the final frame of videoPath to destPath and returns
// destPath. The destination directory is created if needed.
func (e *Extractor) LastFrame(ctx context.Context, videoPath, destPath string) (string, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return "", &ExtractionError{VideoPath: videoPath, Reason: "source video missing", Err: err}
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", &ExtractionError{VideoPath: videoPath, Reason: "ffmpeg not found in PATH", Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", &ExtractionError{VideoPath: videoPath, Reason: "failed to create frame directory", Err: err}
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := buildLastFrameArgs(videoPath, destPath)
	log.Debug().Str("video", filepath.Base(videoPath)).Str("frame", destPath).Msg("Extracting last frame")

	cmd := exec.CommandContext(runCtx, ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", &ExtractionError{
			VideoPath: videoPath,
			Reason:    fmt.Sprintf("ffmpeg failed: %s", truncate(string(output), 300)),
			Err:       err,
		}
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return "", &ExtractionError{VideoPath: videoPath, Reason: "ffmpeg produced no output file", Err: err}
	}
	if info.Size() == 0 {
		return "", &ExtractionError{VideoPath: videoPath, Reason: "ffmpeg produced an empty frame file"}
	}

	log.Debug().Str("frame", destPath).Int64("size_bytes", info.Size()).Msg("Last frame extracted")
	return destPath, nil
}

// buildLastFrameArgs constructs the ffmpeg argument list: seek to just
// before end-of-stream and dump a single frame.
func buildLastFrameArgs(videoPath, destPath string) []string {
	return []string{
		"-sseof", lastFrameSeekOffset,
		"-i", videoPath,
		"-frames:v", "1",
		"-update", "1",
		"-q:v", "2",
		"-y", destPath,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
