// Package plan turns a shot list into the ordered segment list driven by
// the orchestrator. Planning is pure: identical inputs always produce a
// structurally identical plan, which is what makes checkpoint signatures
// comparable across runs.
package plan

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/sceneforge/sceneforge/internal/shot"
)

// durationEpsilon absorbs float drift when carving segment durations.
const durationEpsilon = 1e-9

// Layout computes the deterministic artifact paths shared by the planner,
// the orchestrator, and the frame extractor. Segment N's start image is
// the expected extracted-frame path of segment N-1, so the full plan is
// known before anything executes.
type Layout struct {
	// OutputDir receives final per-segment clips.
	OutputDir string
	// FrameDir receives intermediate chained start frames.
	FrameDir string
}

// OutputName returns the backend-facing name for one segment's render.
func OutputName(shotID string, index int) string {
	return fmt.Sprintf("shot_%s_seg_%d", shotID, index)
}

// OutputPath returns the local path a segment's clip is copied to.
func (l Layout) OutputPath(shotID string, index int) string {
	return filepath.Join(l.OutputDir, OutputName(shotID, index)+".mp4")
}

// FramePath returns the path the extractor writes a segment's last frame to.
func (l Layout) FramePath(shotID string, index int) string {
	return filepath.Join(l.FrameDir, OutputName(shotID, index)+"_last.png")
}

// Segment is one renderable chunk of a shot. Index is 0-based and
// contiguous per shot; exactly one segment per shot has Final set.
type Segment struct {
	ShotID          string  `json:"shot_id"`
	Index           int     `json:"segment_index"`
	StartImage      string  `json:"start_image"`
	DurationSeconds float64 `json:"duration_seconds"`
	Final           bool    `json:"final"`

	// Render parameters carried from the parent shot.
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
}

// BuildPlan splits every shot into segments no longer than
// maxSegmentSeconds. The final chunk is trimmed to the exact remainder,
// so a shot's segment durations always sum to its requested duration.
// Segment 0 uses the shot's chosen image; every later segment references
// the expected last-frame path of its predecessor.
func BuildPlan(shots []shot.Shot, maxSegmentSeconds float64, layout Layout) ([]Segment, error) {
	if maxSegmentSeconds <= 0 {
		return nil, fmt.Errorf("max segment seconds must be positive, got %v", maxSegmentSeconds)
	}

	var segments []Segment
	for _, s := range shots {
		if err := s.Validate(); err != nil {
			return nil, err
		}

		remaining := s.DurationSeconds
		for index := 0; remaining > durationEpsilon; index++ {
			dur := math.Min(remaining, maxSegmentSeconds)
			remaining -= dur

			startImage := s.StartImage
			if index > 0 {
				startImage = layout.FramePath(s.ID, index-1)
			}

			segments = append(segments, Segment{
				ShotID:          s.ID,
				Index:           index,
				StartImage:      startImage,
				DurationSeconds: dur,
				Final:           remaining <= durationEpsilon,
				Prompt:          s.Prompt,
				NegativePrompt:  s.NegativePrompt,
				Width:           s.Width,
				Height:          s.Height,
			})
		}
	}
	return segments, nil
}

// FrameCount converts a segment duration into the backend frame count.
// The extra frame carries the conditioning start image, matching
// image-to-video backends that include it in the rendered clip.
func FrameCount(durationSeconds, fps float64) int {
	return int(math.Round(durationSeconds*fps)) + 1
}
