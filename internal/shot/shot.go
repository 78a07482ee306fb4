// Package shot defines the immutable shot records produced by the
// upstream storyboard tooling and the loader for the on-disk shot list.
package shot

import (
	"encoding/json"
	"fmt"
	"os"
)

// Shot is one narrative unit: a target duration plus a chosen start image.
// Shots are produced upstream and never mutated by the pipeline.
type Shot struct {
	ID              string  `json:"id"`
	StartImage      string  `json:"start_image"`
	Prompt          string  `json:"prompt"`
	NegativePrompt  string  `json:"negative_prompt,omitempty"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// InvalidShotError reports a shot that cannot be planned. It aborts plan
// building only; nothing on disk has been touched when it is returned.
type InvalidShotError struct {
	ShotID string
	Reason string
}

func (e *InvalidShotError) Error() string {
	return fmt.Sprintf("invalid shot %q: %s", e.ShotID, e.Reason)
}

// Validate checks the fields a render job depends on.
func (s Shot) Validate() error {
	if s.ID == "" {
		return &InvalidShotError{ShotID: s.ID, Reason: "missing id"}
	}
	if s.DurationSeconds <= 0 {
		return &InvalidShotError{ShotID: s.ID, Reason: fmt.Sprintf("duration must be positive, got %v", s.DurationSeconds)}
	}
	if s.Width <= 0 || s.Height <= 0 {
		return &InvalidShotError{ShotID: s.ID, Reason: fmt.Sprintf("dimensions must be positive, got %dx%d", s.Width, s.Height)}
	}
	if s.StartImage == "" {
		return &InvalidShotError{ShotID: s.ID, Reason: "missing start image"}
	}
	return nil
}

// LoadList reads a JSON shot list file and validates every entry.
func LoadList(path string) ([]Shot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shot list %s: %w", path, err)
	}

	var shots []Shot
	if err := json.Unmarshal(data, &shots); err != nil {
		return nil, fmt.Errorf("failed to parse shot list %s: %w", path, err)
	}
	if len(shots) == 0 {
		return nil, fmt.Errorf("shot list %s is empty", path)
	}

	seen := make(map[string]bool, len(shots))
	for _, s := range shots {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, &InvalidShotError{ShotID: s.ID, Reason: "duplicate id"}
		}
		seen[s.ID] = true
	}
	return shots, nil
}
