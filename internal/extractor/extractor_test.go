package extractor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestBuildLastFrameArgs(t *testing.T) {
	args := buildLastFrameArgs("clip.mp4", "frame.png")

	assertPair(t, args, "-sseof", lastFrameSeekOffset)
	assertPair(t, args, "-i", "clip.mp4")
	assertPair(t, args, "-frames:v", "1")
	assertPair(t, args, "-update", "1")
	assertPair(t, args, "-y", "frame.png")
}

func TestLastFrame_MissingSourceFails(t *testing.T) {
	e := New(5 * time.Second)
	dest := filepath.Join(t.TempDir(), "frame.png")

	_, err := e.LastFrame(context.Background(), "/nonexistent/clip.mp4", dest)

	var extraction *ExtractionError
	if !errors.As(err, &extraction) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if extraction.VideoPath != "/nonexistent/clip.mp4" {
		t.Errorf("error names %q", extraction.VideoPath)
	}
}

// assertPair verifies that key is present in args and immediately
// followed by value.
func assertPair(t *testing.T, args []string, key, value string) {
	t.Helper()
	for i, a := range args {
		if a == key {
			if i+1 >= len(args) {
				t.Errorf("arg %s has no value, want %q", key, value)
			} else if args[i+1] != value {
				t.Errorf("arg %s followed by %q, want %q", key, args[i+1], value)
			}
			return
		}
	}
	t.Errorf("arg %s not found in %v", key, args)
}
