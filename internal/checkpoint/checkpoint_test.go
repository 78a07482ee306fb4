package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testKey = "abc123"

func TestStore_LoadMissingReturnsNil(t *testing.T) {
	store := NewStore(t.TempDir())
	state, err := store.Load(testKey)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state != nil {
		t.Errorf("expected nil state for missing checkpoint, got %+v", state)
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	state := NewState("sig-1")
	state.MarkCompleted("001", 0, "/out/shot_001_seg_0.mp4")
	state.MarkCompleted("001", 1, "/out/shot_001_seg_1.mp4")

	if err := store.Save(testKey, state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(testKey)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected state after save")
	}
	if loaded.PlanSignature != "sig-1" {
		t.Errorf("signature = %q", loaded.PlanSignature)
	}
	if !loaded.IsCompleted("001", 0) || !loaded.IsCompleted("001", 1) {
		t.Error("completed segments lost in round trip")
	}
	if loaded.IsCompleted("001", 2) || loaded.IsCompleted("002", 0) {
		t.Error("segments never marked must not read as completed")
	}
	if loaded.LastOutput != "/out/shot_001_seg_1.mp4" {
		t.Errorf("last output = %q", loaded.LastOutput)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("updated_at must be set")
	}
}

func TestStore_CorruptFileReportsCorruption(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	path := filepath.Join(dir, "checkpoints", testKey+".json")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("{not json"), 0644)

	_, err := store.Load(testKey)
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
}

func TestStore_AlienSchemaVersionReportsCorruption(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	state := NewState("sig-1")
	if err := store.Save(testKey, state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	path := filepath.Join(dir, "checkpoints", testKey+".json")
	data, _ := os.ReadFile(path)
	os.WriteFile(path, []byte(strings.Replace(string(data), `"schema_version": 1`, `"schema_version": 99`, 1)), 0644)

	_, err := store.Load(testKey)
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptionError for schema mismatch, got %v", err)
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if err := store.Save(testKey, NewState("sig")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "checkpoints"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

// Two runs sharing a plan key must not erase each other's completion
// markers: a save folds in whatever a concurrent writer already
// persisted for the same plan.
func TestStore_SavePreservesConcurrentMarkers(t *testing.T) {
	store := NewStore(t.TempDir())

	first := NewState("sig-1")
	first.MarkCompleted("001", 0, "/out/shot_001_seg_0.mp4")
	if err := store.Save(testKey, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A second run that never observed the first run's marker.
	second := NewState("sig-1")
	second.MarkCompleted("002", 0, "/out/shot_002_seg_0.mp4")
	if err := store.Save(testKey, second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(testKey)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.IsCompleted("001", 0) {
		t.Error("first writer's marker was lost")
	}
	if !loaded.IsCompleted("002", 0) {
		t.Error("second writer's marker was lost")
	}
}

func TestStore_SaveDoesNotMergeForeignPlan(t *testing.T) {
	store := NewStore(t.TempDir())

	old := NewState("sig-old")
	old.MarkCompleted("001", 0, "/out/shot_001_seg_0.mp4")
	if err := store.Save(testKey, old); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	fresh := NewState("sig-new")
	if err := store.Save(testKey, fresh); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(testKey)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.PlanSignature != "sig-new" {
		t.Errorf("signature = %q", loaded.PlanSignature)
	}
	if loaded.IsCompleted("001", 0) {
		t.Error("stale marker from a different plan must not survive")
	}
}

func TestStore_Clear(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.Clear(testKey); err != nil {
		t.Fatalf("Clear of missing checkpoint failed: %v", err)
	}

	if err := store.Save(testKey, NewState("sig")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Clear(testKey); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	state, err := store.Load(testKey)
	if err != nil || state != nil {
		t.Errorf("expected no state after clear, got %+v, %v", state, err)
	}
}

func TestSegmentKey(t *testing.T) {
	if got := SegmentKey("001", 3); got != "001:3" {
		t.Errorf("SegmentKey = %q", got)
	}
}
