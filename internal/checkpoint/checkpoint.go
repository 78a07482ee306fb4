// Package checkpoint persists orchestration progress so interrupted runs
// resume instead of re-rendering. One JSON file per plan key, written
// atomically, readable with any text editor.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// SchemaVersion is bumped whenever the State layout changes. A file with
// a different version is treated as corrupt rather than misread.
const SchemaVersion = 1

// SegmentKey identifies one segment inside a state record.
func SegmentKey(shotID string, index int) string {
	return fmt.Sprintf("%s:%d", shotID, index)
}

// Record marks one completed segment.
type Record struct {
	Output      string    `json:"output"`
	CompletedAt time.Time `json:"completed_at"`
}

// State is the durable orchestration record. One typed schema is shared
// by the save and load paths, so the two sides cannot disagree on field
// naming.
type State struct {
	SchemaVersion int               `json:"schema_version"`
	PlanSignature string            `json:"plan_signature"`
	Completed     map[string]Record `json:"completed"`
	LastOutput    string            `json:"last_output,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewState returns an empty state bound to a plan signature.
func NewState(planSignature string) *State {
	return &State{
		SchemaVersion: SchemaVersion,
		PlanSignature: planSignature,
		Completed:     make(map[string]Record),
	}
}

// MarkCompleted records a finished segment and its output artifact.
func (s *State) MarkCompleted(shotID string, index int, output string) {
	if s.Completed == nil {
		s.Completed = make(map[string]Record)
	}
	s.Completed[SegmentKey(shotID, index)] = Record{Output: output, CompletedAt: time.Now().UTC()}
	s.LastOutput = output
	s.UpdatedAt = time.Now().UTC()
}

// IsCompleted reports whether a segment finished in a previous run.
func (s *State) IsCompleted(shotID string, index int) bool {
	if s == nil {
		return false
	}
	_, ok := s.Completed[SegmentKey(shotID, index)]
	return ok
}

// CorruptionError reports an unreadable or alien-schema checkpoint file.
// Callers log it and proceed as if no prior state existed.
type CorruptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint %s is unusable: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("checkpoint %s is unusable: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Store keeps one checkpoint file per plan key under
// <dir>/checkpoints/<key>.json.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at stateDir.
func NewStore(stateDir string) *Store {
	return &Store{dir: stateDir}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, "checkpoints", key+".json")
}

// Load returns the state for key, nil when none exists, or a
// *CorruptionError when a file exists but cannot be trusted.
func (s *Store) Load(key string) (*State, error) {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &CorruptionError{Path: path, Reason: "unreadable", Err: err}
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &CorruptionError{Path: path, Reason: "invalid JSON", Err: err}
	}
	if state.SchemaVersion != SchemaVersion {
		return nil, &CorruptionError{Path: path, Reason: fmt.Sprintf("schema version %d, want %d", state.SchemaVersion, SchemaVersion)}
	}
	if state.PlanSignature == "" {
		return nil, &CorruptionError{Path: path, Reason: "missing plan signature"}
	}
	if state.Completed == nil {
		state.Completed = make(map[string]Record)
	}
	return &state, nil
}

// Save durably writes the state for key: write to a temp file in the
// same directory, sync, then rename over the target. An advisory file
// lock serializes writers, and markers another process already persisted
// for the same plan are folded in first, so two runs sharing a plan key
// cannot erase each other's progress.
func (s *Store) Save(key string, state *State) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock checkpoint: %w", err)
	}
	defer lock.Unlock()

	s.mergeFromDisk(path, state)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// mergeFromDisk folds completion markers another writer already
// persisted for the same plan into state. Unreadable or foreign files
// are left for the rename to replace wholesale.
func (s *Store) mergeFromDisk(path string, state *State) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var existing State
	if json.Unmarshal(data, &existing) != nil {
		return
	}
	if existing.SchemaVersion != SchemaVersion || existing.PlanSignature != state.PlanSignature {
		return
	}
	for k, rec := range existing.Completed {
		if _, ok := state.Completed[k]; !ok {
			if state.Completed == nil {
				state.Completed = make(map[string]Record)
			}
			state.Completed[k] = rec
		}
	}
}

// Clear removes the state for key. Missing state is not an error.
func (s *Store) Clear(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}
