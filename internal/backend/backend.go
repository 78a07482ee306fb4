// Package backend defines the capability contract against the external
// render service and an HTTP implementation for graph-execution servers.
// The orchestrator depends only on the Client interface; the wire
// protocol is an implementation detail.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/sceneforge/sceneforge/internal/graph"
)

// Status is the terminal state reported for a render job.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal reports whether the status represents a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// FileRef identifies one output file produced by a job, in the backend's
// own namespace. Pass it back to Fetch to materialize a local copy.
type FileRef struct {
	Filename  string
	Subfolder string
	Kind      string
}

// Result is the terminal outcome of one job.
type Result struct {
	Status  Status
	Outputs []FileRef
	Message string
}

// Client is the render-backend capability the orchestrator consumes.
type Client interface {
	// Submit sends a parameterized job graph and returns the backend job ID.
	Submit(ctx context.Context, g graph.Graph) (string, error)

	// AwaitCompletion blocks until the job reaches a terminal state or the
	// timeout elapses. Expiry returns a *TimeoutError.
	AwaitCompletion(ctx context.Context, jobID string, timeout time.Duration) (*Result, error)

	// Fetch downloads one output file into destDir and returns the local path.
	Fetch(ctx context.Context, ref FileRef, destDir string) (string, error)

	// Cancel asks the backend to stop a job. Best-effort; callers may
	// ignore the error.
	Cancel(ctx context.Context, jobID string) error
}

// SubmissionError reports a failed job submission. Submissions are safe
// to retry with backoff.
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job submission failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("job submission failed: %s", e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TimeoutError reports that a job produced no terminal state within the
// wait window. The job is not retried automatically; a later run resumes
// past it via the checkpoint.
type TimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not complete within %s", e.JobID, e.Timeout)
}
