package orchestrator

import "github.com/sceneforge/sceneforge/internal/plan"

// JobStatus tracks one render job through the per-segment state machine.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSubmitted JobStatus = "submitted"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// renderJob is the orchestrator's working record for one segment.
type renderJob struct {
	segment      plan.Segment
	backendJobID string
	outputPath   string
	status       JobStatus

	// chainBroken is set when the clip rendered but its last frame could
	// not be extracted, orphaning the shot's remaining segments.
	chainBroken bool
}
