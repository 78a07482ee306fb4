package orchestrator

// Phase labels one step of a segment's lifecycle, or the terminal state
// of the run itself for events without a segment.
type Phase string

const (
	// PhaseResumed marks a segment skipped because a matching checkpoint
	// already records it as complete.
	PhaseResumed Phase = "resumed"
	// PhaseSubmitting covers template injection and job submission.
	PhaseSubmitting Phase = "submitting"
	// PhaseSubmitted means the backend accepted the job.
	PhaseSubmitted Phase = "submitted"
	// PhaseRendered means the clip was fetched to its output path.
	PhaseRendered Phase = "rendered"
	// PhaseExtracting means the chained start frame is being materialized.
	PhaseExtracting Phase = "extracting"
	// PhaseCompleted is the segment's successful terminal state.
	PhaseCompleted Phase = "completed"
	// PhaseFailed is the segment's failed terminal state.
	PhaseFailed Phase = "failed"
	// PhaseSkipped marks segments downstream of a broken chain.
	PhaseSkipped Phase = "skipped"

	// PhaseStopped ends a cancelled run. Run-level, no segment.
	PhaseStopped Phase = "stopped"
	// PhaseFinished ends a run that reached the end of the plan.
	PhaseFinished Phase = "finished"
)

// ProgressEvent is one entry of the ordered progress stream. Every
// segment produces exactly one terminal event (resumed, completed,
// failed, or skipped), so the stream alone reconstructs per-segment
// status after the run.
type ProgressEvent struct {
	ShotID       string `json:"shot_id,omitempty"`
	SegmentIndex int    `json:"segment_index"`
	Phase        Phase  `json:"phase"`
	Message      string `json:"message,omitempty"`
	OutputPath   string `json:"output_path,omitempty"`
}

// Terminal reports whether the event ends the whole run.
func (e ProgressEvent) Terminal() bool {
	return e.Phase == PhaseStopped || e.Phase == PhaseFinished
}
