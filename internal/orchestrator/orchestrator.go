// Package orchestrator drives a segment plan through submission,
// waiting, frame chaining, and checkpointing. It is the only component
// with real state-machine behavior: segments of one shot depend on each
// other through extracted frames, segments of different shots do not.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sceneforge/sceneforge/internal/backend"
	"github.com/sceneforge/sceneforge/internal/checkpoint"
	"github.com/sceneforge/sceneforge/internal/graph"
	"github.com/sceneforge/sceneforge/internal/plan"
)

// submitBackoffBase is the first retry delay after a submission error;
// each further attempt doubles it.
const submitBackoffBase = 2 * time.Second

// eventBuffer bounds the progress channel. Sends never block the loop:
// when a consumer stops pulling, further events are dropped rather than
// stalling already-running jobs.
const eventBuffer = 256

// FrameExtractor materializes a clip's last frame as the next segment's
// start image.
type FrameExtractor interface {
	LastFrame(ctx context.Context, videoPath, destPath string) (string, error)
}

// StateStore persists orchestration progress between runs.
type StateStore interface {
	Load(key string) (*checkpoint.State, error)
	Save(key string, state *checkpoint.State) error
	Clear(key string) error
}

// Options tune one run.
type Options struct {
	Layout plan.Layout
	// FPS converts segment durations to backend frame counts.
	FPS float64
	// SubmitRetries bounds resubmission after a submission error.
	SubmitRetries int
	// SubmitBackoff is the first retry delay; it doubles per attempt.
	// Zero means submitBackoffBase.
	SubmitBackoff time.Duration
	// JobTimeout is the hard per-job wait bound.
	JobTimeout time.Duration
	// Workers bounds cross-shot parallelism; 1 reproduces strict
	// shot-major order.
	Workers int
}

// Runner wires the orchestrator to its collaborators.
type Runner struct {
	Backend   backend.Client
	Injector  graph.Injector
	Extractor FrameExtractor
	States    StateStore
	Options   Options
}

// run is the per-run mutable state shared by shot workers.
type run struct {
	*Runner
	id       string
	template graph.Graph
	events   chan ProgressEvent
	cancel   context.CancelFunc
	logger   zerolog.Logger

	mu       sync.Mutex
	state    *checkpoint.State
	stateKey string
	fatalErr error

	completed int
	failed    int
	skipped   int
	resumed   int
}

// Run executes the plan and returns the progress stream. The channel is
// closed after a terminal stopped or finished event. Cancellation is
// cooperative: the context is checked at segment boundaries only, never
// mid-segment.
func (r *Runner) Run(ctx context.Context, p *plan.Plan, template graph.Graph) <-chan ProgressEvent {
	runCtx, cancel := context.WithCancel(ctx)
	rn := &run{
		Runner:   r,
		id:       uuid.New().String(),
		template: template,
		events:   make(chan ProgressEvent, eventBuffer),
		cancel:   cancel,
	}
	rn.logger = log.With().Str("run", rn.id).Logger()

	go rn.execute(runCtx, p)
	return rn.events
}

func (rn *run) execute(ctx context.Context, p *plan.Plan) {
	defer rn.cancel()
	defer close(rn.events)

	rn.stateKey = p.Signature
	rn.state = rn.loadState(p.Signature)

	chains := groupByShot(p.Segments)
	rn.logger.Info().
		Int("shots", len(chains)).
		Int("segments", len(p.Segments)).
		Str("signature", shortSig(p.Signature)).
		Msg("Starting generation run")

	workers := rn.Options.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(chains) {
		workers = len(chains)
	}

	if workers == 1 {
		for _, chain := range chains {
			if ctx.Err() != nil {
				break
			}
			rn.runChain(ctx, chain)
		}
	} else {
		// Bounded pool over whole shots: each chain stays on one
		// goroutine so per-shot segment order is preserved.
		work := make(chan []plan.Segment)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for chain := range work {
					if ctx.Err() != nil {
						continue
					}
					rn.runChain(ctx, chain)
				}
			}()
		}
		for _, chain := range chains {
			work <- chain
		}
		close(work)
		wg.Wait()
	}

	rn.finish(ctx)
}

// loadState returns prior progress for this plan, or a fresh state when
// none exists, the file is corrupt, or the signature no longer matches.
// Stale state is never partially reused.
func (rn *run) loadState(signature string) *checkpoint.State {
	state, err := rn.States.Load(signature)
	if err != nil {
		var corrupt *checkpoint.CorruptionError
		if errors.As(err, &corrupt) {
			rn.logger.Warn().Err(corrupt).Msg("Discarding unusable checkpoint, starting fresh")
		} else {
			rn.logger.Warn().Err(err).Msg("Failed to load checkpoint, starting fresh")
		}
		return checkpoint.NewState(signature)
	}
	if state == nil {
		return checkpoint.NewState(signature)
	}
	if state.PlanSignature != signature {
		rn.logger.Warn().
			Str("have", shortSig(state.PlanSignature)).
			Str("want", shortSig(signature)).
			Msg("Checkpoint belongs to a different plan, starting fresh")
		return checkpoint.NewState(signature)
	}
	rn.logger.Info().Int("segments", len(state.Completed)).Msg("Resuming from checkpoint")
	return state
}

// runChain processes one shot's segments strictly in order. A broken
// link (failed render or failed frame extraction) skips the remaining
// segments of this shot only.
func (rn *run) runChain(ctx context.Context, chain []plan.Segment) {
	skipReason := ""
	for _, seg := range chain {
		if ctx.Err() != nil || rn.fatal() != nil {
			return
		}
		if skipReason != "" {
			rn.count(&rn.skipped)
			rn.emit(ProgressEvent{ShotID: seg.ShotID, SegmentIndex: seg.Index, Phase: PhaseSkipped, Message: skipReason})
			continue
		}
		if rn.isCompleted(seg) {
			rn.count(&rn.resumed)
			rn.emit(ProgressEvent{
				ShotID: seg.ShotID, SegmentIndex: seg.Index, Phase: PhaseResumed,
				Message:    "already complete in checkpoint",
				OutputPath: rn.Options.Layout.OutputPath(seg.ShotID, seg.Index),
			})
			continue
		}

		job := &renderJob{segment: seg, status: JobPending}
		if err := rn.runSegment(ctx, job); err != nil {
			if ctx.Err() != nil || rn.fatal() != nil {
				return
			}
			rn.count(&rn.failed)
			rn.emit(ProgressEvent{ShotID: seg.ShotID, SegmentIndex: seg.Index, Phase: PhaseFailed, Message: err.Error()})
			skipReason = fmt.Sprintf("segment %d of shot %s %s", seg.Index, seg.ShotID, failureVerb(err))
			continue
		}

		rn.count(&rn.completed)
		rn.emit(ProgressEvent{
			ShotID: seg.ShotID, SegmentIndex: seg.Index, Phase: PhaseCompleted,
			OutputPath: job.outputPath,
		})

		// The segment itself finished; only its successors lose their
		// start image when extraction failed.
		if job.status == JobCompleted && !seg.Final && job.chainBroken {
			skipReason = fmt.Sprintf("no start image: last-frame extraction failed for segment %d of shot %s", seg.Index, seg.ShotID)
		}
	}
}

func failureVerb(err error) string {
	var timeout *backend.TimeoutError
	if errors.As(err, &timeout) {
		return "timed out"
	}
	return "failed"
}

// runSegment drives one segment through the state machine:
// inject → submit (with bounded backoff) → await → fetch → extract →
// checkpoint. Any returned error is terminal for the segment.
func (rn *run) runSegment(ctx context.Context, job *renderJob) error {
	seg := job.segment
	logger := rn.logger.With().Str("shot", seg.ShotID).Int("segment", seg.Index).Logger()

	rn.emit(ProgressEvent{ShotID: seg.ShotID, SegmentIndex: seg.Index, Phase: PhaseSubmitting})

	params := graph.Params{
		StartImage:     seg.StartImage,
		Prompt:         seg.Prompt,
		NegativePrompt: seg.NegativePrompt,
		FrameCount:     plan.FrameCount(seg.DurationSeconds, rn.Options.FPS),
		Width:          seg.Width,
		Height:         seg.Height,
		OutputName:     plan.OutputName(seg.ShotID, seg.Index),
	}
	injected, err := rn.Injector.Inject(rn.template, params)
	if err != nil {
		job.status = JobFailed
		return fmt.Errorf("template injection failed: %w", err)
	}

	jobID, err := rn.submitWithRetry(ctx, injected, logger)
	if err != nil {
		job.status = JobFailed
		return err
	}
	job.backendJobID = jobID
	job.status = JobSubmitted
	rn.emit(ProgressEvent{ShotID: seg.ShotID, SegmentIndex: seg.Index, Phase: PhaseSubmitted, Message: jobID})
	logger.Info().Str("job", jobID).Float64("seconds", seg.DurationSeconds).Msg("Segment submitted")

	result, err := rn.Backend.AwaitCompletion(ctx, jobID, rn.Options.JobTimeout)
	if err != nil {
		job.status = JobFailed
		if ctx.Err() != nil {
			rn.cancelBackendJob(jobID, logger)
		}
		return err
	}
	if result.Status != backend.StatusCompleted {
		job.status = JobFailed
		msg := result.Message
		if msg == "" {
			msg = string(result.Status)
		}
		return fmt.Errorf("backend job %s ended %s: %s", jobID, result.Status, msg)
	}
	if len(result.Outputs) == 0 {
		job.status = JobFailed
		return fmt.Errorf("backend job %s completed with no outputs", jobID)
	}

	outputPath, err := rn.collectOutput(ctx, result.Outputs[0], seg)
	if err != nil {
		job.status = JobFailed
		return err
	}
	job.outputPath = outputPath
	job.status = JobCompleted
	rn.emit(ProgressEvent{ShotID: seg.ShotID, SegmentIndex: seg.Index, Phase: PhaseRendered, OutputPath: outputPath})

	if !seg.Final {
		rn.emit(ProgressEvent{ShotID: seg.ShotID, SegmentIndex: seg.Index, Phase: PhaseExtracting})
		framePath := rn.Options.Layout.FramePath(seg.ShotID, seg.Index)
		if _, err := rn.Extractor.LastFrame(ctx, outputPath, framePath); err != nil {
			logger.Warn().Err(err).Msg("Last-frame extraction failed, remaining segments of this shot will be skipped")
			job.chainBroken = true
		} else {
			logger.Debug().Str("frame", framePath).Msg("Chained start frame ready")
		}
	}

	if err := rn.persist(seg, outputPath); err != nil {
		// An unwritable checkpoint store makes every further segment
		// unresumable; stop the whole run.
		rn.setFatal(err)
		return err
	}
	return nil
}

// submitWithRetry retries submission errors with doubling backoff.
// Other error kinds are returned as-is.
func (rn *run) submitWithRetry(ctx context.Context, g graph.Graph, logger zerolog.Logger) (string, error) {
	var lastErr error
	attempts := rn.Options.SubmitRetries + 1
	backoff := rn.Options.SubmitBackoff
	if backoff <= 0 {
		backoff = submitBackoffBase
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoff << (attempt - 1)
			logger.Warn().Err(lastErr).Dur("backoff", delay).Int("attempt", attempt+1).Msg("Retrying submission")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		jobID, err := rn.Backend.Submit(ctx, g)
		if err == nil {
			return jobID, nil
		}
		var submission *backend.SubmissionError
		if !errors.As(err, &submission) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("submission failed after %d attempts: %w", attempts, lastErr)
}

// collectOutput fetches the rendered file and moves it to the segment's
// deterministic output path.
func (rn *run) collectOutput(ctx context.Context, ref backend.FileRef, seg plan.Segment) (string, error) {
	fetched, err := rn.Backend.Fetch(ctx, ref, rn.Options.Layout.OutputDir)
	if err != nil {
		return "", fmt.Errorf("failed to fetch output of shot %s segment %d: %w", seg.ShotID, seg.Index, err)
	}

	outputPath := rn.Options.Layout.OutputPath(seg.ShotID, seg.Index)
	if fetched != outputPath {
		if err := moveFile(fetched, outputPath); err != nil {
			return "", fmt.Errorf("failed to place output %s: %w", outputPath, err)
		}
	}
	return outputPath, nil
}

// cancelBackendJob is the best-effort server-side cancel issued when the
// run is cancelled mid-wait. The run does not depend on it succeeding.
func (rn *run) cancelBackendJob(jobID string, logger zerolog.Logger) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rn.Backend.Cancel(cancelCtx, jobID); err != nil {
		logger.Debug().Err(err).Str("job", jobID).Msg("Backend-side cancel failed, abandoning job")
	}
}

func (rn *run) persist(seg plan.Segment, outputPath string) error {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.state.MarkCompleted(seg.ShotID, seg.Index, outputPath)
	if err := rn.States.Save(rn.stateKey, rn.state); err != nil {
		return fmt.Errorf("checkpoint store unwritable: %w", err)
	}
	return nil
}

func (rn *run) isCompleted(seg plan.Segment) bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.state.IsCompleted(seg.ShotID, seg.Index)
}

func (rn *run) setFatal(err error) {
	rn.mu.Lock()
	if rn.fatalErr == nil {
		rn.fatalErr = err
	}
	rn.mu.Unlock()
	rn.cancel()
}

func (rn *run) fatal() error {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.fatalErr
}

func (rn *run) count(c *int) {
	rn.mu.Lock()
	*c++
	rn.mu.Unlock()
}

func (rn *run) finish(ctx context.Context) {
	rn.mu.Lock()
	summary := fmt.Sprintf("%d completed, %d resumed, %d failed, %d skipped",
		rn.completed, rn.resumed, rn.failed, rn.skipped)
	fatalErr := rn.fatalErr
	rn.mu.Unlock()

	switch {
	case fatalErr != nil:
		rn.logger.Error().Err(fatalErr).Str("summary", summary).Msg("Run aborted")
		rn.emit(ProgressEvent{Phase: PhaseStopped, Message: fmt.Sprintf("aborted: %v (%s)", fatalErr, summary)})
	case ctx.Err() != nil:
		rn.logger.Info().Str("summary", summary).Msg("Run stopped by cancellation")
		rn.emit(ProgressEvent{Phase: PhaseStopped, Message: summary})
	default:
		rn.logger.Info().Str("summary", summary).Msg("Run finished")
		rn.emit(ProgressEvent{Phase: PhaseFinished, Message: summary})
	}
}

// emit pushes an event without ever blocking the loop: abandoned
// consumers cost dropped events, not stalled renders.
func (rn *run) emit(e ProgressEvent) {
	select {
	case rn.events <- e:
	default:
		rn.logger.Debug().Str("phase", string(e.Phase)).Msg("Progress consumer not keeping up, event dropped")
	}
}

// groupByShot splits the plan into per-shot chains, preserving plan
// order both across shots and within each shot.
func groupByShot(segments []plan.Segment) [][]plan.Segment {
	var chains [][]plan.Segment
	index := make(map[string]int)
	for _, seg := range segments {
		i, ok := index[seg.ShotID]
		if !ok {
			i = len(chains)
			index[seg.ShotID] = i
			chains = append(chains, nil)
		}
		chains[i] = append(chains[i], seg)
	}
	return chains
}

func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename can fail across filesystems; fall back to copy.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func shortSig(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
