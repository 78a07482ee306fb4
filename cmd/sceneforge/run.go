package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sceneforge/sceneforge/internal/backend"
	"github.com/sceneforge/sceneforge/internal/checkpoint"
	"github.com/sceneforge/sceneforge/internal/config"
	"github.com/sceneforge/sceneforge/internal/extractor"
	"github.com/sceneforge/sceneforge/internal/graph"
	"github.com/sceneforge/sceneforge/internal/logging"
	"github.com/sceneforge/sceneforge/internal/orchestrator"
	"github.com/sceneforge/sceneforge/internal/plan"
	"github.com/sceneforge/sceneforge/internal/shot"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Render every planned segment, resuming from the checkpoint",
	Run:   runRun,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the segment plan as JSON without submitting anything",
	Run:   runPlan,
}

// loadInputs resolves config, shot list, template, and the derived plan
// for the current project flags. Fatal on any problem; these commands
// cannot proceed without all three.
func loadInputs(command string) (config.Config, *plan.Plan, graph.Graph) {
	start := time.Now()

	cfg, err := config.Load(projectFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if backendFlag != "" {
		cfg.BackendURL = backendFlag
	}
	if workersFlag > 0 {
		cfg.Workers = workersFlag
	}

	shotsPath := shotsFlag
	if shotsPath == "" {
		shotsPath = filepath.Join(projectFlag, "shots.json")
	}
	shots, err := shot.LoadList(shotsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load shot list")
	}

	templatePath := templateFlag
	if templatePath == "" {
		templatePath = filepath.Join(projectFlag, "workflow.json")
	}
	template, err := graph.Load(templatePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load workflow template")
	}

	layout := plan.Layout{OutputDir: cfg.OutputDir, FrameDir: cfg.FrameDir}
	p, err := plan.Build(shots, cfg.MaxSegmentSeconds, layout, template.Fingerprint())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build segment plan")
	}

	logging.NewStartupLogger(command).
		Config("backend", cfg.BackendURL).
		Config("workers", strconv.Itoa(cfg.Workers)).
		Config("maxSegmentSeconds", strconv.FormatFloat(cfg.MaxSegmentSeconds, 'g', -1, 64)).
		Config("fps", strconv.FormatFloat(cfg.FPS, 'g', -1, 64)).
		Dir("output", cfg.OutputDir).
		Dir("frames", cfg.FrameDir).
		Dir("state", cfg.StateDir).
		Input("shots", shotsPath).
		Input("template", templatePath).
		Count("shots", len(shots)).
		Count("segments", len(p.Segments)).
		SetupDuration(time.Since(start)).
		Log()
	return cfg, p, template
}

func runPlan(cmd *cobra.Command, args []string) {
	_, p, _ := loadInputs(cmd.Name())

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p.Segments); err != nil {
		log.Fatal().Err(err).Msg("Failed to print plan")
	}
}

func runRun(cmd *cobra.Command, args []string) {
	cfg, p, template := loadInputs(cmd.Name())
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create project directories")
	}

	runner := &orchestrator.Runner{
		Backend:   backend.NewHTTPClient(cfg.BackendURL, cfg.PollInterval.Std()),
		Injector:  graph.NewRegistry(),
		Extractor: extractor.New(cfg.ExtractTimeout.Std()),
		States:    checkpoint.NewStore(cfg.StateDir),
		Options: orchestrator.Options{
			Layout:        plan.Layout{OutputDir: cfg.OutputDir, FrameDir: cfg.FrameDir},
			FPS:           cfg.FPS,
			SubmitRetries: cfg.SubmitRetries,
			JobTimeout:    cfg.JobTimeout.Std(),
			Workers:       cfg.Workers,
		},
	}

	// Ctrl-C cancels cooperatively: the current segment finishes or
	// fails, the checkpoint keeps everything completed so far.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopped := false
	failed := 0
	for event := range runner.Run(ctx, p, template) {
		logEvent(event)
		switch event.Phase {
		case orchestrator.PhaseFailed:
			failed++
		case orchestrator.PhaseStopped:
			stopped = true
		}
	}

	if stopped || failed > 0 {
		os.Exit(1)
	}
}

func logEvent(e orchestrator.ProgressEvent) {
	evt := log.Info()
	if e.Phase == orchestrator.PhaseFailed {
		evt = log.Error()
	}
	if e.ShotID != "" {
		evt = evt.Str("shot", e.ShotID).Int("segment", e.SegmentIndex)
	}
	if e.OutputPath != "" {
		evt = evt.Str("output", e.OutputPath)
	}
	if e.Message != "" {
		evt = evt.Str("detail", e.Message)
	}
	evt.Msg(string(e.Phase))
}
