// Package config loads the per-project pipeline configuration from
// sceneforge.yaml in the project directory. Every field has a working
// default so a bare config file (or none at all) still yields a usable
// pipeline against a local backend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the project directory.
const FileName = "sceneforge.yaml"

// Defaults applied when the config file omits a field.
const (
	DefaultBackendURL        = "http://127.0.0.1:8188"
	DefaultMaxSegmentSeconds = 5.0
	DefaultFPS               = 16.0
	DefaultWorkers           = 1
	DefaultSubmitRetries     = 3
	DefaultJobTimeout        = 15 * time.Minute
	DefaultPollInterval      = 2 * time.Second
	DefaultExtractTimeout    = 30 * time.Second
)

// Config holds the runtime configuration for one pipeline run.
type Config struct {
	// BackendURL is the base URL of the render backend.
	// Overridable via the SCENEFORGE_BACKEND_URL environment variable.
	BackendURL string `yaml:"backend_url"`

	// OutputDir receives the final per-segment clips.
	OutputDir string `yaml:"output_dir"`

	// FrameDir receives intermediate chained start frames,
	// kept separate from final outputs.
	FrameDir string `yaml:"frame_dir"`

	// StateDir holds checkpoint files.
	StateDir string `yaml:"state_dir"`

	// MaxSegmentSeconds is the duration ceiling above which a shot is
	// split into chained segments.
	MaxSegmentSeconds float64 `yaml:"max_segment_seconds"`

	// FPS converts segment durations into backend frame counts.
	FPS float64 `yaml:"fps"`

	// Workers bounds cross-shot parallelism. 1 processes shots strictly
	// in order; higher values run whole shots concurrently while keeping
	// each shot's segments sequential.
	Workers int `yaml:"workers"`

	// SubmitRetries bounds resubmission attempts after a submission error.
	SubmitRetries int `yaml:"submit_retries"`

	// JobTimeout is the hard per-job wait bound on the backend.
	JobTimeout Duration `yaml:"job_timeout"`

	// PollInterval is the backend status poll cadence used as fallback
	// when the event stream is unavailable.
	PollInterval Duration `yaml:"poll_interval"`

	// ExtractTimeout bounds a single ffmpeg frame-extraction call.
	ExtractTimeout Duration `yaml:"extract_timeout"`
}

// Default returns a Config with all defaults applied, rooted at projectDir.
func Default(projectDir string) Config {
	return Config{
		BackendURL:        DefaultBackendURL,
		OutputDir:         filepath.Join(projectDir, "output"),
		FrameDir:          filepath.Join(projectDir, "frames"),
		StateDir:          filepath.Join(projectDir, ".sceneforge"),
		MaxSegmentSeconds: DefaultMaxSegmentSeconds,
		FPS:               DefaultFPS,
		Workers:           DefaultWorkers,
		SubmitRetries:     DefaultSubmitRetries,
		JobTimeout:        Duration(DefaultJobTimeout),
		PollInterval:      Duration(DefaultPollInterval),
		ExtractTimeout:    Duration(DefaultExtractTimeout),
	}
}

// Load reads sceneforge.yaml from projectDir, falling back to defaults
// for any missing field. A missing file is not an error.
func Load(projectDir string) (Config, error) {
	cfg := Default(projectDir)

	path := filepath.Join(projectDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if url := os.Getenv("SCENEFORGE_BACKEND_URL"); url != "" {
		cfg.BackendURL = url
	}
}

// Validate rejects configurations that cannot drive a run.
func (c Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if c.MaxSegmentSeconds <= 0 {
		return fmt.Errorf("max_segment_seconds must be positive, got %v", c.MaxSegmentSeconds)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %v", c.FPS)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.SubmitRetries < 0 {
		return fmt.Errorf("submit_retries must not be negative, got %d", c.SubmitRetries)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive, got %v", c.JobTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	return nil
}

// EnsureDirs creates the output, frame, and state directories.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.OutputDir, c.FrameDir, c.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
