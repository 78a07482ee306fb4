package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects the resolved run configuration and emits a single
// structured event before any job is submitted, so a captured log of a run
// always begins with the exact settings that produced it.
type StartupLogger struct {
	command   string
	setupTime time.Duration

	dirs   map[string]string
	inputs map[string]string
	counts map[string]int
	config map[string]string
}

// NewStartupLogger creates a StartupLogger for the given command
// (e.g. "run", "plan").
func NewStartupLogger(command string) *StartupLogger {
	return &StartupLogger{
		command: command,
		dirs:    make(map[string]string),
		inputs:  make(map[string]string),
		counts:  make(map[string]int),
		config:  make(map[string]string),
	}
}

// Dir registers a directory the command writes into.
func (s *StartupLogger) Dir(label, path string) *StartupLogger {
	s.dirs[label] = path
	return s
}

// Input registers an input file path resolved for this run.
func (s *StartupLogger) Input(label, path string) *StartupLogger {
	s.inputs[label] = path
	return s
}

// Count registers a derived size, such as the number of planned segments.
func (s *StartupLogger) Count(label string, n int) *StartupLogger {
	s.counts[label] = n
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// SetupDuration records how long input loading and planning took.
func (s *StartupLogger) SetupDuration(d time.Duration) *StartupLogger {
	s.setupTime = d
	return s
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if the variable is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log emits a single structured INFO event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info().
		Dict("process", zerolog.Dict().
			Str("command", s.command).
			Str("goVersion", runtime.Version()).
			Str("arch", runtime.GOARCH).
			Str("logLevel", EnvOrDefault("SCENEFORGE_LOG_LEVEL", "info")))

	if len(s.dirs) > 0 {
		evt = evt.Dict("dirs", dictFromMap(s.dirs))
	}
	if len(s.inputs) > 0 {
		evt = evt.Dict("inputs", dictFromMap(s.inputs))
	}
	if len(s.counts) > 0 {
		d := zerolog.Dict()
		for k, v := range s.counts {
			d = d.Int(k, v)
		}
		evt = evt.Dict("counts", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.setupTime > 0 {
		evt = evt.Dur("setupDuration", s.setupTime)
	}

	evt.Msg("Startup complete")
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
