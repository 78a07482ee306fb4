// Package main is the sceneforge CLI: it turns a storyboard shot list
// into chained render jobs against a graph-execution backend, with
// resumable checkpointed runs.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sceneforge/sceneforge/internal/logging"
)

// CLI flags shared by subcommands.
var (
	projectFlag  string
	shotsFlag    string
	templateFlag string
	backendFlag  string
	workersFlag  int
)

var rootCmd = &cobra.Command{
	Use:   "sceneforge",
	Short: "Storyboard-to-video generation pipeline",
	Long: `SceneForge converts a declarative shot list into a sequence of render
jobs against an external generative backend. Shots longer than the
segment ceiling are split into chained segments: each segment's last
frame becomes the next segment's start image, so multi-segment shots
play as one continuous clip.

Runs checkpoint after every completed segment and resume automatically
when re-run with the same shot list and workflow template.

Examples:
  sceneforge plan -p ./myproject
  sceneforge run -p ./myproject --workers 2
  sceneforge status -p ./myproject`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", ".", "Project directory (holds sceneforge.yaml, shots, outputs)")
	rootCmd.PersistentFlags().StringVarP(&shotsFlag, "shots", "s", "", "Shot list JSON file (default <project>/shots.json)")
	rootCmd.PersistentFlags().StringVarP(&templateFlag, "template", "t", "", "Workflow template JSON file (default <project>/workflow.json)")

	runCmd.Flags().StringVar(&backendFlag, "backend", "", "Backend base URL (overrides config)")
	runCmd.Flags().IntVar(&workersFlag, "workers", 0, "Cross-shot parallelism (overrides config)")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
