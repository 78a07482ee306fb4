package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sceneforge/sceneforge/internal/checkpoint"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-segment progress from the checkpoint",
	Run:   runStatus,
}

// segmentStatus is the printable per-segment progress line.
type segmentStatus struct {
	ShotID       string `json:"shot_id"`
	SegmentIndex int    `json:"segment_index"`
	Status       string `json:"status"`
	Output       string `json:"output,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, p, _ := loadInputs(cmd.Name())

	store := checkpoint.NewStore(cfg.StateDir)
	state, err := store.Load(p.Signature)
	if err != nil {
		log.Warn().Err(err).Msg("Checkpoint is unusable; a new run will start from scratch")
	}

	statuses := make([]segmentStatus, 0, len(p.Segments))
	done := 0
	for _, seg := range p.Segments {
		s := segmentStatus{ShotID: seg.ShotID, SegmentIndex: seg.Index, Status: "not attempted"}
		if state.IsCompleted(seg.ShotID, seg.Index) {
			s.Status = "completed"
			s.Output = state.Completed[checkpoint.SegmentKey(seg.ShotID, seg.Index)].Output
			done++
		}
		statuses = append(statuses, s)
	}

	log.Info().Int("completed", done).Int("total", len(p.Segments)).Msg("Checkpoint status")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(statuses); err != nil {
		log.Fatal().Err(err).Msg("Failed to print status")
	}
}
