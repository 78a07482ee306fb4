package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/sceneforge/sceneforge/internal/shot"
)

// Signature hashes the inputs that determine a plan's shape: sorted shot
// IDs with their durations and chosen images, the segment ceiling, and
// the workflow template identity. Two runs with equal signatures produce
// structurally identical plans, so checkpoints from one are safe to
// resume in the other. Prompt text is deliberately excluded: editing a
// prompt re-renders nothing that already completed.
func Signature(shots []shot.Shot, maxSegmentSeconds float64, templateID string) string {
	sorted := make([]shot.Shot, len(shots))
	copy(sorted, shots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	fmt.Fprintf(&b, "v1|ceiling=%.6f|template=%s\n", maxSegmentSeconds, templateID)
	for _, s := range sorted {
		fmt.Fprintf(&b, "%s|%.6f|%s\n", s.ID, s.DurationSeconds, s.StartImage)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
