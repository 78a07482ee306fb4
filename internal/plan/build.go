package plan

import "github.com/sceneforge/sceneforge/internal/shot"

// Plan couples the ordered segment list with the signature that names it
// in the checkpoint store.
type Plan struct {
	Segments  []Segment
	Signature string
}

// Build runs the planner and stamps the result with its signature.
// templateID is the workflow template's content fingerprint.
func Build(shots []shot.Shot, maxSegmentSeconds float64, layout Layout, templateID string) (*Plan, error) {
	segments, err := BuildPlan(shots, maxSegmentSeconds, layout)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Segments:  segments,
		Signature: Signature(shots, maxSegmentSeconds, templateID),
	}, nil
}
