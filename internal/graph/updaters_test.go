package graph

import (
	"strings"
	"testing"
)

func testTemplate() Graph {
	return Graph{
		"1": {ClassType: "LoadImage", Inputs: map[string]any{"image": "placeholder.png"}},
		"2": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"5", 0.0}},
			Meta: &NodeMeta{Title: "Positive Prompt"}},
		"3": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{"5", 0.0}},
			Meta: &NodeMeta{Title: "Negative Prompt"}},
		"4": {ClassType: "WanImageToVideo", Inputs: map[string]any{"width": 0, "height": 0, "length": 0}},
		"5": {ClassType: "SaveVideo", Inputs: map[string]any{"filename_prefix": "video"}},
	}
}

func testParams() Params {
	return Params{
		StartImage:     "/frames/shot_001_seg_0_last.png",
		Prompt:         "a red fox runs through snow",
		NegativePrompt: "blurry, artifacts",
		FrameCount:     49,
		Width:          832,
		Height:         480,
		OutputName:     "shot_001_seg_1",
	}
}

func TestInject_SetsAllParameters(t *testing.T) {
	out, err := NewRegistry().Inject(testTemplate(), testParams())
	if err != nil {
		t.Fatalf("Inject failed: %v", err)
	}

	if got := out["1"].Inputs["image"]; got != "/frames/shot_001_seg_0_last.png" {
		t.Errorf("start image = %v", got)
	}
	if got := out["2"].Inputs["text"]; got != "a red fox runs through snow" {
		t.Errorf("positive prompt = %v", got)
	}
	if got := out["3"].Inputs["text"]; got != "blurry, artifacts" {
		t.Errorf("negative prompt = %v", got)
	}
	if got := out["4"].Inputs["width"]; got != 832 {
		t.Errorf("width = %v", got)
	}
	if got := out["4"].Inputs["length"]; got != 49 {
		t.Errorf("frame count = %v", got)
	}
	if got := out["5"].Inputs["filename_prefix"]; got != "shot_001_seg_1" {
		t.Errorf("output prefix = %v", got)
	}
}

func TestInject_DoesNotMutateTemplate(t *testing.T) {
	tmpl := testTemplate()
	if _, err := NewRegistry().Inject(tmpl, testParams()); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if got := tmpl["1"].Inputs["image"]; got != "placeholder.png" {
		t.Errorf("template was mutated: image = %v", got)
	}
}

func TestInject_PreservesNodeLinks(t *testing.T) {
	out, err := NewRegistry().Inject(testTemplate(), testParams())
	if err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	link, ok := out["2"].Inputs["clip"].([]any)
	if !ok || len(link) != 2 || link[0] != "5" {
		t.Errorf("cross-node link was not preserved: %v", out["2"].Inputs["clip"])
	}
}

func TestInject_FailsWhenRequiredNodeMissing(t *testing.T) {
	tmpl := testTemplate()
	delete(tmpl, "1") // no image loader left

	_, err := NewRegistry().Inject(tmpl, testParams())
	if err == nil {
		t.Fatal("expected error for template without an image loader")
	}
	if !strings.Contains(err.Error(), "start-image") {
		t.Errorf("error should name the unmatched updater, got: %v", err)
	}
}

func TestInject_CustomUpdaterRuns(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Updater{
		Name:    "seed",
		Classes: []string{"KSampler"},
		Apply: func(n *Node, p Params) error {
			n.Inputs["seed"] = 42
			return nil
		},
	})

	tmpl := testTemplate()
	tmpl["6"] = &Node{ClassType: "KSampler", Inputs: map[string]any{"seed": 0}}

	out, err := reg.Inject(tmpl, testParams())
	if err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if got := out["6"].Inputs["seed"]; got != 42 {
		t.Errorf("custom updater did not run: seed = %v", got)
	}
}

func TestFingerprint_StableAndContentSensitive(t *testing.T) {
	a := testTemplate()
	b := testTemplate()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("equal graphs must fingerprint equally")
	}

	b["5"].Inputs["filename_prefix"] = "changed"
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different graphs must fingerprint differently")
	}
}
