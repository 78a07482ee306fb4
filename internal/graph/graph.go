// Package graph holds the opaque workflow template handed to the render
// backend and the parameter-injection engine that specializes it per
// segment. The orchestrator only depends on the Injector contract; which
// nodes get rewritten is decided by the open updater registry.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Node is one node of the backend's graph format: a class name plus a
// free-form input map. Unknown input values (including cross-node link
// references) round-trip untouched.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      *NodeMeta      `json:"_meta,omitempty"`
}

// NodeMeta carries the human-facing node annotations some frontends attach.
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// Title returns the node's display title, or "" when absent.
func (n *Node) Title() string {
	if n.Meta == nil {
		return ""
	}
	return n.Meta.Title
}

// Graph is a workflow template: node id → node.
type Graph map[string]*Node

// Load reads a graph template from a JSON file.
func Load(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow template %s: %w", path, err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse workflow template %s: %w", path, err)
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("workflow template %s has no nodes", path)
	}
	return g, nil
}

// Clone deep-copies a graph so injection never mutates the template.
func (g Graph) Clone() (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	var out Graph
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode graph copy: %w", err)
	}
	return out, nil
}

// Fingerprint returns a stable content hash identifying the template.
// Map keys marshal in sorted order, so equal graphs hash equally.
func (g Graph) Fingerprint() string {
	data, err := json.Marshal(g)
	if err != nil {
		// Marshal of a decoded graph cannot fail; keep the signature total anyway.
		return "unfingerprintable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Params are the per-segment values injected into a template.
type Params struct {
	StartImage     string
	Prompt         string
	NegativePrompt string
	FrameCount     int
	Width          int
	Height         int
	OutputName     string
}

// Injector specializes a template for one segment. The orchestrator
// depends only on this contract.
type Injector interface {
	Inject(g Graph, p Params) (Graph, error)
}
