package graph

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Updater rewrites the inputs of every node whose class it claims.
// Required updaters must match at least one node or injection fails,
// which catches templates missing the hook the pipeline depends on.
type Updater struct {
	Name     string
	Classes  []string
	Required bool
	Apply    func(n *Node, p Params) error
}

func (u Updater) appliesTo(classType string) bool {
	for _, c := range u.Classes {
		if c == classType {
			return true
		}
	}
	return false
}

// Registry is an open set of updaters implementing Injector.
type Registry struct {
	updaters []Updater
}

// NewRegistry returns a registry preloaded with the builtin updaters for
// the image-to-video workflow shape: start image, prompt text, latent
// dimensions and frame count, and output naming.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(startImageUpdater)
	r.Register(promptUpdater)
	r.Register(latentUpdater)
	r.Register(outputUpdater)
	return r
}

// Register appends an updater. Later registrations run after builtins.
func (r *Registry) Register(u Updater) {
	r.updaters = append(r.updaters, u)
}

// Inject clones the template and applies every registered updater to the
// nodes it claims. A required updater matching no node is an error; an
// optional one is skipped silently.
func (r *Registry) Inject(g Graph, p Params) (Graph, error) {
	out, err := g.Clone()
	if err != nil {
		return nil, err
	}

	for _, u := range r.updaters {
		matched := 0
		for id, node := range out {
			if node == nil || !u.appliesTo(node.ClassType) {
				continue
			}
			if node.Inputs == nil {
				node.Inputs = make(map[string]any)
			}
			if err := u.Apply(node, p); err != nil {
				return nil, fmt.Errorf("updater %s failed on node %s (%s): %w", u.Name, id, node.ClassType, err)
			}
			matched++
		}
		if matched == 0 && u.Required {
			return nil, fmt.Errorf("template has no node for required updater %s (classes %v)", u.Name, u.Classes)
		}
		log.Debug().Str("updater", u.Name).Int("nodes", matched).Msg("Updater applied")
	}
	return out, nil
}

var startImageUpdater = Updater{
	Name:     "start-image",
	Classes:  []string{"LoadImage"},
	Required: true,
	Apply: func(n *Node, p Params) error {
		if p.StartImage == "" {
			return fmt.Errorf("start image is empty")
		}
		n.Inputs["image"] = p.StartImage
		return nil
	},
}

// promptUpdater routes text into positive or negative encoders. Encoder
// nodes are told apart by their titles, the convention the graph
// frontends use when exporting API-format workflows.
var promptUpdater = Updater{
	Name:     "prompt-text",
	Classes:  []string{"CLIPTextEncode"},
	Required: true,
	Apply: func(n *Node, p Params) error {
		if strings.Contains(strings.ToLower(n.Title()), "negative") {
			n.Inputs["text"] = p.NegativePrompt
		} else {
			n.Inputs["text"] = p.Prompt
		}
		return nil
	},
}

var latentUpdater = Updater{
	Name:     "latent-size",
	Classes:  []string{"WanImageToVideo", "EmptyLatentVideo", "EmptyHunyuanLatentVideo"},
	Required: true,
	Apply: func(n *Node, p Params) error {
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("dimensions must be positive, got %dx%d", p.Width, p.Height)
		}
		if p.FrameCount <= 0 {
			return fmt.Errorf("frame count must be positive, got %d", p.FrameCount)
		}
		n.Inputs["width"] = p.Width
		n.Inputs["height"] = p.Height
		n.Inputs["length"] = p.FrameCount
		return nil
	},
}

var outputUpdater = Updater{
	Name:     "output-name",
	Classes:  []string{"SaveVideo", "VHS_VideoCombine", "SaveAnimatedWEBP"},
	Required: true,
	Apply: func(n *Node, p Params) error {
		if p.OutputName == "" {
			return fmt.Errorf("output name is empty")
		}
		n.Inputs["filename_prefix"] = p.OutputName
		return nil
	},
}
