package pipeline

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template is one registry entry: the literal template text plus whether the
// pipeline occupies both display slots.
type Template struct {
	Text string
	Dual bool
}

// Registry is a fixed mapping from symbolic pipeline names to templates.
// It is read-only after construction.
type Registry struct {
	entries map[ID]Template
}

// DefaultRegistry returns the built-in template set.
func DefaultRegistry() *Registry {
	return &Registry{entries: map[ID]Template{
		"camera":                   {Text: tmplCamera},
		"pose-detection":           {Text: tmplPoseDetection},
		"segmentation":             {Text: tmplSegmentation},
		"classification":           {Text: tmplClassification},
		"object-detection":         {Text: tmplObjectDetection},
		"depth-segmentation":       {Text: tmplDepthSegmentation, Dual: true},
		"googlenet-classification": {Text: tmplGooglenetClassification},
		"hrnet-pose-estimation":    {Text: tmplHRNetPoseEstimation},
	}}
}

type registryFile struct {
	Pipelines []struct {
		Name     string `yaml:"name"`
		Template string `yaml:"template"`
		Dual     bool   `yaml:"dual"`
	} `yaml:"pipelines"`
}

// LoadRegistry reads a YAML template registry from path. Each entry must
// contain a data-source token and at least one display token; any other
// placeholder-shaped token is rejected.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	entries := make(map[ID]Template, len(f.Pipelines))
	for _, p := range f.Pipelines {
		if p.Name == "" || p.Template == "" {
			return nil, fmt.Errorf("registry entry missing name or template")
		}
		if err := validateTemplate(p.Template); err != nil {
			return nil, fmt.Errorf("registry entry %q: %w", p.Name, err)
		}
		entries[ID(p.Name)] = Template{Text: p.Template, Dual: p.Dual}
	}
	return &Registry{entries: entries}, nil
}

func validateTemplate(text string) error {
	known := map[string]bool{
		TokenDataSrc:       true,
		TokenSingleDisplay: true,
		TokenDualDisplay:   true,
		TokenSingleWindow:  true,
		TokenDualWindow:    true,
	}
	for _, tok := range placeholderRe.FindAllString(text, -1) {
		if !known[tok] {
			return fmt.Errorf("unknown placeholder %s", tok)
		}
	}
	return nil
}

// Has reports whether id exists in the registry.
func (r *Registry) Has(id ID) bool {
	_, ok := r.entries[id]
	return ok
}

// IsDual reports whether id names a dual-output pipeline. Unknown ids are
// not dual.
func (r *Registry) IsDual(id ID) bool {
	return r.entries[id].Dual
}

// IDs returns all registered pipeline names, sorted.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
