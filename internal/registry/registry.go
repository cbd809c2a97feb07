// Package registry holds the static model catalog. A Registry is built once
// at startup and never mutated, so it needs no locking.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"modelhub/internal/apperr"
	"modelhub/internal/config"
)

// Kind selects which backend adapter serves a model.
type Kind string

const (
	// KindContainer backends are started externally and never evicted.
	KindContainer Kind = "container"
	// KindServer backends load and unload models on demand.
	KindServer Kind = "server"
)

// Task kinds used as capability tags.
const (
	TaskChat      = "chat"
	TaskReasoning = "reasoning"
	TaskCoding    = "coding"
	TaskEmbedding = "embedding"
)

// Descriptor is the immutable description of one model.
type Descriptor struct {
	ID               string
	Kind             Kind
	Tags             []string
	FootprintBytes   int64
	MaxContextTokens int
	Endpoint         string
	Priority         int
	Loadable         bool
	BackendModel     string
	Container        string
	Streaming        bool
	HealthPath       string
	APIKey           string
}

// HasTag reports whether the model advertises the capability.
func (d Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FitsContext reports whether a prompt of n tokens fits. Zero on either side
// means unknown and always fits.
func (d Descriptor) FitsContext(n int) bool {
	return n <= 0 || d.MaxContextTokens <= 0 || n <= d.MaxContextTokens
}

// Registry is the read-only catalog.
type Registry struct {
	byID     map[string]Descriptor
	order    []string
	warnings []string
}

// New validates the catalog: ids are unique and the always-loaded container
// set fits within capacity minus headroom.
func New(descs []Descriptor, capacity, headroom int64) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(descs))}
	var pinned int64
	for _, d := range descs {
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("model with empty id")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", d.ID)
		}
		if d.Kind != KindContainer && d.Kind != KindServer {
			return nil, fmt.Errorf("model %q: unknown kind %q", d.ID, d.Kind)
		}
		if d.FootprintBytes <= 0 {
			return nil, fmt.Errorf("model %q: footprint must be positive", d.ID)
		}
		if d.BackendModel == "" {
			d.BackendModel = d.ID
		}
		if d.Kind == KindContainer {
			d.Loadable = false
			pinned += d.FootprintBytes
		}
		if d.Kind == KindServer && !d.Loadable {
			r.warnings = append(r.warnings, fmt.Sprintf("server model %q is not loadable and can never be admitted", d.ID))
		}
		r.byID[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	if budget := capacity - headroom; pinned > budget {
		return nil, fmt.Errorf("container models need %d bytes but only %d are available", pinned, budget)
	}
	return r, nil
}

// FromConfig converts catalog entries into descriptors and builds a Registry.
func FromConfig(models []config.ModelConfig, capacity, headroom int64) (*Registry, error) {
	descs := make([]Descriptor, 0, len(models))
	for _, m := range models {
		d := Descriptor{
			ID:               m.ID,
			Kind:             Kind(strings.ToLower(m.Kind)),
			Tags:             append([]string(nil), m.Tags...),
			FootprintBytes:   m.Footprint.Bytes(),
			MaxContextTokens: m.MaxContext,
			Endpoint:         strings.TrimRight(m.Endpoint, "/"),
			Priority:         m.Priority,
			Loadable:         true,
			BackendModel:     m.BackendModel,
			Container:        m.Container,
			Streaming:        true,
			HealthPath:       m.HealthPath,
			APIKey:           m.APIKey,
		}
		if m.Loadable != nil {
			d.Loadable = *m.Loadable
		}
		if m.Streaming != nil {
			d.Streaming = *m.Streaming
		}
		descs = append(descs, d)
	}
	return New(descs, capacity, headroom)
}

// Warnings lists catalog problems that do not stop startup.
func (r *Registry) Warnings() []string { return append([]string(nil), r.warnings...) }

// Get returns the descriptor for id or a NotFound error.
func (r *Registry) Get(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, apperr.New(apperr.NotFound, id, "unknown model")
	}
	return d, nil
}

// List returns all descriptors in catalog order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Containers returns the always-loaded container models.
func (r *Registry) Containers() []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.Kind == KindContainer {
			out = append(out, d)
		}
	}
	return out
}

// FindCandidates returns models tagged with task, highest priority first.
func (r *Registry) FindCandidates(task string) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.HasTag(task) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// ValidateModes checks that every preset names known models and fits the
// budget on its own.
func (r *Registry) ValidateModes(modes map[string][]string, capacity, headroom int64) error {
	for name, ids := range modes {
		var total int64
		for _, id := range ids {
			d, ok := r.byID[id]
			if !ok {
				return fmt.Errorf("mode %q references unknown model %q", name, id)
			}
			total += d.FootprintBytes
		}
		if total > capacity-headroom {
			return fmt.Errorf("mode %q needs %d bytes but only %d are available", name, total, capacity-headroom)
		}
	}
	return nil
}
