// Package route maps a task's cognitive-demand estimate (Bloom level 1-6)
// to the cheapest sufficient worker model. Routing is a pure function of
// the configured tier table; identical inputs always yield identical
// outputs.
package route

import (
	"errors"
	"fmt"
	"sort"

	"github.com/msageha/conductor/internal/model"
)

var (
	// ErrInvalidLevel is returned for bloom levels outside 1..6.
	ErrInvalidLevel = errors.New("bloom level outside 1..6")
	// ErrNotConfigured means no tier table exists. Callers must treat
	// this as "routing disabled", not as a failure.
	ErrNotConfigured = errors.New("capability tiers not configured")
)

// UnboundedBloom is the capability assumed for models absent from the
// tier table: fully capable, never a routing obstacle.
const UnboundedBloom = model.MaxBloomLevel

// Router answers capability queries against a routing configuration.
type Router struct {
	cfg model.RoutingConfig
}

func New(cfg model.RoutingConfig) *Router {
	return &Router{cfg: cfg}
}

// Enabled reports whether routing should act at all: a tier table must
// exist and the mode must not be off.
func (r *Router) Enabled() bool {
	return len(r.cfg.Tiers) > 0 && r.cfg.Mode != model.RoutingOff
}

// Mode returns the configured routing mode.
func (r *Router) Mode() model.RoutingMode {
	return r.cfg.Mode
}

// Recommend returns the model whose tier is just sufficient for the given
// bloom level: among tiers with max_bloom >= level, the smallest max_bloom
// wins; ties break by the configured cost-group preference order
// (first-listed group always wins), then by model id for stability. If no
// tier is sufficient, the tier with the globally largest max_bloom is
// returned as best-effort escalation.
func (r *Router) Recommend(level int) (string, error) {
	if !model.ValidBloomLevel(level) {
		return "", fmt.Errorf("level %d: %w", level, ErrInvalidLevel)
	}
	if len(r.cfg.Tiers) == 0 {
		return "", ErrNotConfigured
	}

	type candidate struct {
		modelID string
		spec    model.TierSpec
	}
	var sufficient []candidate
	var best candidate // globally largest max_bloom, for escalation
	for id, spec := range r.cfg.Tiers {
		c := candidate{modelID: id, spec: spec}
		if best.modelID == "" || r.less(c.spec, c.modelID, best.spec, best.modelID, true) {
			best = c
		}
		if spec.MaxBloom >= level {
			sufficient = append(sufficient, c)
		}
	}

	if len(sufficient) == 0 {
		return best.modelID, nil
	}

	sort.Slice(sufficient, func(i, j int) bool {
		return r.less(sufficient[i].spec, sufficient[i].modelID,
			sufficient[j].spec, sufficient[j].modelID, false)
	})
	return sufficient[0].modelID, nil
}

// less orders tier candidates. For recommendation (descending=false) the
// smaller max_bloom wins; for escalation (descending=true) the larger one
// does. Cost group preference then model id break ties either way.
func (r *Router) less(a model.TierSpec, aID string, b model.TierSpec, bID string, descending bool) bool {
	if a.MaxBloom != b.MaxBloom {
		if descending {
			return a.MaxBloom > b.MaxBloom
		}
		return a.MaxBloom < b.MaxBloom
	}
	ra, rb := r.costRank(a.CostGroup), r.costRank(b.CostGroup)
	if ra != rb {
		return ra < rb
	}
	return aID < bID
}

// costRank returns the preference index of a cost group; unlisted groups
// rank after every listed one.
func (r *Router) costRank(group string) int {
	for i, g := range r.cfg.CostGroupOrder {
		if g == group {
			return i
		}
	}
	return len(r.cfg.CostGroupOrder)
}

// Capability returns the maximum bloom level the model supports. Unknown
// models and absent configuration default to unbounded; this never fails.
func (r *Router) Capability(modelID string) int {
	spec, ok := r.cfg.Tiers[modelID]
	if !ok {
		return UnboundedBloom
	}
	if !model.ValidBloomLevel(spec.MaxBloom) {
		return UnboundedBloom
	}
	return spec.MaxBloom
}
