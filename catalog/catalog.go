// Package catalog holds the static model catalog the router selects from.
// Descriptors are immutable once loaded; the only mutable state is the
// per-model availability flag, which the dispatcher flips as circuit
// breakers open and close. Routing code never reads the live catalog
// directly — it operates on point-in-time snapshots so that a route
// computation is a pure function of its inputs.
package catalog

import (
	"fmt"
	"sort"
	"sync"
)

// Capability identifies one model capability the router can require.
type Capability string

// The closed capability set. Descriptors and scores only ever use these
// values; anything else is rejected at config load.
const (
	CapText            Capability = "text"
	CapVision          Capability = "vision"
	CapAudio           Capability = "audio-understanding"
	CapLongContext     Capability = "long-context"
	CapFunctionCalling Capability = "function-calling"
)

// SpeedTier classifies a model by expected latency.
type SpeedTier string

const (
	SpeedFast     SpeedTier = "fast"
	SpeedBalanced SpeedTier = "balanced"
	SpeedPowerful SpeedTier = "powerful"
)

// PricingTier classifies a model by provider pricing arrangement.
type PricingTier string

const (
	TierStandard   PricingTier = "standard"
	TierEnterprise PricingTier = "enterprise"
	TierLocal      PricingTier = "local"
)

type (
	// CapabilitySet is a set of capabilities. The zero value is empty.
	CapabilitySet map[Capability]bool

	// ModelDescriptor describes one upstream model: who serves it, what it
	// can do and what it costs. Descriptors are value types and must not be
	// mutated after the catalog is built.
	ModelDescriptor struct {
		// Provider is the configured provider ID serving this model.
		Provider string
		// Model is the provider-specific model identifier.
		Model string
		// Capabilities lists what the model supports.
		Capabilities CapabilitySet
		// CostInPer1K and CostOutPer1K are USD per 1000 tokens.
		CostInPer1K  float64
		CostOutPer1K float64
		// ContextWindow is the maximum combined token count.
		ContextWindow int
		// MaxOutputTokens caps completion length.
		MaxOutputTokens int
		Speed           SpeedTier
		Pricing         PricingTier
		// Available reflects breaker state at snapshot time.
		Available bool
	}

	// Catalog is the live, reloadable model registry.
	Catalog struct {
		mu          sync.RWMutex
		models      []ModelDescriptor
		unavailable map[string]bool // keyed by Provider + "/" + Model
	}

	// Snapshot is a point-in-time view of the catalog used by the router.
	// Models are sorted by (Provider, Model) so snapshots of the same
	// catalog state compare equal.
	Snapshot struct {
		Models []ModelDescriptor
	}
)

// NewSet builds a CapabilitySet from the given capabilities.
func NewSet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// ParseCapability validates a capability string against the closed set.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(s); c {
	case CapText, CapVision, CapAudio, CapLongContext, CapFunctionCalling:
		return c, nil
	default:
		return "", fmt.Errorf("catalog: unknown capability %q", s)
	}
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// Superset reports whether s contains every capability in other.
func (s CapabilitySet) Superset(other CapabilitySet) bool {
	for c, ok := range other {
		if ok && !s[c] {
			return false
		}
	}
	return true
}

// Excess counts capabilities in s that are not required by other. The
// router uses this to prefer specialist models over generalists.
func (s CapabilitySet) Excess(other CapabilitySet) int {
	n := 0
	for c, ok := range s {
		if ok && !other[c] {
			n++
		}
	}
	return n
}

// Sorted returns the capabilities in deterministic order.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c, ok := range s {
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy of the set.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c, ok := range s {
		if ok {
			out[c] = true
		}
	}
	return out
}

// Key returns the availability-map key for a descriptor.
func (d ModelDescriptor) Key() string { return d.Provider + "/" + d.Model }

// Rank maps a speed tier to its ordinal for minimum-tier comparisons.
func (t SpeedTier) Rank() int {
	switch t {
	case SpeedFast:
		return 0
	case SpeedBalanced:
		return 1
	case SpeedPowerful:
		return 2
	default:
		return 1
	}
}

// New builds a catalog from descriptors. All models start available.
func New(models []ModelDescriptor) *Catalog {
	c := &Catalog{unavailable: make(map[string]bool)}
	c.Reload(models)
	return c
}

// Reload replaces the descriptor set. Availability flags of models that
// survive the reload are preserved; flags of removed models are dropped.
func (c *Catalog) Reload(models []ModelDescriptor) {
	sorted := make([]ModelDescriptor, len(models))
	copy(sorted, models)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Provider != sorted[j].Provider {
			return sorted[i].Provider < sorted[j].Provider
		}
		return sorted[i].Model < sorted[j].Model
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	keep := make(map[string]bool, len(sorted))
	for _, m := range sorted {
		keep[m.Key()] = true
	}
	for k := range c.unavailable {
		if !keep[k] {
			delete(c.unavailable, k)
		}
	}
	c.models = sorted
}

// SetAvailable records breaker-driven availability for one model.
func (c *Catalog) SetAvailable(provider, model string, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := provider + "/" + model
	if available {
		delete(c.unavailable, key)
	} else {
		c.unavailable[key] = true
	}
}

// Snapshot returns an immutable view with availability resolved.
func (c *Catalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	models := make([]ModelDescriptor, len(c.models))
	copy(models, c.models)
	for i := range models {
		models[i].Available = !c.unavailable[models[i].Key()]
	}
	return Snapshot{Models: models}
}

// Lookup finds a descriptor by model ID in a snapshot. When several
// providers serve the same model ID the first in (Provider, Model) order
// wins, keeping lookup deterministic.
func (s Snapshot) Lookup(modelID string) (ModelDescriptor, bool) {
	for _, m := range s.Models {
		if m.Model == modelID {
			return m, true
		}
	}
	return ModelDescriptor{}, false
}
