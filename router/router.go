// Package router holds the complexity scorer and the model selection
// procedure. Both are pure: they never perform I/O and the same inputs
// always produce the same outputs, which keeps routing decisions
// reproducible and testable in isolation.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/autopicker/gateway/catalog"
	"github.com/autopicker/gateway/extract"
	"github.com/autopicker/gateway/model"
)

// ErrNoModel reports an empty candidate set with no local sentinel to
// fall back on.
var ErrNoModel = errors.New("no model available")

// defaultOutputCeiling is the assumed output budget when the request does
// not set max_tokens.
const defaultOutputCeiling = 1024

type (
	// File pairs an uploaded file's byte size with its resolved
	// extraction, the scorer's view of one attachment.
	File struct {
		Size       int64
		Extraction extract.Extraction
	}

	// ComplexityScore is the scorer output: a 0-100 score, the capability
	// set any serving model must satisfy, and token estimates for the
	// long-context and cost checks.
	ComplexityScore struct {
		Score           int                   `json:"score"`
		Required        catalog.CapabilitySet `json:"-"`
		RequiredList    []string              `json:"required_capabilities"`
		EstInputTokens  int                   `json:"estimated_input_tokens"`
		EstOutputTokens int                   `json:"estimated_output_tokens"`
		Rationale       []string              `json:"rationale"`
	}

	// Preferences are the recognized routing options.
	Preferences struct {
		PreferFast      bool
		PreferCheap     bool
		MaxCostPer1K    float64
		PricingTier     string // standard, enterprise, local, or auto
		ExplicitModelID string // model ID or "auto"
	}

	// Route is the selection result: one model plus an ordered fallback
	// list and the tags explaining how the selection was reached.
	Route struct {
		Selected  catalog.ModelDescriptor
		Fallbacks []catalog.ModelDescriptor
		Rationale []string
	}
)

// Score computes the complexity of a request given its resolved file
// extractions. Signals are summed with per-signal caps and the total is
// capped at 100.
func Score(req *model.ChatRequest, files []File, snap catalog.Snapshot) ComplexityScore {
	var (
		score     int
		rationale []string
		required  = catalog.NewSet(catalog.CapText)
	)

	userText := req.UserContent()
	if pts := min(len(userText)/800, 25); pts > 0 {
		score += pts
		rationale = append(rationale, "payload")
	}

	if pts := min(len(files)*5, 20); pts > 0 {
		score += pts
		rationale = append(rationale, "files")
	}

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Size
	}
	if pts := min(int(totalBytes/(200<<10)), 15); pts > 0 {
		score += pts
		rationale = append(rationale, "file-bytes")
	}

	var hasImage, hasAudio, hasTable bool
	for _, f := range files {
		switch f.Extraction.Kind {
		case extract.KindImageCaption:
			hasImage = true
		case extract.KindTranscript:
			hasAudio = true
			if len(f.Extraction.Text) > 0 {
				required[catalog.CapAudio] = true
			}
		case extract.KindTable, extract.KindStructuredJSON:
			hasTable = true
		}
	}
	if hasImage {
		score += 10
		required[catalog.CapVision] = true
		rationale = append(rationale, "image")
	}
	if hasAudio {
		score += 15
		rationale = append(rationale, "audio")
	}
	if hasTable {
		score += 5
		rationale = append(rationale, "tabular")
	}

	hinted := 0
	for _, h := range req.Capabilities {
		c, err := catalog.ParseCapability(h)
		if err != nil || c == catalog.CapText {
			continue
		}
		if !required[c] {
			required[c] = true
		}
		hinted++
	}
	if hinted > 0 {
		score += hinted * 10
		rationale = append(rationale, "capability-hints")
	}

	if looksLikeCode(userText) {
		score += 5
		rationale = append(rationale, "code")
	}

	estIn := estimateTokens(userText, files)
	if needsLongContext(estIn, snap) {
		required[catalog.CapLongContext] = true
		rationale = append(rationale, "long-context")
	}

	estOut := req.MaxTokens
	if estOut <= 0 {
		estOut = defaultOutputCeiling
	}

	return ComplexityScore{
		Score:           min(score, 100),
		Required:        required,
		RequiredList:    capabilityNames(required),
		EstInputTokens:  estIn,
		EstOutputTokens: estOut,
		Rationale:       rationale,
	}
}

// MinSpeedTier maps a score to the minimum acceptable speed tier.
func MinSpeedTier(score int) catalog.SpeedTier {
	switch {
	case score <= 30:
		return catalog.SpeedFast
	case score <= 70:
		return catalog.SpeedBalanced
	default:
		return catalog.SpeedPowerful
	}
}

// BuildRoute runs the selection procedure over a catalog snapshot. It is
// a pure function of its arguments.
func BuildRoute(score ComplexityScore, prefs Preferences, snap catalog.Snapshot) (Route, error) {
	if prefs.ExplicitModelID != "" && prefs.ExplicitModelID != "auto" {
		if d, ok := snap.Lookup(prefs.ExplicitModelID); ok && d.Available && d.Capabilities.Superset(score.Required) {
			return Route{Selected: d, Rationale: []string{"explicit-model"}}, nil
		}
		// Fall through to automatic selection.
	}

	candidates := filterCandidates(score, prefs, snap)
	sortCandidates(candidates, prefs)

	var rationale []string
	minTier := MinSpeedTier(score.Score)
	tiered := filterTier(candidates, minTier)
	if len(tiered) == 0 && len(candidates) > 0 && minTier.Rank() > 0 {
		// The tier requirement relaxes exactly one step; a score that
		// demands powerful never lands on a fast model.
		tiered = filterTier(candidates, relaxTier(minTier))
		if len(tiered) > 0 {
			rationale = append(rationale, "tier-relaxed")
		}
	}

	if len(tiered) == 0 {
		d, ok := localSentinel(snap)
		if !ok {
			return Route{}, fmt.Errorf("%w: no candidate satisfies %v", ErrNoModel, score.RequiredList)
		}
		rationale = append(rationale, "local-fallback")
		if !d.Capabilities.Superset(score.Required) {
			rationale = append(rationale, "capability-relaxed")
		}
		return Route{Selected: d, Rationale: rationale}, nil
	}

	route := Route{Selected: tiered[0], Rationale: rationale}
	for _, d := range tiered[1:] {
		if len(route.Fallbacks) == 3 {
			break
		}
		route.Fallbacks = append(route.Fallbacks, d)
	}
	return route, nil
}

func filterCandidates(score ComplexityScore, prefs Preferences, snap catalog.Snapshot) []catalog.ModelDescriptor {
	var out []catalog.ModelDescriptor
	for _, d := range snap.Models {
		if !d.Available {
			continue
		}
		if !d.Capabilities.Superset(score.Required) {
			continue
		}
		if prefs.MaxCostPer1K > 0 && effectiveCost(d) > prefs.MaxCostPer1K {
			continue
		}
		if prefs.PricingTier != "" && prefs.PricingTier != "auto" && string(d.Pricing) != prefs.PricingTier {
			continue
		}
		out = append(out, d)
	}
	return out
}

// sortCandidates orders by (capability excess asc, bias-adjusted cost
// asc, speed-preference match desc, model ID asc). Lower excess prefers
// specialists over generalists.
func sortCandidates(ds []catalog.ModelDescriptor, prefs Preferences) {
	costBias := 1.0
	if prefs.PreferCheap {
		costBias = 0.5
	}
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		// Excess is against the empty set here; required capabilities were
		// already enforced, so relative excess order is unchanged.
		ea, eb := len(a.Capabilities), len(b.Capabilities)
		if ea != eb {
			return ea < eb
		}
		ca, cb := effectiveCost(a)*costBias, effectiveCost(b)*costBias
		if ca != cb {
			return ca < cb
		}
		ma, mb := speedMatch(a, prefs), speedMatch(b, prefs)
		if ma != mb {
			return ma > mb
		}
		return a.Model < b.Model
	})
}

func filterTier(ds []catalog.ModelDescriptor, minTier catalog.SpeedTier) []catalog.ModelDescriptor {
	var out []catalog.ModelDescriptor
	for _, d := range ds {
		if d.Speed.Rank() >= minTier.Rank() {
			out = append(out, d)
		}
	}
	return out
}

func relaxTier(t catalog.SpeedTier) catalog.SpeedTier {
	switch t {
	case catalog.SpeedPowerful:
		return catalog.SpeedBalanced
	default:
		return catalog.SpeedFast
	}
}

// localSentinel returns the lexically first available local-tier model.
func localSentinel(snap catalog.Snapshot) (catalog.ModelDescriptor, bool) {
	var best catalog.ModelDescriptor
	found := false
	for _, d := range snap.Models {
		if d.Pricing != catalog.TierLocal || !d.Available {
			continue
		}
		if !found || d.Model < best.Model {
			best = d
			found = true
		}
	}
	return best, found
}

func speedMatch(d catalog.ModelDescriptor, prefs Preferences) int {
	if prefs.PreferFast && d.Speed == catalog.SpeedFast {
		return 1
	}
	return 0
}

func effectiveCost(d catalog.ModelDescriptor) float64 {
	return d.CostInPer1K + d.CostOutPer1K
}

// estimateTokens derives a heuristic token count: one token per four
// characters of user content plus extraction text.
func estimateTokens(userText string, files []File) int {
	chars := len(userText)
	for _, f := range files {
		chars += len(f.Extraction.Text)
	}
	return chars / 4
}

// needsLongContext reports whether the estimate would overflow 75% of
// some fast model's context window.
func needsLongContext(estTokens int, snap catalog.Snapshot) bool {
	for _, d := range snap.Models {
		if d.Speed != catalog.SpeedFast || d.ContextWindow <= 0 {
			continue
		}
		if estTokens > d.ContextWindow*3/4 {
			return true
		}
	}
	return false
}

// looksLikeCode reports fenced blocks or punctuation-dense content.
func looksLikeCode(text string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	var punct, total int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			punct++
		}
	}
	return total > 0 && punct*10 > total
}

func capabilityNames(s catalog.CapabilitySet) []string {
	caps := s.Sorted()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
