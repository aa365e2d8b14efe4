// Package heuristic provides pluggable scoring functions for resolutions.
package heuristic

import (
	"math"
	"strings"
	"time"
)

// Resolution is the minimal view of a resolution a heuristic needs to score
// it. It mirrors associator.Resolution without importing that package, so
// that heuristics stay free of any dependency on the Associator's internals.
type Resolution struct {
	Chain      []string
	QueryCount int
	QueryTrend float64
	LastSeen   time.Time
}

// Func scores a Resolution. Larger is better; the result must never be
// negative. Func must be pure: called twice on an unchanged Resolution it
// returns the same value.
type Func func(r Resolution, now time.Time) float64

func numberOfLabels(terminal string) int {
	name := strings.TrimSuffix(terminal, ".")
	if name == "" {
		return 0
	}
	return len(strings.Split(name, "."))
}

func depthOverLabels(r Resolution) float64 {
	if len(r.Chain) == 0 {
		return 0
	}
	labels := numberOfLabels(r.Chain[len(r.Chain)-1])
	if labels == 0 {
		return 0
	}
	return float64(len(r.Chain))/float64(labels) + math.Log(float64(r.QueryCount))
}

// Standard implements depth_of_chain/number_of_labels + ln(query_count),
// with no time-decay term.
func Standard(r Resolution, now time.Time) float64 {
	if len(r.Chain) == 0 {
		return 0
	}
	if numberOfLabels(r.Chain[len(r.Chain)-1]) == 0 {
		return 0
	}
	return depthOverLabels(r)
}

// Attenuating implements the reference heuristic from SPEC_FULL.md 4.D: the
// Standard numerator divided by a term that grows with the combined drift of
// query_trend and time since last_seen, so resolutions that have gone cold
// are penalized relative to ones still being actively observed.
func Attenuating(r Resolution, now time.Time) float64 {
	if len(r.Chain) == 0 {
		return 0
	}
	if numberOfLabels(r.Chain[len(r.Chain)-1]) == 0 {
		return 0
	}

	numerator := depthOverLabels(r)

	lastSeenDelta := now.Sub(r.LastSeen).Seconds()
	drift := math.Sqrt(r.QueryTrend*r.QueryTrend + lastSeenDelta*lastSeenDelta)
	attenuation := 1 + math.Pow(drift/172800, 2)

	return numerator / attenuation
}

// ByName returns the heuristic registered under name, defaulting to
// Attenuating when name is empty. ok is false for an unrecognized name.
func ByName(name string) (fn Func, ok bool) {
	switch name {
	case "", "attenuating":
		return Attenuating, true
	case "standard":
		return Standard, true
	default:
		return nil, false
	}
}
