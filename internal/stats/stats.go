// Package stats holds the small numeric helpers shared by group ranking and
// composite scoring.
package stats

import (
	"sort"

	"github.com/seqlab/champ/internal/models"
)

// Median returns the statistical median of values. Returns 0 for an empty
// slice; callers filter invalid inputs before calling.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0.0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2.0
}

// TopK returns the k best values under the direction. k is clamped to
// len(values). The input is not modified.
func TopK(values []float64, k int, dir models.Direction) []float64 {
	if k > len(values) {
		k = len(values)
	}
	if k <= 0 {
		return nil
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if dir == models.Minimize {
		return sorted[:k]
	}
	return sorted[len(sorted)-k:]
}

// StableScore is the median of the top-k values: the group-ranking statistic
// that resists single-trial flukes.
func StableScore(values []float64, k int, dir models.Direction) float64 {
	return Median(TopK(values, k, dir))
}

// Best returns the extremum of values under the direction.
func Best(values []float64, dir models.Direction) float64 {
	best := values[0]
	for _, v := range values[1:] {
		if dir.Better(v, best) {
			best = v
		}
	}
	return best
}

// MinMaxNormalize scales values into [0,1]. When every value is identical the
// range is zero; all values normalize to 0.5 so no candidate gains a spurious
// advantage from the degenerate axis.
func MinMaxNormalize(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(values))
	if hi == lo {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}
