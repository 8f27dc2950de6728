package risk

import "math"

// Kelly returns the Kelly fraction for an even-odds bet won with
// probability p: max(0, 2p-1).
func Kelly(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	p = math.Max(0, math.Min(p, 1))
	return math.Max(0, 2*p-1)
}
