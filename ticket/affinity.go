package ticket

import "math"

// AffinityGate compares the affinities of a and b index-by-index,
// truncating to the shorter list. It returns the priority each side earns
// from the pairing, or ok=false when a hard margin on either side vetoes
// the pair entirely.
func AffinityGate(a, b *View) (priorityForA, priorityForB float64, ok bool) {
	pairs := len(a.Affinities)
	if len(b.Affinities) < pairs {
		pairs = len(b.Affinities)
	}
	for i := 0; i < pairs; i++ {
		affA := &a.Affinities[i]
		affB := &b.Affinities[i]
		diff := math.Abs(float64(affA.Value) - float64(affB.Value))

		normA := affinityNorm(diff, affA)
		if !affA.SoftMargin && normA == 0 {
			return 0, 0, false
		}
		normB := affinityNorm(diff, affB)
		if !affB.SoftMargin && normB == 0 {
			return 0, 0, false
		}

		priorityForA += normA * affA.PriorityFactor
		priorityForB += normB * affB.PriorityFactor
	}
	return priorityForA, priorityForB, true
}

// affinityNorm maps the value difference into [0, 1] under one side's
// margin and preference direction. Zero means the worst possible pairing
// for that side.
func affinityNorm(diff float64, aff *ViewAffinity) float64 {
	norm := diff * aff.MaxMarginInverted
	if norm > 1 {
		norm = 1
	} else if norm < 0 {
		norm = 0
	}
	if !aff.PreferDisimilar {
		norm = 1 - norm
	}
	return norm
}
