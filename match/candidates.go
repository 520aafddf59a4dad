package match

import (
	"math/rand"
	"sync"

	"github.com/crymatch/crymatch/ticket"
)

// findCandidates scores every unordered pair of views and inserts each side
// into the other's candidate slots. For inputs of MinForParallel or more
// the outer index range is partitioned across workers; pair (i, j) with
// j > i is always owned by i's worker, so no pair is scored twice.
func findCandidates(views []*ticket.View, prioritySpan float64, unreliable bool, workers int) {
	noiseRange := prioritySpan * 0.05
	if noiseRange < 0.001 {
		// Non-zero noise is required to break ties between identical
		// priorities; a noise range far below the priority span is worse
		// than none because it can no longer reorder anything.
		noiseRange = 0.001
	}

	n := len(views)
	if n < MinForParallel || workers < 2 {
		scoreRange(views, 0, n-1, noiseRange, unreliable, false)
		return
	}

	if workers > n-1 {
		workers = n - 1
	}
	var wg sync.WaitGroup
	chunk := (n - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if w == workers-1 {
			end = n - 1
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			scoreRange(views, start, end, noiseRange, unreliable, true)
		}(start, end)
	}
	wg.Wait()
}

// scoreRange scores pairs (i, j) for i in [start, end), j in (i, len).
func scoreRange(views []*ticket.View, start, end int, noiseRange float64, unreliable bool, threadSafe bool) {
	for i := start; i < end; i++ {
		a := views[i]
		usageLimit := int32(len(a.Slots)) * usageIgnoreFactor
		for j := i + 1; j < len(views); j++ {
			b := views[j]
			// When many low-priority tickets all pick the same top-rated
			// few, those tickets' slots churn without producing better
			// matches. Over-requested tickets are skipped entirely.
			if unreliable && b.UsageCount() > usageLimit {
				continue
			}
			if !a.SatisfiesRequirements(b) || !b.SatisfiesRequirements(a) {
				continue
			}
			priorityForA, priorityForB, ok := ticket.AffinityGate(a, b)
			if !ok {
				continue
			}
			// One draw per pair: both directions see the same noise.
			noise := rand.Float64() * noiseRange
			ratingA := noise + b.BasePriority + priorityForA
			ratingB := noise + a.BasePriority + priorityForB
			if threadSafe {
				a.AddCandidateSync(b, ratingA)
				b.AddCandidateSync(a, ratingB)
			} else {
				a.AddCandidate(b, ratingA)
				b.AddCandidate(a, ratingB)
			}
		}
	}
}
