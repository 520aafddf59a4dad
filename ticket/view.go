package ticket

import (
	"sync"
	"sync/atomic"
)

// DefaultCandidateFactor sizes a view's candidate slots as
// DefaultCandidateFactor * (matchSize - 1).
const DefaultCandidateFactor = 8

// ViewAffinity is an Affinity flattened for matching: the margin division
// is precomputed once per ticket instead of once per pair.
type ViewAffinity struct {
	Value             float32
	MaxMarginInverted float64
	PreferDisimilar   bool
	SoftMargin        bool
	PriorityFactor    float64
}

// Candidate is one scored slot of a view's candidate array. A nil Ticket
// marks an empty slot.
type Candidate struct {
	Ticket *View
	Rating float64
}

// View is the matching-optimized form of a Ticket. Views are built per
// matching round; the candidate slot array is fixed-length, sorted
// descending by rating with the leftmost slot being the best candidate.
//
// Consumed is owned by match assembly, which runs single-threaded; every
// other mutable field is safe for the parallel candidate search.
type View struct {
	GlobalID     string
	Source       *Ticket
	State        [][]float32
	Affinities   []ViewAffinity
	Requirements []RequirementGroup
	BasePriority float64
	Consumed     bool
	Slots        []Candidate

	slotsMu sync.Mutex
	usageBy atomic.Int32
}

// NewView converts a ticket for matching. The state matrix is padded to
// maxStateSize (missing rows become empty arrays), ranged requirements are
// normalized to exactly two values, and affinity margins are inverted.
func NewView(t *Ticket, maxStateSize int, candidatesSize int) *View {
	paddedState := make([][]float32, maxStateSize)
	for i := range paddedState {
		if i < len(t.State) && t.State[i] != nil {
			paddedState[i] = t.State[i]
		} else {
			paddedState[i] = []float32{}
		}
	}

	requirements := make([]RequirementGroup, len(t.Requirements))
	for i, group := range t.Requirements {
		anyOf := make([]Requirement, len(group.Any))
		for j, req := range group.Any {
			anyOf[j] = normalizeRequirement(req)
		}
		requirements[i] = RequirementGroup{Any: anyOf}
	}

	affinities := make([]ViewAffinity, len(t.Affinities))
	for i, aff := range t.Affinities {
		inverted := 0.0
		if aff.MaxMargin > 0 {
			inverted = 1.0 / float64(aff.MaxMargin)
		}
		affinities[i] = ViewAffinity{
			Value:             aff.Value,
			MaxMarginInverted: inverted,
			PreferDisimilar:   aff.PreferDisimilar,
			SoftMargin:        aff.SoftMargin,
			PriorityFactor:    float64(aff.PriorityFactor),
		}
	}

	return &View{
		GlobalID:     t.GlobalID,
		Source:       t,
		State:        paddedState,
		Affinities:   affinities,
		Requirements: requirements,
		Slots:        make([]Candidate, candidatesSize),
	}
}

// normalizeRequirement guarantees ranged requirements carry exactly two
// values. A single value becomes a degenerate [v, v] range; no values
// become [0, 0].
func normalizeRequirement(req Requirement) Requirement {
	if !req.Ranged {
		return req
	}
	switch len(req.Values) {
	case 0:
		req.Values = []float32{0, 0}
	case 1:
		req.Values = []float32{req.Values[0], req.Values[0]}
	case 2:
	default:
		req.Values = req.Values[:2]
	}
	return req
}

// UsageCount reports how many other views currently hold this one in their
// candidate slots.
func (v *View) UsageCount() int32 {
	return v.usageBy.Load()
}

// AddCandidate inserts other into v's slot array, keeping it sorted
// descending by rating. A candidate rated no better than the current worst
// stored slot is dropped. On insertion the bumped-off tail candidate, if
// any, has its target's usage counter decremented and other's usage counter
// is incremented. Not safe for concurrent use; see AddCandidateSync.
func (v *View) AddCandidate(other *View, rating float64) bool {
	return v.insertCandidate(other, rating)
}

// AddCandidateSync is the thread-safe variant used by the parallel
// candidate search. A relaxed pre-check on the last slot short-circuits
// obvious rejections without taking the lock.
func (v *View) AddCandidateSync(other *View, rating float64) bool {
	last := v.Slots[len(v.Slots)-1]
	if last.Ticket != nil && rating <= last.Rating {
		return false
	}
	v.slotsMu.Lock()
	defer v.slotsMu.Unlock()
	return v.insertCandidate(other, rating)
}

func (v *View) insertCandidate(other *View, rating float64) bool {
	slots := v.Slots
	if len(slots) == 0 {
		return false
	}
	last := slots[len(slots)-1]
	if last.Ticket != nil && rating <= last.Rating {
		return false
	}
	for i := range slots {
		if slots[i].Ticket != nil && slots[i].Rating >= rating {
			continue
		}
		if bumped := slots[len(slots)-1]; bumped.Ticket != nil {
			bumped.Ticket.usageBy.Add(-1)
		}
		copy(slots[i+1:], slots[i:len(slots)-1])
		slots[i] = Candidate{Ticket: other, Rating: rating}
		other.usageBy.Add(1)
		return true
	}
	return false
}
