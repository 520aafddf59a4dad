package ticket

// SatisfiesRequirements reports whether every requirement group of v is
// satisfied against other's state vector. Compatibility between two tickets
// needs this to hold in both directions; callers check each side.
func (v *View) SatisfiesRequirements(other *View) bool {
	for _, group := range v.Requirements {
		if !groupSatisfied(group, other.State) {
			return false
		}
	}
	return true
}

// groupSatisfied is the any-of: one passing individual requirement
// satisfies the group.
func groupSatisfied(group RequirementGroup, state [][]float32) bool {
	for _, req := range group.Any {
		if requirementSatisfied(req, state) {
			return true
		}
	}
	return len(group.Any) == 0
}

func requirementSatisfied(req Requirement, state [][]float32) bool {
	// A key beyond the padded state size behaves like an empty state array.
	if int(req.Key) < 0 || int(req.Key) >= len(state) {
		return false
	}
	entry := state[req.Key]
	if req.Ranged {
		// Normalization guarantees two values.
		if len(entry) == 0 {
			return false
		}
		return entry[0] >= req.Values[0] && entry[0] <= req.Values[1]
	}
	for _, want := range req.Values {
		for _, have := range entry {
			if want == have {
				return true
			}
		}
	}
	return false
}
