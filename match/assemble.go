package match

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crymatch/crymatch/plugin"
	"github.com/crymatch/crymatch/ticket"
)

// assemble walks the views in input order and greedily builds matches from
// each unconsumed ticket's candidate slots. Tickets whose candidates were
// all taken by earlier matches in the same round are recorded as victims of
// theft into the caller's buffer; victims beyond its capacity only bump
// overflow. A nil buffer disables victim tracking (reliable mode).
func assemble(
	views []*ticket.View,
	matchSize int,
	plug plugin.Plugin,
	victims *[]*ticket.View,
	overflow *int,
) []ticket.Match {
	var matches []ticket.Match
	wanted := matchSize - 1
	picked := make([]*ticket.View, 0, wanted)

	for _, owner := range views {
		if owner.Consumed {
			continue
		}
		owner.Consumed = true
		picked = picked[:0]
		stolen := 0

		// Walk slots best to worst; consumed slots count as stolen.
		for _, slot := range owner.Slots {
			if slot.Ticket == nil {
				break
			}
			if slot.Ticket.Consumed {
				stolen++
				continue
			}
			picked = append(picked, slot.Ticket)
			if len(picked) == wanted {
				break
			}
		}

		if len(picked) < wanted {
			owner.Consumed = false
			if victims != nil && stolen > wanted {
				if len(*victims) < cap(*victims) {
					*victims = append(*victims, owner)
				} else {
					*overflow++
				}
			}
			continue
		}

		if plug != nil && plug.OverrideCandidatePicking() {
			var ok bool
			picked, ok = pickWithPlugin(owner, plug, picked, wanted)
			if !ok {
				owner.Consumed = false
				continue
			}
		}

		ids := make([]string, 0, matchSize)
		ids = append(ids, owner.GlobalID)
		for _, p := range picked {
			p.Consumed = true
			ids = append(ids, p.GlobalID)
		}
		matches = append(matches, ticket.Match{
			GlobalID:               uuid.NewString(),
			MatchedTicketGlobalIDs: ids,
		})
	}
	return matches
}

// pickWithPlugin lets the pool's plugin replace the default best-rated
// picks. The plugin sees the owner at index 0 followed by every non-empty
// slot; it fills pickedIndices with candidate indices. A pick of the owner,
// an out-of-range or duplicate index, or an already-consumed ticket
// invalidates the whole match. A plugin that declines or fails keeps the
// defaults.
func pickWithPlugin(
	owner *ticket.View,
	plug plugin.Plugin,
	defaults []*ticket.View,
	wanted int,
) ([]*ticket.View, bool) {
	candidates := make([]plugin.Candidate, 1, len(owner.Slots)+1)
	candidates[0] = plugin.Candidate{GlobalID: owner.GlobalID, State: owner.State}
	slotTickets := make([]*ticket.View, 0, len(owner.Slots))
	defaultIndexOf := make(map[*ticket.View]int, len(defaults))
	for _, slot := range owner.Slots {
		if slot.Ticket == nil {
			break
		}
		slotTickets = append(slotTickets, slot.Ticket)
		candidates = append(candidates, plugin.Candidate{
			GlobalID: slot.Ticket.GlobalID,
			Rating:   slot.Rating,
			State:    slot.Ticket.State,
		})
		defaultIndexOf[slot.Ticket] = len(candidates) - 1
	}

	pickedIndices := make([]int, wanted)
	for i, d := range defaults {
		pickedIndices[i] = defaultIndexOf[d]
	}

	if !plug.PickMatchCandidates(candidates, pickedIndices) {
		log.Warn().Str("plugin", plug.Name()).Msg("plugin declined candidate picking, using defaults")
		return defaults, true
	}

	result := make([]*ticket.View, 0, wanted)
	seen := make(map[int]struct{}, wanted)
	for _, idx := range pickedIndices {
		if idx <= 0 || idx >= len(candidates) {
			return nil, false
		}
		if _, dup := seen[idx]; dup {
			return nil, false
		}
		seen[idx] = struct{}{}
		t := slotTickets[idx-1]
		if t.Consumed {
			return nil, false
		}
		result = append(result, t)
	}
	return result, true
}
