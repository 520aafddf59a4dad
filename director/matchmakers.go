package director

import (
	"context"

	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/ticket"
)

// onlineMatchmaker is the director's cached view of one live matchmaker.
// The assigner mutates the cached queue counts as it routes tickets so a
// single tick distributes load instead of dogpiling one target.
type onlineMatchmaker struct {
	id     string
	status *ticket.MatchmakerStatus
	pools  map[string]*ticket.PoolStatus
}

func newOnlineMatchmaker(id string, status *ticket.MatchmakerStatus) *onlineMatchmaker {
	pools := make(map[string]*ticket.PoolStatus, len(status.Pools))
	for i := range status.Pools {
		pools[status.Pools[i].Name] = &status.Pools[i]
	}
	return &onlineMatchmaker{id: id, status: status, pools: pools}
}

// processMatchmakers refreshes the online matchmaker cache from the
// registry set, unregisters matchmakers whose status is gone or
// unparsable, and then runs the assigner, draining extra batches within
// the same tick while the emergency budget allows.
func (d *Director) processMatchmakers(ctx context.Context) {
	ids, err := d.st.GetSetValues(ctx, state.MatchmakersKey())
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to read matchmaker registry")
		return
	}

	online := make([]*onlineMatchmaker, 0, len(ids))
	for _, id := range ids {
		text, err := d.st.GetString(ctx, state.MatchmakerStatusKey(id))
		if err != nil {
			d.logger.Error().Err(err).Str("matchmaker", id).Msg("failed to read matchmaker status")
			continue
		}
		if text == "" {
			d.unregisterMatchmaker(ctx, id)
			continue
		}
		status, err := ticket.ParseStatus(text)
		if err != nil {
			d.logger.Warn().Err(err).Str("matchmaker", id).Msg("unparsable matchmaker status, unregistering")
			d.unregisterMatchmaker(ctx, id)
			continue
		}
		online = append(online, newOnlineMatchmaker(id, status))
	}

	d.onlineMu.Lock()
	d.online = online
	d.onlineMu.Unlock()

	for round := 0; round <= d.emergency; round++ {
		if d.assignTickets(ctx) < state.BatchLimit {
			break
		}
	}
}

// unregisterMatchmaker drains an offline matchmaker's assigned stream back
// onto the unassigned stream, then removes the matchmaker from the
// registry.
func (d *Director) unregisterMatchmaker(ctx context.Context, id string) {
	d.logger.Info().Str("matchmaker", id).Msg("unregistering offline matchmaker")

	d.onlineMu.Lock()
	for i, mm := range d.online {
		if mm.id == id {
			d.online = append(d.online[:i], d.online[i+1:]...)
			break
		}
	}
	d.onlineMu.Unlock()

	assignedKey := state.AssignedTicketsKey(id)
	for {
		msgs, err := d.st.StreamRead(ctx, assignedKey, state.BatchLimit)
		if err != nil {
			d.logger.Error().Err(err).Str("matchmaker", id).Msg("failed to read orphaned tickets")
			return
		}
		if len(msgs) == 0 {
			break
		}
		ids := make([]string, len(msgs))
		datas := make([][]byte, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID
			datas[i] = msg.Data
		}
		if _, err := d.st.StreamDeleteMessages(ctx, assignedKey, ids); err != nil {
			d.logger.Error().Err(err).Str("matchmaker", id).Msg("failed to detach orphaned tickets")
			return
		}
		if _, err := d.st.StreamAddBatch(ctx, state.UnassignedTicketsKey(), datas); err != nil {
			d.logger.Error().Err(err).Str("matchmaker", id).Msg("orphaned ticket move failed, queueing for recovery")
			d.lostMu.Lock()
			d.lostTickets = append(d.lostTickets, lostBatch{streamKey: state.UnassignedTicketsKey(), datas: datas})
			d.lostMu.Unlock()
		}
		if len(msgs) < state.BatchLimit {
			break
		}
	}

	if err := d.st.StreamDelete(ctx, assignedKey); err != nil {
		d.logger.Error().Err(err).Str("matchmaker", id).Msg("failed to delete orphaned stream")
	}
	if _, err := d.st.SetRemove(ctx, state.MatchmakersKey(), id); err != nil {
		d.logger.Error().Err(err).Str("matchmaker", id).Msg("failed to remove matchmaker from registry")
	}
}
