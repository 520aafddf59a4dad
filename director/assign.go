package director

import (
	"context"
	"time"

	"github.com/crymatch/crymatch/codec"
	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/telemetry"
	"github.com/crymatch/crymatch/ticket"
)

type assignment struct {
	messageID string
	data      []byte
}

// assignTickets moves one batch of unassigned tickets onto matchmaker
// streams. Cancelled and aged-out tickets are dropped. It returns the
// number of stream messages it pulled, which the caller compares against
// the batch limit to decide on another pass.
func (d *Director) assignTickets(ctx context.Context) int {
	msgs, err := d.st.StreamRead(ctx, state.UnassignedTicketsKey(), state.BatchLimit)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to read unassigned tickets")
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}

	tickets := make([]*ticket.Ticket, 0, len(msgs))
	// dropIDs collects stream messages with no future: unparsable,
	// cancelled, or aged out.
	var dropIDs []string
	for _, msg := range msgs {
		t, err := codec.Decode[ticket.Ticket](msg.Data)
		if err != nil || t.GlobalID == "" {
			d.logger.Warn().Str("id", msg.ID).Msg("dropping unparsable unassigned ticket")
			dropIDs = append(dropIDs, msg.ID)
			continue
		}
		t.StateID = msg.ID
		tickets = append(tickets, &t)
	}

	gids := make([]string, len(tickets))
	for i, t := range tickets {
		gids[i] = t.GlobalID
	}
	submitted, err := d.st.SetContainsBatch(ctx, state.SubmittedTicketsKey(), gids)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to check submitted set")
		return len(msgs)
	}

	now := time.Now().UTC()
	var agedOutGids []string
	live := make([]*ticket.Ticket, 0, len(tickets))
	for i, t := range tickets {
		if !submitted[i] {
			// Cancelled via RemoveTicket while still unassigned.
			dropIDs = append(dropIDs, t.StateID)
			continue
		}
		if !t.NeverExpires() && now.Sub(t.Timestamp).Seconds() > t.MaxAgeSeconds {
			dropIDs = append(dropIDs, t.StateID)
			agedOutGids = append(agedOutGids, t.GlobalID)
			continue
		}
		live = append(live, t)
	}

	d.onlineMu.Lock()
	// Group assignments per target stream so each move is two batched ops.
	groups := make(map[string][]assignment)
	for _, t := range live {
		mm := d.selectMatchmaker(t.MatchmakingPoolID)
		if mm == nil {
			// No matchmaker online; the ticket stays unassigned.
			continue
		}
		timeDifference := now.Sub(mm.status.LocalTime)
		if t.NeverExpires() {
			t.TimestampExpiryMatchmaker = time.Time{}
		} else {
			t.TimestampExpiryMatchmaker = t.Timestamp.
				Add(-timeDifference).
				Add(time.Duration(t.MaxAgeSeconds * float64(time.Second)))
		}
		bz, err := codec.Encode(t)
		if err != nil {
			d.logger.Error().Err(err).Str("global_id", t.GlobalID).Msg("failed to encode assigned ticket")
			continue
		}
		key := state.AssignedTicketsKey(mm.id)
		groups[key] = append(groups[key], assignment{messageID: t.StateID, data: bz})

		// Keep the cached status honest within this tick.
		mm.status.ProcessingTickets++
		if ps, ok := mm.pools[t.MatchmakingPoolID]; ok {
			ps.InQueue++
		} else {
			mm.status.Pools = append(mm.status.Pools, ticket.PoolStatus{Name: t.MatchmakingPoolID, InQueue: 1})
			mm.pools[t.MatchmakingPoolID] = &mm.status.Pools[len(mm.status.Pools)-1]
		}
	}
	d.onlineMu.Unlock()

	if len(dropIDs) > 0 {
		if _, err := d.st.StreamDeleteMessages(ctx, state.UnassignedTicketsKey(), dropIDs); err != nil {
			d.logger.Error().Err(err).Msg("failed to drop dead unassigned tickets")
		}
	}
	if len(agedOutGids) > 0 {
		if _, err := d.st.SetRemoveBatch(ctx, state.SubmittedTicketsKey(), agedOutGids); err != nil {
			d.logger.Error().Err(err).Msg("failed to expire aged-out tickets")
		}
	}

	assigned := 0
	for key, group := range groups {
		ids := make([]string, len(group))
		datas := make([][]byte, len(group))
		for i, a := range group {
			ids[i] = a.messageID
			datas[i] = a.data
		}
		// Delete first: a crash between the two ops loses the ticket to
		// the lost-ticket recovery rather than duplicating it.
		if _, err := d.st.StreamDeleteMessages(ctx, state.UnassignedTicketsKey(), ids); err != nil {
			d.logger.Error().Err(err).Str("stream", key).Msg("failed to detach tickets for assignment")
			continue
		}
		if _, err := d.st.StreamAddBatch(ctx, key, datas); err != nil {
			d.logger.Error().Err(err).Str("stream", key).Msg("assignment write failed, queueing for recovery")
			d.lostMu.Lock()
			d.lostTickets = append(d.lostTickets, lostBatch{streamKey: key, datas: datas})
			d.lostMu.Unlock()
			continue
		}
		assigned += len(group)
	}
	telemetry.EmitCount("director.tickets_assigned", int64(assigned))
	return len(msgs)
}

// selectMatchmaker picks the target for one ticket of the given pool:
// first preference is a matchmaker already gathering on that pool with
// queue headroom, then any matchmaker with a partially filled queue, then
// whichever matchmaker is least busy overall. Caller holds onlineMu.
func (d *Director) selectMatchmaker(poolID string) *onlineMatchmaker {
	var leastBusy *onlineMatchmaker
	var partial *onlineMatchmaker
	for _, mm := range d.online {
		if leastBusy == nil || mm.status.ProcessingTickets < leastBusy.status.ProcessingTickets {
			leastBusy = mm
		}
		ps, ok := mm.pools[poolID]
		if !ok || ps.InQueue >= d.cfg.PoolCapacity {
			continue
		}
		if ps.Gathering {
			return mm
		}
		if ps.InQueue > 0 && partial == nil {
			partial = mm
		}
	}
	if partial != nil {
		return partial
	}
	return leastBusy
}
