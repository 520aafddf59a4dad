package director

import (
	"context"
	"time"

	"github.com/crymatch/crymatch/codec"
	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/ticket"
)

// cleanConsumedTickets reconciles the consumed stream against the
// director's re-add intentions. A consumed ticket marked for re-admission
// goes straight back onto the unassigned stream. Other tickets consumed
// for a match get a discard timer of twice the update delay, which leaves
// a window for a match that was posted slightly after its tickets hit the
// consumed stream to still claim them for re-admission; tickets consumed
// without a match are discarded at once.
func (d *Director) cleanConsumedTickets(ctx context.Context) {
	msgs, err := d.st.StreamRead(ctx, state.ConsumedTicketsKey(), state.BatchLimit)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to read consumed tickets")
		return
	}

	var readdBatch []*ticket.Ticket
	var badIDs []string
	for _, msg := range msgs {
		t, err := codec.Decode[ticket.Ticket](msg.Data)
		if err != nil || t.GlobalID == "" {
			d.logger.Warn().Str("id", msg.ID).Msg("dropping unparsable consumed ticket")
			badIDs = append(badIDs, msg.ID)
			continue
		}
		t.StateID = msg.ID

		d.readdMu.Lock()
		_, toReadd := d.ticketsToReadd[t.GlobalID]
		d.readdMu.Unlock()

		if toReadd {
			if !d.cancelDiscard(t.StateID) {
				// Too late: the discard already fired.
				continue
			}
			d.readdMu.Lock()
			delete(d.ticketsToReadd, t.GlobalID)
			d.readdMu.Unlock()
			readdBatch = append(readdBatch, &t)
			continue
		}

		if t.ConsumedForMatch {
			d.scheduleDiscard(&t)
		} else {
			// Expired or failed out without ever being in a match: no
			// late-arriving match can claim it, so the grace period buys
			// nothing.
			d.discardNow(&t)
		}
	}

	if len(badIDs) > 0 {
		if _, err := d.st.StreamDeleteMessages(ctx, state.ConsumedTicketsKey(), badIDs); err != nil {
			d.logger.Error().Err(err).Msg("failed to drop unparsable consumed tickets")
		}
	}

	d.flushReadds(ctx, readdBatch)
	d.flushDiscards(ctx)
}

// cancelDiscard removes a pending discard for the given consumed-stream
// state id. It reports false when the discard already fired.
func (d *Director) cancelDiscard(stateID string) bool {
	d.discardMu.Lock()
	defer d.discardMu.Unlock()
	entry, ok := d.discardScheduled[stateID]
	if !ok {
		return true
	}
	if entry.discarded {
		return false
	}
	delete(d.discardScheduled, stateID)
	return true
}

// discardNow marks a consumed ticket discarded without the grace period.
// The scheduled map still gets an entry so re-reads of the stream before
// the flush do not double-queue it.
func (d *Director) discardNow(t *ticket.Ticket) {
	d.discardMu.Lock()
	defer d.discardMu.Unlock()
	if _, ok := d.discardScheduled[t.StateID]; ok {
		return
	}
	d.discardScheduled[t.StateID] = &discardEntry{t: t, discarded: true}
	d.discardedTickets = append(d.discardedTickets, t)
}

// scheduleDiscard arms the discard timer for a consumed ticket, once.
// Only match participants get the timer: its whole point is leaving a
// window for a match posted slightly after its tickets hit the consumed
// stream to still claim them for re-admission.
func (d *Director) scheduleDiscard(t *ticket.Ticket) {
	d.discardMu.Lock()
	defer d.discardMu.Unlock()
	if _, ok := d.discardScheduled[t.StateID]; ok {
		return
	}
	entry := &discardEntry{t: t}
	d.discardScheduled[t.StateID] = entry
	stateID := t.StateID
	time.AfterFunc(2*d.cfg.UpdateDelay, func() {
		d.discardMu.Lock()
		defer d.discardMu.Unlock()
		if current, ok := d.discardScheduled[stateID]; ok && current == entry && !entry.discarded {
			entry.discarded = true
			d.discardedTickets = append(d.discardedTickets, entry.t)
		}
	})
}

// flushReadds puts re-admitted tickets back onto the unassigned stream.
// Their global ids never left the submitted set, so no set write is
// needed; the consumed entries are deleted so the next tick does not see
// them again.
func (d *Director) flushReadds(ctx context.Context, batch []*ticket.Ticket) {
	if len(batch) == 0 {
		return
	}
	consumedIDs := make([]string, len(batch))
	datas := make([][]byte, 0, len(batch))
	for i, t := range batch {
		consumedIDs[i] = t.StateID
		t.StateID = ""
		t.TimestampExpiryMatchmaker = time.Time{}
		t.ConsumedForMatch = false
		bz, err := codec.Encode(t)
		if err != nil {
			d.logger.Error().Err(err).Str("global_id", t.GlobalID).Msg("failed to encode re-add ticket")
			continue
		}
		datas = append(datas, bz)
	}
	if _, err := d.st.StreamAddBatch(ctx, state.UnassignedTicketsKey(), datas); err != nil {
		d.logger.Error().Err(err).Msg("failed to re-add tickets")
		return
	}
	if _, err := d.st.StreamDeleteMessages(ctx, state.ConsumedTicketsKey(), consumedIDs); err != nil {
		d.logger.Error().Err(err).Msg("failed to delete re-added consumed entries")
	}
}

// flushDiscards terminally removes discarded tickets: out of the
// submitted set, then out of the consumed stream.
func (d *Director) flushDiscards(ctx context.Context) {
	d.discardMu.Lock()
	n := len(d.discardedTickets)
	if n == 0 {
		d.discardMu.Unlock()
		return
	}
	if n > state.BatchLimit {
		n = state.BatchLimit
	}
	batch := make([]*ticket.Ticket, n)
	copy(batch, d.discardedTickets[:n])
	d.discardedTickets = append(d.discardedTickets[:0], d.discardedTickets[n:]...)
	d.discardMu.Unlock()

	gids := make([]string, n)
	stateIDs := make([]string, n)
	for i, t := range batch {
		gids[i] = t.GlobalID
		stateIDs[i] = t.StateID
	}
	if _, err := d.st.SetRemoveBatch(ctx, state.SubmittedTicketsKey(), gids); err != nil {
		d.logger.Error().Err(err).Msg("failed to remove discarded tickets from submitted set")
	}
	if _, err := d.st.StreamDeleteMessages(ctx, state.ConsumedTicketsKey(), stateIDs); err != nil {
		d.logger.Error().Err(err).Msg("failed to delete discarded consumed entries")
	}
	d.discardMu.Lock()
	for _, id := range stateIDs {
		delete(d.discardScheduled, id)
	}
	d.discardMu.Unlock()
}

// processLostTickets retries ticket batches whose move to a target stream
// failed. The periodic structure is the retry policy: a batch that fails
// again simply goes back on the queue.
func (d *Director) processLostTickets(ctx context.Context) {
	d.lostMu.Lock()
	batches := d.lostTickets
	d.lostTickets = nil
	d.lostMu.Unlock()

	for _, batch := range batches {
		if _, err := d.st.StreamAddBatch(ctx, batch.streamKey, batch.datas); err != nil {
			d.logger.Error().Err(err).Str("stream", batch.streamKey).Msg("lost ticket recovery failed, keeping batch")
			d.lostMu.Lock()
			d.lostTickets = append(d.lostTickets, batch)
			d.lostMu.Unlock()
		}
	}
}
