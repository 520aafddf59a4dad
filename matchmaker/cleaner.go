package matchmaker

import (
	"context"

	"github.com/crymatch/crymatch/codec"
	"github.com/crymatch/crymatch/state"
)

// cleanerLoop moves finished tickets from the matchmaker's own assigned
// stream onto the shared consumed stream, then drops them from the
// in-memory assigned map after a short settle so a fetcher read that was
// already in flight cannot re-ingest them.
func (m *Matchmaker) cleanerLoop(ctx context.Context) {
	for {
		if !sleepCtx(ctx, cleanerDelay) {
			return
		}
		entries := m.drainConsumed(state.BatchLimit)
		if len(entries) == 0 {
			continue
		}
		if err := m.moveConsumed(ctx, entries); err != nil {
			m.logger.Error().Err(err).Msg("failed to move consumed tickets, re-queueing")
			m.requeueConsumed(entries)
			continue
		}
		if !sleepCtx(ctx, cleanerSettleDelay) {
			return
		}
		m.assignedMu.Lock()
		for _, e := range entries {
			delete(m.assigned, e.t.GlobalID)
		}
		m.assignedMu.Unlock()
	}
}

func (m *Matchmaker) drainConsumed(limit int) []consumedEntry {
	m.consumedMu.Lock()
	defer m.consumedMu.Unlock()
	n := len(m.consumed)
	if n == 0 {
		return nil
	}
	if n > limit {
		n = limit
	}
	entries := make([]consumedEntry, n)
	copy(entries, m.consumed[:n])
	m.consumed = append(m.consumed[:0], m.consumed[n:]...)
	return entries
}

func (m *Matchmaker) requeueConsumed(entries []consumedEntry) {
	m.consumedMu.Lock()
	m.consumed = append(entries, m.consumed...)
	m.consumedMu.Unlock()
}

// moveConsumed deletes the tickets from the assigned stream first, then
// adds them to the consumed stream. Repeating the delete after a partial
// failure is harmless; the add is what hands the tickets to the director.
func (m *Matchmaker) moveConsumed(ctx context.Context, entries []consumedEntry) error {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.t.StateID != "" {
			ids = append(ids, e.t.StateID)
		}
	}
	if _, err := m.st.StreamDeleteMessages(ctx, state.AssignedTicketsKey(m.id), ids); err != nil {
		return err
	}

	datas := make([][]byte, len(entries))
	for i, e := range entries {
		e.t.ConsumedForMatch = e.forMatch
		bz, err := codec.Encode(e.t)
		if err != nil {
			return err
		}
		datas[i] = bz
	}
	if _, err := m.st.StreamAddBatch(ctx, state.ConsumedTicketsKey(), datas); err != nil {
		return err
	}
	return nil
}
