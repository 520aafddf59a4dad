package matchmaker

import (
	"context"
	"time"

	"github.com/crymatch/crymatch/codec"
	"github.com/crymatch/crymatch/match"
	"github.com/crymatch/crymatch/pool"
	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/telemetry"
	"github.com/crymatch/crymatch/ticket"
)

// workerLoop cycles over the pools round-robin, picking up each pool it can
// lock and running a matching round on it. Pools with fewer than two
// tickets in the incoming queue are skipped; residue waiting in the
// priority queue alone is not a reason to wake.
func (m *Matchmaker) workerLoop(ctx context.Context) {
	lastIndex := 0
	for ctx.Err() == nil {
		p, idx := m.acquireNextPool(lastIndex)
		if p == nil {
			if !sleepCtx(ctx, m.cfg.UpdateDelay) {
				return
			}
			continue
		}
		lastIndex = idx
		m.runRound(ctx, p)
		p.Exit()
	}
}

// acquireNextPool scans the pool list once, starting after the worker's
// last used index, and returns the first eligible pool it manages to lock.
func (m *Matchmaker) acquireNextPool(lastIndex int) (*pool.Pool, int) {
	m.poolsMu.RLock()
	pools := append([]*pool.Pool(nil), m.poolOrder...)
	m.poolsMu.RUnlock()
	n := len(pools)
	if n == 0 {
		return nil, lastIndex
	}
	for offset := 1; offset <= n; offset++ {
		idx := (lastIndex + offset) % n
		p := pools[idx]
		if p.Queue.Count() < 2 {
			continue
		}
		if p.TryEnter() {
			return p, idx
		}
	}
	return nil, lastIndex
}

// runRound executes one full gather/snapshot/match/consume cycle on a
// locked pool.
func (m *Matchmaker) runRound(ctx context.Context, p *pool.Pool) {
	roundStart := time.Now()

	// Gather: withhold matching so more tickets accumulate, then let the
	// flag flip propagate to the director through the next status pings.
	if p.TicketCount() < m.cfg.PoolCapacity && !p.HasFailedVictims {
		p.SetGathering(true)
		if !sleepCtx(ctx, m.cfg.MinGatherTime) {
			p.SetGathering(false)
			return
		}
		p.SetGathering(false)
		if !sleepCtx(ctx, 2*m.cfg.UpdateDelay) {
			return
		}
	}

	snapshot := m.snapshotPool(p)
	if len(snapshot) < 2 {
		for _, t := range snapshot {
			p.PriorityQueue.Enqueue(t)
		}
		return
	}

	plug := m.plugins.ForPool(p.ID)
	matchSize := p.MatchSize()
	if plug != nil {
		if size := plug.MatchSize(len(snapshot)); size >= 2 {
			matchSize = size
		}
	}

	maxStateSize := 0
	for _, t := range snapshot {
		if len(t.State) > maxStateSize {
			maxStateSize = len(t.State)
		}
	}
	candidatesSize := ticket.DefaultCandidateFactor * (matchSize - 1)
	views := make([]*ticket.View, len(snapshot))
	for i, t := range snapshot {
		views[i] = ticket.NewView(t, maxStateSize, candidatesSize)
	}

	result := match.Run(views, match.Options{
		MatchSize: matchSize,
		Plugin:    plug,
		Workers:   m.cfg.Workers,
	})

	if len(result.Matches) > 0 {
		if err := m.publishMatches(ctx, p, result.Matches, snapshot); err != nil {
			// Matches must hit the stream before their tickets are
			// consumed; without that ordering the tickets are simply
			// retried next round.
			m.logger.Error().Err(err).Str("pool", p.ID).Msg("failed to publish matches")
			for _, t := range snapshot {
				p.PriorityQueue.Enqueue(t)
			}
			return
		}
	}
	p.HasFailedVictims = !result.MatchedAllItCould

	// Residue: tickets the round could not place.
	for _, v := range views {
		if v.Consumed {
			continue
		}
		t := v.Source
		t.MatchingFailureCount++
		if int(t.MatchingFailureCount) > m.cfg.MaxMatchFailures {
			m.consume(t, false)
		} else {
			p.PriorityQueue.Enqueue(t)
		}
	}

	telemetry.EmitDuration(roundStart, "matchmaker.round")
	m.logger.Debug().
		Str("pool", p.ID).
		Int("tickets", len(snapshot)).
		Int("matches", len(result.Matches)).
		Msg("matching round finished")
}

// snapshotPool drains up to the pool capacity, priority queue first.
// Expired tickets are consumed unmatched and skipped.
func (m *Matchmaker) snapshotPool(p *pool.Pool) []*ticket.Ticket {
	limit := m.cfg.PoolCapacity
	if count := p.TicketCount(); count < limit {
		limit = count
	}
	now := time.Now().UTC()
	snapshot := make([]*ticket.Ticket, 0, limit)
	for len(snapshot) < limit {
		t, ok := p.PriorityQueue.Dequeue()
		if !ok {
			t, ok = p.Queue.Dequeue()
		}
		if !ok {
			break
		}
		if t.ExpiredAt(now, m.cfg.UpdateDelay) {
			m.consume(t, false)
			continue
		}
		snapshot = append(snapshot, t)
	}
	return snapshot
}

// publishMatches posts the round's matches, then marks every participant
// consumed in memory. Matches hit the stream strictly before their tickets
// reach the consumed stream.
func (m *Matchmaker) publishMatches(ctx context.Context, p *pool.Pool, matches []ticket.Match, snapshot []*ticket.Ticket) error {
	datas, err := codec.EncodeBatch(matches)
	if err != nil {
		return err
	}
	if _, err := m.st.StreamAddBatch(ctx, state.MatchesKey(), datas); err != nil {
		return err
	}

	byGlobalID := make(map[string]*ticket.Ticket, len(snapshot))
	for _, t := range snapshot {
		byGlobalID[t.GlobalID] = t
	}
	for _, mt := range matches {
		for _, gid := range mt.MatchedTicketGlobalIDs {
			if t, ok := byGlobalID[gid]; ok {
				m.consume(t, true)
			}
		}
	}
	return nil
}

// sleepCtx sleeps for d, returning false when the context was cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
