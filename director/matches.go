package director

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/crymatch/crymatch/codec"
	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/ticket"
)

// matchFeed hands validated matches to readers. It is unbounded on
// purpose: a match dropped here would orphan its participants inside the
// submitted set forever.
type matchFeed struct {
	mu     sync.Mutex
	items  []*ticket.Match
	notify chan struct{}
}

func newMatchFeed() *matchFeed {
	return &matchFeed{notify: make(chan struct{}, 1)}
}

func (f *matchFeed) push(m *ticket.Match) {
	f.mu.Lock()
	f.items = append(f.items, m)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a match is available or the context is cancelled.
func (f *matchFeed) pop(ctx context.Context) (*ticket.Match, error) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			m := f.items[0]
			f.items = append(f.items[:0], f.items[1:]...)
			remaining := len(f.items)
			f.mu.Unlock()
			if remaining > 0 {
				// Keep the signal live for other readers.
				select {
				case f.notify <- struct{}{}:
				default:
				}
			}
			return m, nil
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "")
		case <-f.notify:
		}
	}
}

// processMatches deletes matches consumed by readers, then, while at
// least one reader is attached, pulls new matches off the matches stream,
// validates their participants, and feeds them to readers.
func (d *Director) processMatches(ctx context.Context) {
	d.consumeMu.Lock()
	toDelete := d.consumeQueue
	d.consumeQueue = nil
	d.consumeMu.Unlock()
	if len(toDelete) > 0 {
		if _, err := d.st.StreamDeleteMessages(ctx, state.MatchesKey(), toDelete); err != nil {
			d.logger.Error().Err(err).Msg("failed to delete consumed matches")
			d.consumeMu.Lock()
			d.consumeQueue = append(toDelete, d.consumeQueue...)
			d.consumeMu.Unlock()
		} else {
			d.receivedMu.Lock()
			for _, id := range toDelete {
				delete(d.receivedMatchStateIDs, id)
			}
			d.receivedMu.Unlock()
		}
	}

	if d.readers.Load() == 0 {
		return
	}

	msgs, err := d.st.StreamRead(ctx, state.MatchesKey(), state.BatchLimit)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to read matches stream")
		return
	}
	for _, msg := range msgs {
		m, err := codec.Decode[ticket.Match](msg.Data)
		if err != nil {
			d.logger.Warn().Str("id", msg.ID).Msg("dropping unparsable match")
			continue
		}
		m.StateID = msg.ID

		d.receivedMu.Lock()
		if _, seen := d.receivedMatchStateIDs[m.StateID]; seen {
			d.receivedMu.Unlock()
			continue
		}
		d.receivedMatchStateIDs[m.StateID] = struct{}{}
		d.receivedMu.Unlock()

		if err := d.validateMatch(ctx, &m); err != nil {
			d.logger.Error().Err(err).Str("match", m.GlobalID).Msg("failed to validate match, retrying next tick")
			// Revert the dedup mark so the next tick reprocesses it.
			d.receivedMu.Lock()
			delete(d.receivedMatchStateIDs, m.StateID)
			d.receivedMu.Unlock()
			continue
		}
		d.feed.push(&m)
	}
}

// validateMatch checks every participant against the submitted set. A
// match with a missing participant is invalid: only the missing ids leave
// the submitted set, and the remaining valid participants stay in it,
// marked for re-admission once their bodies surface on the consumed
// stream. A valid match takes all its participants out of the submitted
// set. Valid or not, the match goes to the readers.
func (d *Director) validateMatch(ctx context.Context, m *ticket.Match) error {
	gids := m.MatchedTicketGlobalIDs
	submitted, err := d.st.SetContainsBatch(ctx, state.SubmittedTicketsKey(), gids)
	if err != nil {
		return err
	}

	var invalid, valid []string
	for i, gid := range gids {
		if submitted[i] {
			valid = append(valid, gid)
		} else {
			invalid = append(invalid, gid)
		}
	}

	if len(invalid) > 0 {
		if _, err := d.st.SetRemoveBatch(ctx, state.SubmittedTicketsKey(), invalid); err != nil {
			return err
		}
		d.readdMu.Lock()
		for _, gid := range valid {
			d.ticketsToReadd[gid] = struct{}{}
		}
		d.readdMu.Unlock()
		return nil
	}

	if _, err := d.st.SetRemoveBatch(ctx, state.SubmittedTicketsKey(), gids); err != nil {
		return err
	}
	return nil
}

// ConsumeMatch acknowledges delivery: the match is deleted from the
// matches stream on the next tick.
func (d *Director) ConsumeMatch(m *ticket.Match) {
	d.consumeMu.Lock()
	d.consumeQueue = append(d.consumeQueue, m.StateID)
	d.consumeMu.Unlock()
}

// ReturnMatch puts an undelivered match back for another reader.
func (d *Director) ReturnMatch(m *ticket.Match) {
	d.feed.push(m)
}

// ReadIncomingMatches delivers matches one-by-one through the callback. A
// match is consumed only after the callback succeeds; on callback error
// the match is returned for another reader and the loop stops with that
// error. The loop also stops cleanly when ctx is cancelled.
func (d *Director) ReadIncomingMatches(ctx context.Context, callback func(*ticket.Match) error) error {
	d.readers.Add(1)
	defer d.readers.Add(-1)
	for {
		m, err := d.feed.pop(ctx)
		if err != nil {
			return err
		}
		if err := callback(m); err != nil {
			d.ReturnMatch(m)
			return err
		}
		d.ConsumeMatch(m)
	}
}
