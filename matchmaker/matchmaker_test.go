package matchmaker_test

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/crymatch/crymatch/codec"
	"github.com/crymatch/crymatch/matchmaker"
	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/ticket"
)

func testConfig() matchmaker.Config {
	return matchmaker.Config{
		UpdateDelay:      20 * time.Millisecond,
		MaxDowntime:      2 * time.Second,
		MinGatherTime:    0,
		PoolCapacity:     100,
		MaxMatchFailures: 3,
		Workers:          2,
	}
}

func startMatchmaker(t *testing.T, st state.State) *matchmaker.Matchmaker {
	t.Helper()
	mm := matchmaker.New(st, testConfig(), nil)
	assert.NilError(t, mm.Start(context.Background()))
	t.Cleanup(mm.Dispose)
	return mm
}

// eventually polls the condition until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func assignTicket(t *testing.T, st state.State, mmID string, tk *ticket.Ticket) {
	t.Helper()
	bz, err := codec.Encode(tk)
	assert.NilError(t, err)
	_, err = st.StreamAdd(context.Background(), state.AssignedTicketsKey(mmID), bz)
	assert.NilError(t, err)
}

func TestStartRegistersWithStatus(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	mm := startMatchmaker(t, st)

	ids, err := st.GetSetValues(ctx, state.MatchmakersKey())
	assert.NilError(t, err)
	assert.DeepEqual(t, []string{mm.ID()}, ids)

	text, err := st.GetString(ctx, state.MatchmakerStatusKey(mm.ID()))
	assert.NilError(t, err)
	status, err := ticket.ParseStatus(text)
	assert.NilError(t, err)
	assert.Equal(t, 0, status.ProcessingTickets)
}

func TestFetcherDeduplicatesByGlobalID(t *testing.T) {
	st := state.NewMemory()
	mm := startMatchmaker(t, st)

	tk := &ticket.Ticket{GlobalID: "dup", MatchmakingPoolID: "solo"}
	assignTicket(t, st, mm.ID(), tk)
	assignTicket(t, st, mm.ID(), tk)

	eventually(t, 2*time.Second, func() bool {
		return mm.Status().ProcessingTickets == 2 || mm.Status().ProcessingTickets == 1
	}, "ticket never ingested")
	// Both stream entries parse to the same global id; only one survives.
	assert.Equal(t, 1, mm.Status().ProcessingTickets)
	for _, p := range mm.Status().Pools {
		if p.Name == "solo" {
			assert.Equal(t, 1, p.InQueue)
		}
	}
}

func TestTwoCompatibleTicketsProduceAMatch(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	mm := startMatchmaker(t, st)

	assignTicket(t, st, mm.ID(), &ticket.Ticket{GlobalID: "p1"})
	assignTicket(t, st, mm.ID(), &ticket.Ticket{GlobalID: "p2"})

	eventually(t, 5*time.Second, func() bool {
		msgs, err := st.StreamRead(ctx, state.MatchesKey(), 0)
		return err == nil && len(msgs) == 1
	}, "no match was published")

	msgs, err := st.StreamRead(ctx, state.MatchesKey(), 0)
	assert.NilError(t, err)
	m, err := codec.Decode[ticket.Match](msgs[0].Data)
	assert.NilError(t, err)
	assert.Equal(t, 2, len(m.MatchedTicketGlobalIDs))

	// Both tickets end up on the consumed stream, flagged as used in a
	// match, and leave the matchmaker's own stream.
	eventually(t, 5*time.Second, func() bool {
		consumed, err := st.StreamRead(ctx, state.ConsumedTicketsKey(), 0)
		return err == nil && len(consumed) == 2
	}, "tickets never reached the consumed stream")
	consumed, err := st.StreamRead(ctx, state.ConsumedTicketsKey(), 0)
	assert.NilError(t, err)
	for _, msg := range consumed {
		parked, err := codec.Decode[ticket.Ticket](msg.Data)
		assert.NilError(t, err)
		assert.Assert(t, parked.ConsumedForMatch)
	}
	eventually(t, 5*time.Second, func() bool {
		own, err := st.StreamRead(ctx, state.AssignedTicketsKey(mm.ID()), 0)
		return err == nil && len(own) == 0
	}, "assigned stream was not cleaned")
	eventually(t, 5*time.Second, func() bool {
		return mm.Status().ProcessingTickets == 0
	}, "assigned map was not cleaned")
}

func TestExpiredTicketsAreConsumedUnmatched(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	mm := startMatchmaker(t, st)

	past := time.Now().UTC().Add(-time.Minute)
	for _, id := range []string{"e1", "e2"} {
		assignTicket(t, st, mm.ID(), &ticket.Ticket{
			GlobalID:                  id,
			MaxAgeSeconds:             1,
			Timestamp:                 past,
			TimestampExpiryMatchmaker: past.Add(time.Second),
		})
	}

	eventually(t, 5*time.Second, func() bool {
		consumed, err := st.StreamRead(ctx, state.ConsumedTicketsKey(), 0)
		return err == nil && len(consumed) == 2
	}, "expired tickets never reached the consumed stream")
	consumed, err := st.StreamRead(ctx, state.ConsumedTicketsKey(), 0)
	assert.NilError(t, err)
	for _, msg := range consumed {
		parked, err := codec.Decode[ticket.Ticket](msg.Data)
		assert.NilError(t, err)
		assert.Assert(t, !parked.ConsumedForMatch)
	}

	msgs, err := st.StreamRead(ctx, state.MatchesKey(), 0)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(msgs))
}

func TestIncompatibleTicketsBecomeResidue(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	mm := startMatchmaker(t, st)

	gamemode := func(id string, value float32) *ticket.Ticket {
		return &ticket.Ticket{
			GlobalID: id,
			State:    [][]float32{{value}},
			Requirements: []ticket.RequirementGroup{
				{Any: []ticket.Requirement{{Key: 0, Ranged: false, Values: []float32{value}}}},
			},
		}
	}
	assignTicket(t, st, mm.ID(), gamemode("r1", 1))
	assignTicket(t, st, mm.ID(), gamemode("r2", 2))

	// The round fails and both tickets wait in the pool's retry queue.
	eventually(t, 5*time.Second, func() bool {
		status := mm.Status()
		if len(status.Pools) != 1 {
			return false
		}
		return status.Pools[0].InQueue == 2 && !status.Pools[0].Gathering
	}, "residue never settled in the pool")

	msgs, err := st.StreamRead(ctx, state.MatchesKey(), 0)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(msgs))
}

func TestPoolMatchSizeConfigurationIsFetched(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	assert.NilError(t, st.SetString(ctx, state.PoolMatchSizeKey("squad"), "4", 0))
	mm := startMatchmaker(t, st)

	// Three tickets cannot fill a match of four; they must stay queued.
	for _, id := range []string{"s1", "s2", "s3"} {
		assignTicket(t, st, mm.ID(), &ticket.Ticket{GlobalID: id, MatchmakingPoolID: "squad"})
	}
	eventually(t, 5*time.Second, func() bool {
		status := mm.Status()
		return len(status.Pools) == 1 && status.Pools[0].InQueue == 3
	}, "tickets never queued")

	msgs, err := st.StreamRead(ctx, state.MatchesKey(), 0)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(msgs))

	// Two more tickets land in the incoming queue; the pool wakes (one
	// alone would not wake it) and the squad fills from the retry queue
	// first.
	assignTicket(t, st, mm.ID(), &ticket.Ticket{GlobalID: "s4", MatchmakingPoolID: "squad"})
	assignTicket(t, st, mm.ID(), &ticket.Ticket{GlobalID: "s5", MatchmakingPoolID: "squad"})
	eventually(t, 5*time.Second, func() bool {
		msgs, err := st.StreamRead(ctx, state.MatchesKey(), 0)
		return err == nil && len(msgs) == 1
	}, "squad match never formed")

	msgs, err = st.StreamRead(ctx, state.MatchesKey(), 0)
	assert.NilError(t, err)
	m, err := codec.Decode[ticket.Match](msgs[0].Data)
	assert.NilError(t, err)
	assert.Equal(t, 4, len(m.MatchedTicketGlobalIDs))
}
