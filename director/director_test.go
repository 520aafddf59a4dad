package director_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/crymatch/crymatch/codec"
	"github.com/crymatch/crymatch/director"
	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/ticket"
)

func testConfig() director.Config {
	return director.Config{
		UpdateDelay:  20 * time.Millisecond,
		MaxDowntime:  200 * time.Millisecond,
		PoolCapacity: 100,
	}
}

func startDirector(t *testing.T, st state.State) *director.Director {
	t.Helper()
	d := director.New(st, testConfig())
	assert.NilError(t, d.Start(context.Background()))
	t.Cleanup(d.Dispose)
	return d
}

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

// registerFakeMatchmaker makes a matchmaker visible to the director
// without running one: a parsable status under its id plus the registry
// entry.
func registerFakeMatchmaker(t *testing.T, st state.State, id string) {
	t.Helper()
	ctx := context.Background()
	status := &ticket.MatchmakerStatus{LocalTime: time.Now().UTC()}
	assert.NilError(t, st.SetString(ctx, state.MatchmakerStatusKey(id), status.Text(), time.Minute))
	_, err := st.SetAdd(ctx, state.MatchmakersKey(), id)
	assert.NilError(t, err)
}

func TestSecondDirectorRefusesToStart(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	assert.NilError(t, st.SetString(ctx, state.DirectorActiveKey(), "Active", time.Minute))

	d := director.New(st, testConfig())
	err := d.Start(ctx)
	assert.ErrorIs(t, err, director.ErrAlreadyActive)
}

func TestStaleLeaseIsWaitedOut(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	// The lease outlives its writer by less than one downtime window.
	assert.NilError(t, st.SetString(ctx, state.DirectorActiveKey(), "Active", 50*time.Millisecond))

	d := director.New(st, testConfig())
	assert.NilError(t, d.Start(ctx))
	t.Cleanup(d.Dispose)

	lease, err := st.GetString(ctx, state.DirectorActiveKey())
	assert.NilError(t, err)
	assert.Equal(t, "Active", lease)
}

func TestSubmitFlushesToUnassignedAndSubmitted(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	d := startDirector(t, st)

	tk := &ticket.Ticket{}
	assert.NilError(t, d.SubmitTicket(tk))
	assert.Assert(t, tk.GlobalID != "")

	eventually(t, 2*time.Second, func() bool {
		ok, err := st.SetContains(ctx, state.SubmittedTicketsKey(), tk.GlobalID)
		return err == nil && ok
	}, "global id never entered the submitted set")
}

func TestAssignmentMovesTicketToMatchmakerStream(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	registerFakeMatchmaker(t, st, "mm_fake")
	d := startDirector(t, st)

	tk := &ticket.Ticket{MaxAgeSeconds: 60}
	assert.NilError(t, d.SubmitTicket(tk))

	eventually(t, 2*time.Second, func() bool {
		msgs, err := st.StreamRead(ctx, state.AssignedTicketsKey("mm_fake"), 0)
		return err == nil && len(msgs) == 1
	}, "ticket never reached the matchmaker stream")

	msgs, err := st.StreamRead(ctx, state.AssignedTicketsKey("mm_fake"), 0)
	assert.NilError(t, err)
	assigned, err := codec.Decode[ticket.Ticket](msgs[0].Data)
	assert.NilError(t, err)
	assert.Equal(t, tk.GlobalID, assigned.GlobalID)
	// Assignment stamps the matchmaker-local expiry.
	assert.Assert(t, !assigned.TimestampExpiryMatchmaker.IsZero())

	unassigned, err := st.StreamRead(ctx, state.UnassignedTicketsKey(), 0)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(unassigned))
}

func TestRemovedTicketIsNotAssigned(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	// No matchmaker online: the ticket waits on the unassigned stream
	// until the removal turns it into a cancellation.
	d := startDirector(t, st)

	err := d.RemoveTicket(ctx, "unknown")
	assert.ErrorIs(t, err, director.ErrNotFound)

	tk := &ticket.Ticket{}
	assert.NilError(t, d.SubmitTicket(tk))
	eventually(t, 2*time.Second, func() bool {
		ok, err := st.SetContains(ctx, state.SubmittedTicketsKey(), tk.GlobalID)
		return err == nil && ok
	}, "ticket never flushed")

	assert.NilError(t, d.RemoveTicket(ctx, tk.GlobalID))

	eventually(t, 2*time.Second, func() bool {
		unassigned, err := st.StreamRead(ctx, state.UnassignedTicketsKey(), 0)
		return err == nil && len(unassigned) == 0
	}, "cancelled ticket never left the unassigned stream")
}

func TestAgedOutTicketsExpireInsteadOfAssigning(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	registerFakeMatchmaker(t, st, "mm_fake")
	d := startDirector(t, st)

	first := &ticket.Ticket{MaxAgeSeconds: 0.001}
	second := &ticket.Ticket{MaxAgeSeconds: 0.001}
	assert.NilError(t, d.SubmitTicket(first))
	assert.NilError(t, d.SubmitTicket(second))

	eventually(t, 3*time.Second, func() bool {
		for _, gid := range []string{first.GlobalID, second.GlobalID} {
			ok, err := st.SetContains(ctx, state.SubmittedTicketsKey(), gid)
			if err != nil || ok {
				return false
			}
		}
		unassigned, err := st.StreamRead(ctx, state.UnassignedTicketsKey(), 0)
		return err == nil && len(unassigned) == 0
	}, "expired tickets were not cleaned up")

	msgs, err := st.StreamRead(ctx, state.MatchesKey(), 0)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(msgs))
}

func TestValidMatchIsDeliveredAndCleaned(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	d := startDirector(t, st)

	_, err := st.SetAddBatch(ctx, state.SubmittedTicketsKey(), []string{"p1", "p2"})
	assert.NilError(t, err)
	bz, err := codec.Encode(ticket.Match{GlobalID: "m1", MatchedTicketGlobalIDs: []string{"p1", "p2"}})
	assert.NilError(t, err)
	_, err = st.StreamAdd(ctx, state.MatchesKey(), bz)
	assert.NilError(t, err)

	readerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var mu sync.Mutex
	var received []*ticket.Match
	go func() {
		_ = d.ReadIncomingMatches(readerCtx, func(m *ticket.Match) error {
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
			return nil
		})
	}()

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "match never reached the reader")

	mu.Lock()
	assert.Equal(t, "m1", received[0].GlobalID)
	mu.Unlock()

	eventually(t, 2*time.Second, func() bool {
		msgs, err := st.StreamRead(ctx, state.MatchesKey(), 0)
		return err == nil && len(msgs) == 0
	}, "consumed match never left the matches stream")

	for _, gid := range []string{"p1", "p2"} {
		ok, err := st.SetContains(ctx, state.SubmittedTicketsKey(), gid)
		assert.NilError(t, err)
		assert.Assert(t, !ok, "participant %s still in submitted set", gid)
	}
}

func TestInvalidMatchReaddsValidParticipants(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	d := startDirector(t, st)

	// Only one participant is still live; the other was cancelled.
	_, err := st.SetAdd(ctx, state.SubmittedTicketsKey(), "alive")
	assert.NilError(t, err)
	bz, err := codec.Encode(ticket.Match{GlobalID: "m1", MatchedTicketGlobalIDs: []string{"alive", "ghost"}})
	assert.NilError(t, err)
	_, err = st.StreamAdd(ctx, state.MatchesKey(), bz)
	assert.NilError(t, err)

	readerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var mu sync.Mutex
	delivered := 0
	go func() {
		_ = d.ReadIncomingMatches(readerCtx, func(*ticket.Match) error {
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}()
	// Wait until the match was validated (and "alive" marked for
	// re-admission) before the consumed entry shows up.
	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, "invalid match never reached the reader")

	// The matchmaker parks the live ticket on the consumed stream; the
	// cleaner must re-admit it instead of discarding it.
	aliveBz, err := codec.Encode(&ticket.Ticket{GlobalID: "alive", ConsumedForMatch: true})
	assert.NilError(t, err)
	_, err = st.StreamAdd(ctx, state.ConsumedTicketsKey(), aliveBz)
	assert.NilError(t, err)

	eventually(t, 3*time.Second, func() bool {
		msgs, err := st.StreamRead(ctx, state.UnassignedTicketsKey(), 0)
		if err != nil || len(msgs) != 1 {
			return false
		}
		tk, err := codec.Decode[ticket.Ticket](msgs[0].Data)
		return err == nil && tk.GlobalID == "alive"
	}, "valid participant was never re-added")

	// Re-admission keeps the global id in the submitted set.
	ok, err := st.SetContains(ctx, state.SubmittedTicketsKey(), "alive")
	assert.NilError(t, err)
	assert.Assert(t, ok)

	eventually(t, 3*time.Second, func() bool {
		consumed, err := st.StreamRead(ctx, state.ConsumedTicketsKey(), 0)
		return err == nil && len(consumed) == 0
	}, "re-added consumed entry was not cleaned")
}

func TestMatchConsumedTicketsAreDiscardedAfterDelay(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	startDirector(t, st)

	_, err := st.SetAdd(ctx, state.SubmittedTicketsKey(), "done")
	assert.NilError(t, err)
	bz, err := codec.Encode(&ticket.Ticket{GlobalID: "done", ConsumedForMatch: true})
	assert.NilError(t, err)
	_, err = st.StreamAdd(ctx, state.ConsumedTicketsKey(), bz)
	assert.NilError(t, err)

	eventually(t, 3*time.Second, func() bool {
		ok, err := st.SetContains(ctx, state.SubmittedTicketsKey(), "done")
		if err != nil || ok {
			return false
		}
		consumed, err := st.StreamRead(ctx, state.ConsumedTicketsKey(), 0)
		return err == nil && len(consumed) == 0
	}, "consumed ticket was never discarded")
}

// A ticket consumed without a match was never a participant, so it skips
// the re-admission grace period entirely.
func TestFailureConsumedTicketsAreDiscardedImmediately(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	startDirector(t, st)

	_, err := st.SetAdd(ctx, state.SubmittedTicketsKey(), "failed")
	assert.NilError(t, err)
	bz, err := codec.Encode(&ticket.Ticket{GlobalID: "failed"})
	assert.NilError(t, err)
	_, err = st.StreamAdd(ctx, state.ConsumedTicketsKey(), bz)
	assert.NilError(t, err)

	eventually(t, 3*time.Second, func() bool {
		ok, err := st.SetContains(ctx, state.SubmittedTicketsKey(), "failed")
		if err != nil || ok {
			return false
		}
		consumed, err := st.StreamRead(ctx, state.ConsumedTicketsKey(), 0)
		return err == nil && len(consumed) == 0
	}, "failure-consumed ticket was never discarded")
}

func TestOfflineMatchmakerIsUnregisteredAndDrained(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()

	// A registered matchmaker with no status: its assigned tickets must
	// flow back to the unassigned stream.
	_, err := st.SetAdd(ctx, state.MatchmakersKey(), "mm_dead")
	assert.NilError(t, err)
	bz, err := codec.Encode(&ticket.Ticket{GlobalID: "orphan"})
	assert.NilError(t, err)
	_, err = st.StreamAdd(ctx, state.AssignedTicketsKey("mm_dead"), bz)
	assert.NilError(t, err)
	_, err = st.SetAdd(ctx, state.SubmittedTicketsKey(), "orphan")
	assert.NilError(t, err)

	startDirector(t, st)

	eventually(t, 3*time.Second, func() bool {
		ids, err := st.GetSetValues(ctx, state.MatchmakersKey())
		return err == nil && len(ids) == 0
	}, "dead matchmaker was never unregistered")

	// The orphan either waits on the unassigned stream or has already
	// expired out; with no age limit it must still be live.
	eventually(t, 3*time.Second, func() bool {
		msgs, err := st.StreamRead(ctx, state.UnassignedTicketsKey(), 0)
		return err == nil && len(msgs) == 1
	}, "orphaned ticket never returned to the unassigned stream")
}
