package pool_test

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/crymatch/crymatch/pool"
	"github.com/crymatch/crymatch/ticket"
)

func TestTicketQueueIsFIFO(t *testing.T) {
	q := pool.NewTicketQueue()
	a := &ticket.Ticket{GlobalID: "a"}
	b := &ticket.Ticket{GlobalID: "b"}
	q.Enqueue(a)
	q.Enqueue(b)
	assert.Equal(t, 2, q.Count())

	got, ok := q.Dequeue()
	assert.Assert(t, ok)
	assert.Equal(t, "a", got.GlobalID)
	got, ok = q.Dequeue()
	assert.Assert(t, ok)
	assert.Equal(t, "b", got.GlobalID)
	_, ok = q.Dequeue()
	assert.Assert(t, !ok)
}

func TestTryEnterIsNotReentrant(t *testing.T) {
	p := pool.New("ranked")
	assert.Assert(t, p.TryEnter())
	assert.Assert(t, !p.TryEnter())
	p.Exit()
	assert.Assert(t, p.TryEnter())
	p.Exit()
}

func TestMatchSizeIgnoresTooSmallValues(t *testing.T) {
	p := pool.New("ranked")
	assert.Equal(t, pool.DefaultMatchSize, p.MatchSize())
	p.SetMatchSize(1)
	assert.Equal(t, pool.DefaultMatchSize, p.MatchSize())
	p.SetMatchSize(10)
	assert.Equal(t, 10, p.MatchSize())
}

func TestShouldRefreshConfigClaimsTheRefresh(t *testing.T) {
	p := pool.New("ranked")
	now := time.Now()
	assert.Assert(t, p.ShouldRefreshConfig(now, 10*time.Second))
	// Claimed: a second caller within the interval is refused.
	assert.Assert(t, !p.ShouldRefreshConfig(now.Add(time.Second), 10*time.Second))
	assert.Assert(t, p.ShouldRefreshConfig(now.Add(11*time.Second), 10*time.Second))
}

func TestTicketCountSpansBothQueues(t *testing.T) {
	p := pool.New("ranked")
	p.Queue.Enqueue(&ticket.Ticket{GlobalID: "a"})
	p.PriorityQueue.Enqueue(&ticket.Ticket{GlobalID: "b"})
	assert.Equal(t, 2, p.TicketCount())
}
