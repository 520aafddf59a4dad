// Package pool holds the per-pool state a matchmaker worker operates on:
// the incoming and retry ticket queues, the gather flag reported to the
// director, and the round lock that keeps one worker per pool.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"

	"github.com/crymatch/crymatch/ticket"
)

// DefaultMatchSize applies until the pool's configuration has been fetched.
const DefaultMatchSize = 2

// TicketQueue is a concurrent FIFO of tickets.
type TicketQueue struct {
	mu sync.Mutex
	q  *linkedlistqueue.Queue[*ticket.Ticket]
}

func NewTicketQueue() *TicketQueue {
	return &TicketQueue{q: linkedlistqueue.New[*ticket.Ticket]()}
}

func (tq *TicketQueue) Enqueue(t *ticket.Ticket) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.q.Enqueue(t)
}

func (tq *TicketQueue) Dequeue() (*ticket.Ticket, bool) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.q.Dequeue()
}

func (tq *TicketQueue) Count() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.q.Size()
}

// Pool is one matchmaking namespace inside a matchmaker instance.
//
// HasFailedVictims is only touched between TryEnter and Exit, so it needs
// no synchronization of its own.
type Pool struct {
	ID string

	// Queue receives newly fetched tickets; PriorityQueue receives round
	// residue and is drained first when a round snapshots its input.
	Queue         *TicketQueue
	PriorityQueue *TicketQueue

	HasFailedVictims bool

	gathering       atomic.Bool
	busy            atomic.Bool
	matchSize       atomic.Int32
	lastConfigFetch atomic.Int64
}

func New(id string) *Pool {
	p := &Pool{
		ID:            id,
		Queue:         NewTicketQueue(),
		PriorityQueue: NewTicketQueue(),
	}
	p.matchSize.Store(DefaultMatchSize)
	return p
}

// TryEnter acquires the pool's round lock without blocking. The lock is not
// reentrant.
func (p *Pool) TryEnter() bool {
	return p.busy.CompareAndSwap(false, true)
}

func (p *Pool) Exit() {
	p.busy.Store(false)
}

func (p *Pool) Gathering() bool {
	return p.gathering.Load()
}

func (p *Pool) SetGathering(gathering bool) {
	p.gathering.Store(gathering)
}

// TicketCount is the total number of tickets waiting in both queues.
func (p *Pool) TicketCount() int {
	return p.Queue.Count() + p.PriorityQueue.Count()
}

// MatchSize returns the cached per-pool match size.
func (p *Pool) MatchSize() int {
	return int(p.matchSize.Load())
}

// SetMatchSize updates the cached match size; values below 2 are ignored.
func (p *Pool) SetMatchSize(size int) {
	if size >= 2 {
		p.matchSize.Store(int32(size))
	}
}

// ShouldRefreshConfig reports whether the pool's configuration is due a
// re-fetch, and if so claims the refresh.
func (p *Pool) ShouldRefreshConfig(now time.Time, interval time.Duration) bool {
	last := p.lastConfigFetch.Load()
	if last != 0 && now.UnixNano()-last < int64(interval) {
		return false
	}
	return p.lastConfigFetch.CompareAndSwap(last, now.UnixNano())
}
