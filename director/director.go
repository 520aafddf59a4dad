// Package director implements the singleton director role: it ingests
// submitted tickets, assigns them to matchmakers, validates completed
// matches, streams them to readers, reconciles consumed tickets, and
// recovers tickets from failed moves and offline matchmakers.
package director

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/crymatch/crymatch/codec"
	"github.com/crymatch/crymatch/stage"
	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/telemetry"
	"github.com/crymatch/crymatch/ticket"
)

const (
	// submitterDelay paces the ticket submitter flush.
	submitterDelay = 100 * time.Millisecond
	// lostTicketsEvery runs the lost-ticket recovery on every Nth tick.
	lostTicketsEvery = 5
	// loopTimeSamples sizes the ring buffer behind the emergency loop
	// computation.
	loopTimeSamples = 10
	// loopBudgetFraction is the share of the update delay a tick may
	// spend before the director warns and disables emergency loops.
	loopBudgetFraction = 0.7
	// leaseValue is what the leader lease key holds while a director is
	// active.
	leaseValue = "Active"
)

var (
	// ErrAlreadyActive is returned by Start when another director holds
	// the leader lease even after waiting out one full downtime window.
	ErrAlreadyActive = eris.New("another director is already active")
	// ErrBadRequest marks malformed client input.
	ErrBadRequest = eris.New("bad request")
	// ErrNotFound is returned when a removal hits no live ticket.
	ErrNotFound = eris.New("not found")
)

// Config carries the director's tunables.
type Config struct {
	// UpdateDelay paces the main loop and the leader lease refresh.
	UpdateDelay time.Duration
	// MaxDowntime is the leader lease TTL and the wait before concluding
	// a lingering lease is stale.
	MaxDowntime time.Duration
	// PoolCapacity mirrors the matchmakers' per-round capacity; the
	// assigner avoids routing past it.
	PoolCapacity int
}

type lostBatch struct {
	streamKey string
	datas     [][]byte
}

type discardEntry struct {
	t         *ticket.Ticket
	discarded bool
}

// Director is the singleton control-plane role.
type Director struct {
	st     state.State
	cfg    Config
	logger zerolog.Logger
	life   *stage.Lifecycle

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// online matchmakers, refreshed every tick by ProcessMatchmakers.
	onlineMu sync.Mutex
	online   []*onlineMatchmaker

	// tickets accepted by SubmitTicket, waiting for the submitter flush.
	pendingMu sync.Mutex
	pending   []*ticket.Ticket

	// matches validated and waiting for a reader.
	feed    *matchFeed
	readers atomic.Int32

	// state ids of matches already pulled from the matches stream.
	receivedMu            sync.Mutex
	receivedMatchStateIDs map[string]struct{}

	// matches consumed by readers, waiting for stream deletion.
	consumeMu    sync.Mutex
	consumeQueue []string

	// global ids of valid participants of invalid matches, to be re-added
	// once their ticket bodies surface on the consumed stream.
	readdMu        sync.Mutex
	ticketsToReadd map[string]struct{}

	// consumed-stream entries with a pending or fired discard timer.
	discardMu        sync.Mutex
	discardScheduled map[string]*discardEntry
	discardedTickets []*ticket.Ticket

	// ticket batches whose move to an assigned stream failed.
	lostMu      sync.Mutex
	lostTickets []lostBatch

	loopTimes    [loopTimeSamples]time.Duration
	loopTimeN    int
	emergency    int
	tickCount    uint64
}

func New(st state.State, cfg Config) *Director {
	return &Director{
		st:                    st,
		cfg:                   cfg,
		logger:                log.With().Str("role", "director").Logger(),
		life:                  stage.NewLifecycle("director"),
		feed:                  newMatchFeed(),
		receivedMatchStateIDs: make(map[string]struct{}),
		ticketsToReadd:        make(map[string]struct{}),
		discardScheduled:      make(map[string]*discardEntry),
	}
}

// Start claims the leader lease and spins up the pinger, main loop, and
// ticket submitter. A lingering lease from a dead director is waited out
// once; if it is still there after a full downtime window, Start fails
// with ErrAlreadyActive.
func (d *Director) Start(ctx context.Context) error {
	if err := d.life.BeginStart(); err != nil {
		return err
	}

	existing, err := d.st.GetString(ctx, state.DirectorActiveKey())
	if err != nil {
		d.life.AbortStart()
		return eris.Wrap(err, "failed to check director lease")
	}
	if existing != "" {
		d.logger.Warn().Msg("Another director appears active, waiting one downtime window")
		if !sleepCtx(ctx, d.cfg.MaxDowntime) {
			d.life.AbortStart()
			return eris.Wrap(ctx.Err(), "cancelled while waiting for director lease")
		}
		existing, err = d.st.GetString(ctx, state.DirectorActiveKey())
		if err != nil {
			d.life.AbortStart()
			return eris.Wrap(err, "failed to re-check director lease")
		}
		if existing != "" {
			d.life.AbortStart()
			return ErrAlreadyActive
		}
	}
	if err := d.st.SetString(ctx, state.DirectorActiveKey(), leaseValue, d.cfg.MaxDowntime); err != nil {
		d.life.AbortStart()
		return eris.Wrap(err, "failed to claim director lease")
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.spawn(func() { d.pingerLoop(ctx) })
	d.spawn(func() { d.mainLoop(ctx) })
	d.spawn(func() { d.submitterLoop(ctx) })

	d.life.Running()
	d.logger.Info().Msg("Director started")
	return nil
}

// Dispose cancels all loops and waits for them to drain.
func (d *Director) Dispose() {
	if !d.life.BeginShutdown() {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.life.Finished()
	d.logger.Info().Msg("Director stopped")
}

func (d *Director) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Director) pingerLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.UpdateDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.st.SetString(ctx, state.DirectorActiveKey(), leaseValue, d.cfg.MaxDowntime)
			if err != nil {
				d.logger.Error().Err(err).Msg("failed to refresh director lease")
			}
		}
	}
}

// mainLoop runs the periodic reconciliation tasks in parallel each tick
// and derives the emergency loop budget from recent tick durations.
func (d *Director) mainLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.UpdateDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		d.tickCount++
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			d.processMatchmakers(gctx)
			return nil
		})
		g.Go(func() error {
			d.processMatches(gctx)
			return nil
		})
		g.Go(func() error {
			d.cleanConsumedTickets(gctx)
			return nil
		})
		if d.tickCount%lostTicketsEvery == 0 {
			g.Go(func() error {
				d.processLostTickets(gctx)
				return nil
			})
		}
		_ = g.Wait()

		d.recordLoopTime(time.Since(start))
		telemetry.EmitDuration(start, "director.tick")
	}
}

// recordLoopTime feeds the tick duration into the ring buffer and updates
// the emergency loop count. Emergency loops let the assigner drain a
// backlog past the batch limit within the same tick, but only while the
// loop is comfortably inside its time budget.
func (d *Director) recordLoopTime(elapsed time.Duration) {
	d.loopTimes[d.loopTimeN%loopTimeSamples] = elapsed
	d.loopTimeN++

	budget := time.Duration(float64(d.cfg.UpdateDelay) * loopBudgetFraction)
	if elapsed > budget {
		d.logger.Warn().
			Dur("elapsed", elapsed).
			Dur("delay", d.cfg.UpdateDelay).
			Msg("director loop exceeded 70% of its update delay")
		d.emergency = 0
		return
	}

	n := d.loopTimeN
	if n > loopTimeSamples {
		n = loopTimeSamples
	}
	var maxRecent, total time.Duration
	for i := 0; i < n; i++ {
		if d.loopTimes[i] > maxRecent {
			maxRecent = d.loopTimes[i]
		}
		total += d.loopTimes[i]
	}
	avg := total / time.Duration(n)
	if avg <= 0 {
		avg = time.Microsecond
	}
	emergency := int((d.cfg.UpdateDelay - maxRecent) / avg)
	if emergency < 1 {
		emergency = 1
	}
	d.emergency = emergency
}

// SubmitTicket accepts a client ticket, assigns its immutable global id,
// and queues it for the submitter flush.
func (d *Director) SubmitTicket(t *ticket.Ticket) error {
	if t == nil {
		return eris.Wrap(ErrBadRequest, "ticket is required")
	}
	for _, group := range t.Requirements {
		for _, req := range group.Any {
			if req.Ranged && len(req.Values) > 2 {
				return eris.Wrap(ErrBadRequest, "ranged requirement carries more than two values")
			}
		}
	}
	t.GlobalID = uuid.NewString()
	t.StateID = ""
	t.Timestamp = time.Now().UTC()
	t.TimestampExpiryMatchmaker = time.Time{}
	t.MatchingFailureCount = 0

	d.pendingMu.Lock()
	d.pending = append(d.pending, t)
	d.pendingMu.Unlock()
	return nil
}

// RemoveTicket cancels a live ticket by global id.
func (d *Director) RemoveTicket(ctx context.Context, globalID string) error {
	if globalID == "" {
		return eris.Wrap(ErrBadRequest, "global id is required")
	}
	removed, err := d.st.SetRemove(ctx, state.SubmittedTicketsKey(), globalID)
	if err != nil {
		return eris.Wrap(err, "failed to remove ticket")
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// submitterLoop flushes pending tickets to the unassigned stream and the
// submitted set. When a flush drained a full batch it re-arms immediately
// instead of waiting out the timer.
func (d *Director) submitterLoop(ctx context.Context) {
	for {
		if !sleepCtx(ctx, submitterDelay) {
			return
		}
		for {
			flushed := d.flushPending(ctx)
			if flushed < state.BatchLimit {
				break
			}
		}
	}
}

func (d *Director) flushPending(ctx context.Context) int {
	d.pendingMu.Lock()
	n := len(d.pending)
	if n == 0 {
		d.pendingMu.Unlock()
		return 0
	}
	if n > state.BatchLimit {
		n = state.BatchLimit
	}
	batch := make([]*ticket.Ticket, n)
	copy(batch, d.pending[:n])
	d.pending = append(d.pending[:0], d.pending[n:]...)
	d.pendingMu.Unlock()

	datas := make([][]byte, 0, n)
	gids := make([]string, 0, n)
	for _, t := range batch {
		bz, err := codec.Encode(t)
		if err != nil {
			d.logger.Error().Err(err).Str("global_id", t.GlobalID).Msg("failed to encode submitted ticket")
			continue
		}
		datas = append(datas, bz)
		gids = append(gids, t.GlobalID)
	}

	ids, err := d.st.StreamAddBatch(ctx, state.UnassignedTicketsKey(), datas)
	if err != nil {
		d.logger.Error().Err(err).Int("count", len(datas)).Msg("failed to write submitted tickets")
		return n
	}
	for i, id := range ids {
		if id == "" {
			d.logger.Error().Str("global_id", gids[i]).Msg("submitted ticket write failed")
		}
	}
	if _, err := d.st.SetAddBatch(ctx, state.SubmittedTicketsKey(), gids); err != nil {
		d.logger.Error().Err(err).Msg("failed to register submitted ticket ids")
	}
	telemetry.EmitCount("director.tickets_submitted", int64(len(gids)))
	return n
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
