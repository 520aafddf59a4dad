// Package matchmaker implements the matchmaker role: it registers itself
// with the shared state, ingests tickets the director assigned to it, runs
// per-pool matching rounds on a fixed worker pool, and parks finished
// tickets on the consumed stream for the director to reconcile.
package matchmaker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crymatch/crymatch/codec"
	"github.com/crymatch/crymatch/plugin"
	"github.com/crymatch/crymatch/pool"
	"github.com/crymatch/crymatch/stage"
	"github.com/crymatch/crymatch/state"
	"github.com/crymatch/crymatch/ticket"
)

const (
	// poolConfigRefreshInterval is how often a pool's match size is
	// re-read from state.
	poolConfigRefreshInterval = 10 * time.Second
	// cleanerDelay paces the consumed-ticket cleaner.
	cleanerDelay = 500 * time.Millisecond
	// cleanerSettleDelay lets in-flight fetcher reads finish before
	// consumed tickets are dropped from the in-memory assigned map.
	cleanerSettleDelay = 100 * time.Millisecond
)

// Config carries the tunables of one matchmaker instance.
type Config struct {
	// UpdateDelay paces the pinger and fetcher loops.
	UpdateDelay time.Duration
	// MaxDowntime is the TTL on the status key; the director unregisters a
	// matchmaker whose status expired.
	MaxDowntime time.Duration
	// MinGatherTime is how long a worker withholds matching so more
	// tickets accumulate in a pool.
	MinGatherTime time.Duration
	// PoolCapacity bounds the tickets taken into a single matching round.
	PoolCapacity int
	// MaxMatchFailures is how many failed rounds a ticket survives before
	// it is consumed unmatched.
	MaxMatchFailures int
	// Workers is the number of worker goroutines (1..128).
	Workers int
}

type consumedEntry struct {
	t        *ticket.Ticket
	forMatch bool
}

// Matchmaker is one matchmaker instance.
type Matchmaker struct {
	id      string
	st      state.State
	cfg     Config
	plugins *plugin.Registry
	logger  zerolog.Logger
	life    *stage.Lifecycle

	cancel context.CancelFunc
	wg     sync.WaitGroup

	poolsMu   sync.RWMutex
	pools     map[string]*pool.Pool
	poolOrder []*pool.Pool

	assignedMu sync.Mutex
	assigned   map[string]*ticket.Ticket

	consumedMu sync.Mutex
	consumed   []consumedEntry
}

func New(st state.State, cfg Config, plugins *plugin.Registry) *Matchmaker {
	if plugins == nil {
		plugins = plugin.NewRegistry()
	}
	id := "mm_" + uuid.NewString()
	return &Matchmaker{
		id:       id,
		st:       st,
		cfg:      cfg,
		plugins:  plugins,
		logger:   log.With().Str("matchmaker", id).Logger(),
		life:     stage.NewLifecycle("matchmaker"),
		pools:    make(map[string]*pool.Pool),
		assigned: make(map[string]*ticket.Ticket),
	}
}

func (m *Matchmaker) ID() string {
	return m.id
}

// Start registers the matchmaker and spins up the pinger, fetcher, worker,
// and cleaner loops. It returns once the first status ping has been
// written, so a caller can immediately submit tickets against a visible
// matchmaker.
func (m *Matchmaker) Start(ctx context.Context) error {
	if err := m.life.BeginStart(); err != nil {
		return err
	}
	ctx, m.cancel = context.WithCancel(ctx)

	if err := m.ping(ctx); err != nil {
		m.life.AbortStart()
		return eris.Wrap(err, "failed to register matchmaker")
	}

	m.spawn(func() { m.pingerLoop(ctx) })
	m.spawn(func() { m.fetcherLoop(ctx) })
	m.spawn(func() { m.cleanerLoop(ctx) })
	for w := 0; w < m.cfg.Workers; w++ {
		m.spawn(func() { m.workerLoop(ctx) })
	}

	m.life.Running()
	m.logger.Info().Int("workers", m.cfg.Workers).Msg("Matchmaker started")
	return nil
}

// Dispose cancels all loops and waits for them to drain.
func (m *Matchmaker) Dispose() {
	if !m.life.BeginShutdown() {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.life.Finished()
	m.logger.Info().Msg("Matchmaker stopped")
}

func (m *Matchmaker) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Status snapshots the matchmaker for its heartbeat.
func (m *Matchmaker) Status() *ticket.MatchmakerStatus {
	m.assignedMu.Lock()
	processing := len(m.assigned)
	m.assignedMu.Unlock()

	m.poolsMu.RLock()
	pools := make([]ticket.PoolStatus, len(m.poolOrder))
	for i, p := range m.poolOrder {
		pools[i] = ticket.PoolStatus{
			Name:      p.ID,
			InQueue:   p.TicketCount(),
			Gathering: p.Gathering(),
		}
	}
	m.poolsMu.RUnlock()

	return &ticket.MatchmakerStatus{
		ProcessingTickets: processing,
		LocalTime:         time.Now().UTC(),
		Pools:             pools,
	}
}

// ping writes the status under the matchmaker's id, then registers the id.
// Status goes first so the director never observes a registered matchmaker
// without a status.
func (m *Matchmaker) ping(ctx context.Context) error {
	if err := m.st.SetString(ctx, state.MatchmakerStatusKey(m.id), m.Status().Text(), m.cfg.MaxDowntime); err != nil {
		return err
	}
	if _, err := m.st.SetAdd(ctx, state.MatchmakersKey(), m.id); err != nil {
		return err
	}
	return nil
}

func (m *Matchmaker) pingerLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.UpdateDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ping(ctx); err != nil {
				m.logger.Error().Err(err).Msg("failed to write matchmaker status")
			}
		}
	}
}

// fetcherLoop ingests tickets from the matchmaker's assigned stream and
// refreshes pool configurations that are due.
func (m *Matchmaker) fetcherLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.UpdateDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.fetchAssigned(ctx); err != nil {
				m.logger.Error().Err(err).Msg("failed to fetch assigned tickets")
			}
			m.refreshPoolConfigs(ctx)
		}
	}
}

func (m *Matchmaker) fetchAssigned(ctx context.Context) error {
	msgs, err := m.st.StreamRead(ctx, state.AssignedTicketsKey(m.id), 0)
	if err != nil {
		return err
	}
	var badIDs []string
	for _, msg := range msgs {
		t, err := codec.Decode[ticket.Ticket](msg.Data)
		if err != nil || t.GlobalID == "" {
			m.logger.Warn().Str("id", msg.ID).Msg("dropping unparsable assigned ticket")
			badIDs = append(badIDs, msg.ID)
			continue
		}
		t.StateID = msg.ID

		m.assignedMu.Lock()
		_, known := m.assigned[t.GlobalID]
		if !known {
			m.assigned[t.GlobalID] = &t
		}
		m.assignedMu.Unlock()
		if known {
			continue
		}

		p := m.poolFor(ctx, t.MatchmakingPoolID)
		p.Queue.Enqueue(&t)
	}
	if len(badIDs) > 0 {
		if _, err := m.st.StreamDeleteMessages(ctx, state.AssignedTicketsKey(m.id), badIDs); err != nil {
			return err
		}
	}
	return nil
}

// poolFor returns the pool, creating it lazily. A new pool's match size
// configuration is fetched immediately.
func (m *Matchmaker) poolFor(ctx context.Context, poolID string) *pool.Pool {
	m.poolsMu.RLock()
	p, ok := m.pools[poolID]
	m.poolsMu.RUnlock()
	if ok {
		return p
	}

	m.poolsMu.Lock()
	if p, ok = m.pools[poolID]; !ok {
		p = pool.New(poolID)
		m.pools[poolID] = p
		m.poolOrder = append(m.poolOrder, p)
	}
	m.poolsMu.Unlock()
	if !ok {
		p.ShouldRefreshConfig(time.Now(), poolConfigRefreshInterval)
		m.fetchPoolConfig(ctx, p)
	}
	return p
}

func (m *Matchmaker) refreshPoolConfigs(ctx context.Context) {
	m.poolsMu.RLock()
	pools := append([]*pool.Pool(nil), m.poolOrder...)
	m.poolsMu.RUnlock()
	now := time.Now()
	for _, p := range pools {
		if p.ShouldRefreshConfig(now, poolConfigRefreshInterval) {
			m.fetchPoolConfig(ctx, p)
		}
	}
}

func (m *Matchmaker) fetchPoolConfig(ctx context.Context, p *pool.Pool) {
	val, err := m.st.GetString(ctx, state.PoolMatchSizeKey(p.ID))
	if err != nil {
		m.logger.Warn().Err(err).Str("pool", p.ID).Msg("failed to fetch pool match size")
		return
	}
	if val == "" {
		return
	}
	size, err := strconv.Atoi(val)
	if err != nil {
		m.logger.Warn().Str("pool", p.ID).Str("value", val).Msg("ignoring malformed pool match size")
		return
	}
	p.SetMatchSize(size)
}

// consume parks a finished ticket for the cleaner.
func (m *Matchmaker) consume(t *ticket.Ticket, forMatch bool) {
	m.consumedMu.Lock()
	m.consumed = append(m.consumed, consumedEntry{t: t, forMatch: forMatch})
	m.consumedMu.Unlock()
}
