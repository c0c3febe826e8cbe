// Package matchmaker implements the worker role: it pulls
// tickets assigned to it by the Director, runs the matching algorithm over
// each pool it owns, and reports matches and consumed tickets back through
// State.
package matchmaker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"crymatch/matching"
	"crymatch/plugin"
	"crymatch/state"
	"crymatch/ticket"
)

var log = logrus.WithFields(logrus.Fields{"app": "crymatch", "component": "matchmaker"})

// Config is the subset of the JSON configuration file a Matchmaker needs.
type Config struct {
	Workers                  int
	UpdateDelay              time.Duration
	MaxDowntimeBeforeOffline time.Duration
	MinGatherTime            time.Duration
	PoolCapacity             int
	MaxMatchFailures         int
}

// DefaultWorkers is min(2, cpu).
func DefaultWorkers() int {
	if n := runtime.NumCPU(); n < 2 {
		return n
	}
	return 2
}

// Matchmaker is one matchmaking worker instance, identified by mm_<uuid>.
type Matchmaker struct {
	ID     string
	state  state.State
	codec  *ticket.Codec
	plugin *plugin.Registry
	cfg    Config

	mu              sync.Mutex
	pools           map[string]*pool
	poolOrder       []string
	nextPoolIdx     int
	assignedTickets map[string]struct{}
	consumed        chan *ticket.Ticket
}

// New builds a Matchmaker. codec serializes tickets/matches for the state
// store; registry resolves per-pool plugins (nil means no plugins bound).
func New(st state.State, codec *ticket.Codec, registry *plugin.Registry, cfg Config) *Matchmaker {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.PoolCapacity <= 0 {
		cfg.PoolCapacity = 10
	}
	if cfg.MaxMatchFailures <= 0 {
		cfg.MaxMatchFailures = 3
	}
	return &Matchmaker{
		ID:              "mm_" + uuid.NewString(),
		state:           st,
		codec:           codec,
		plugin:          registry,
		cfg:             cfg,
		pools:           make(map[string]*pool),
		assignedTickets: make(map[string]struct{}),
		consumed:        make(chan *ticket.Ticket, state.BatchLimit),
	}
}

// assignedStream is the per-matchmaker stream the Director delivers
// tickets to.
func (m *Matchmaker) assignedStream() string { return "tickets_" + m.ID }

// Run starts the pinger, fetcher, worker loop, and cleaner, blocking until
// ctx is cancelled.
func (m *Matchmaker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(m.cfg.Workers + 3)

	go func() { defer wg.Done(); m.runPinger(ctx) }()
	go func() { defer wg.Done(); m.runFetcher(ctx) }()
	go func() { defer wg.Done(); m.runCleaner(ctx) }()
	for i := 0; i < m.cfg.Workers; i++ {
		go func() { defer wg.Done(); m.runWorker(ctx) }()
	}

	wg.Wait()
	return ctx.Err()
}

// runPinger writes the heartbeat: status is written before
// registration so the Director never observes a registered-but-statusless
// matchmaker.
func (m *Matchmaker) runPinger(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.UpdateDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ping(ctx); err != nil {
				log.WithError(err).Warn("pinger round failed")
			}
		}
	}
}

func (m *Matchmaker) ping(ctx context.Context) error {
	status := m.status()
	if err := m.state.SetString(ctx, m.ID, status.ToText(), m.cfg.MaxDowntimeBeforeOffline); err != nil {
		return errors.Errorf("matchmaker: write status: %w", err)
	}
	if err := m.state.SetAdd(ctx, "matchmakers", m.ID); err != nil {
		return errors.Errorf("matchmaker: register: %w", err)
	}
	return nil
}

func (m *Matchmaker) status() ticket.MatchmakerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := ticket.MatchmakerStatus{
		ProcessingTickets: len(m.assignedTickets),
		LocalTime:         time.Now().UTC(),
		Pools:             make([]ticket.PoolStatus, 0, len(m.pools)),
	}
	for _, id := range m.poolOrder {
		p := m.pools[id]
		s.Pools = append(s.Pools, ticket.PoolStatus{Name: id, InQueue: p.Count(), Gathering: p.Gathering()})
	}
	return s
}

// runFetcher pulls everything waiting on this matchmaker's assigned
// stream, dedups against assignedTickets, and places new tickets into
// their pool.
func (m *Matchmaker) runFetcher(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.UpdateDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.fetch(ctx); err != nil {
				log.WithError(err).Warn("fetcher round failed")
			}
		}
	}
}

func (m *Matchmaker) fetch(ctx context.Context) error {
	entries, err := m.state.StreamRead(ctx, m.assignedStream(), 0)
	if err != nil {
		return errors.Errorf("matchmaker: fetch: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		t, err := m.codec.DecodeTicket(e.Data)
		if err != nil {
			log.WithError(err).Warn("dropping unparsable ticket in assigned stream")
			continue
		}
		if _, dup := m.assignedTickets[t.GlobalID]; dup {
			continue
		}
		m.assignedTickets[t.GlobalID] = struct{}{}
		t.StateID = e.ID

		p := m.poolFor(ctx, t.PoolID())
		p.enqueue(t)
	}
	return nil
}

// poolFor returns (lazily creating) the pool for id. Caller must hold m.mu.
func (m *Matchmaker) poolFor(ctx context.Context, id string) *pool {
	p, ok := m.pools[id]
	if !ok {
		p = newPool(id, m.cfg.PoolCapacity)
		m.pools[id] = p
		m.poolOrder = append(m.poolOrder, id)
		go m.refreshMatchSize(ctx, id)
	}
	return p
}

// refreshMatchSize fetches pool_match_size_<id> once for a newly-seen
// pool, and again every 10s.
func (m *Matchmaker) refreshMatchSize(ctx context.Context, id string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	fetchOnce := func() {
		raw, err := m.state.GetString(ctx, "pool_match_size_"+id)
		if err != nil {
			return
		}
		var size int
		if _, err := fmt.Sscanf(raw, "%d", &size); err != nil || size < 2 {
			return
		}
		m.mu.Lock()
		if p, ok := m.pools[id]; ok {
			p.LastMatchSize = size
		}
		m.mu.Unlock()
	}

	fetchOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetchOnce()
		}
	}
}

// runWorker drives the matching loop: round-robin over pools,
// try-lock, gather/snapshot/match/residue.
func (m *Matchmaker) runWorker(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.UpdateDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.workerTick(ctx)
		}
	}
}

func (m *Matchmaker) workerTick(ctx context.Context) {
	p, ok := m.nextPool()
	if !ok {
		return
	}
	if !p.mu.TryLock() {
		return
	}
	defer p.mu.Unlock()

	if p.Count() < 2 {
		return
	}
	// Fresh arrivals are what wakes a pool; residue sitting in the
	// priority queue only re-matches immediately after a failed-victims
	// round.
	if p.QueueCount() < 2 && !p.HasFailedVictims {
		return
	}

	if p.Count() < p.Capacity && !p.HasFailedVictims {
		p.setGathering(true)
		time.Sleep(m.cfg.MinGatherTime)
		p.setGathering(false)
		time.Sleep(2 * m.cfg.UpdateDelay)
	}

	now := time.Now().UTC()
	take := p.Count()
	if take > p.Capacity {
		take = p.Capacity
	}
	live, expired := p.snapshot(take, now, m.cfg.UpdateDelay)

	m.consumeTickets(expired, false)

	if len(live) == 0 {
		return
	}

	var pl plugin.Plugin
	if m.plugin != nil {
		pl = m.plugin.For(p.id)
	}

	matchSize := p.LastMatchSize
	if pl != nil {
		if size := pl.MatchSize(len(live)); size >= 2 {
			matchSize = size
		}
	}

	res := matching.Run(live, matching.Options{
		MatchSize:       matchSize,
		CandidatesSize:  matching.DefaultCandidatesSize(matchSize),
		VictimBufferCap: matching.DefaultCandidatesSize(matchSize) * 4,
		Plugin:          pl,
	})

	m.postMatches(ctx, p.id, res.Matches)

	p.HasFailedVictims = !res.MatchedAllItCould

	m.handleResidue(p, res.Views, now)
}

// nextPool picks the next pool in round-robin order.
func (m *Matchmaker) nextPool() (*pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.poolOrder) == 0 {
		return nil, false
	}
	id := m.poolOrder[m.nextPoolIdx%len(m.poolOrder)]
	m.nextPoolIdx++
	return m.pools[id], true
}

// postMatches keeps the required ordering: write
// matches to the shared stream before marking anything consumed.
func (m *Matchmaker) postMatches(ctx context.Context, poolID string, matches []*ticket.TicketMatch) {
	if len(matches) == 0 {
		return
	}

	datas := make([][]byte, 0, len(matches))
	for _, tm := range matches {
		tm.StateID = uuid.NewString()
		tm.MatchmakingPoolID = poolID
		data, err := m.codec.EncodeMatch(tm)
		if err != nil {
			log.WithError(err).Warn("dropping unencodable match")
			continue
		}
		datas = append(datas, data)
	}

	if _, errs := m.state.StreamAddBatch(ctx, "matches", datas); errs != nil {
		for _, err := range errs {
			if err != nil {
				log.WithError(err).Warn("failed to post a match")
			}
		}
	}
}

// handleResidue marks matched views consumed (for cleanup) and requeues or
// permanently discards ones that ran out of attempts.
func (m *Matchmaker) handleResidue(p *pool, views []*ticket.View, now time.Time) {
	for _, v := range views {
		if v.Consumed() {
			m.consumeTickets([]*ticket.Ticket{v.Source}, true)
			continue
		}

		v.Source.MatchingFailureCount++
		if v.Source.MatchingFailureCount > m.cfg.MaxMatchFailures {
			m.consumeTickets([]*ticket.Ticket{v.Source}, false)
			continue
		}
		p.requeue(v.Source)
	}
}

// consumeTickets flags tickets with their consumption outcome and hands
// them to the cleaner for stream/state removal.
func (m *Matchmaker) consumeTickets(tickets []*ticket.Ticket, forMatch bool) {
	for _, t := range tickets {
		t.ConsumedForMatch = forMatch
	}
	m.enqueueConsumed(tickets)
}

func (m *Matchmaker) enqueueConsumed(tickets []*ticket.Ticket) {
	for _, t := range tickets {
		select {
		case m.consumed <- t:
		default:
			log.Warn("consumed-ticket channel full, dropping cleanup for one ticket")
		}
	}
}

// runCleaner drains consumed tickets,
// delete them from the matchmaker's own stream, then record them in
// consumed_tickets, only removing assignedTickets bookkeeping after a
// short delay to avoid racing the fetcher.
func (m *Matchmaker) runCleaner(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanRound(ctx)
		}
	}
}

func (m *Matchmaker) cleanRound(ctx context.Context) {
	var batch []*ticket.Ticket
drain:
	for len(batch) < state.BatchLimit {
		select {
		case t := <-m.consumed:
			batch = append(batch, t)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return
	}

	datas := make([][]byte, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, t := range batch {
		data, err := m.codec.EncodeTicket(t)
		if err != nil {
			log.WithError(err).Warn("dropping unencodable consumed ticket")
			continue
		}
		datas = append(datas, data)
		if t.StateID != "" {
			ids = append(ids, t.StateID)
		}
	}

	if _, err := m.state.StreamDeleteMessages(ctx, m.assignedStream(), ids); err != nil {
		log.WithError(err).Warn("failed to delete consumed tickets from assigned stream, requeuing cleanup")
		m.enqueueConsumed(batch)
		return
	}
	if _, errs := m.state.StreamAddBatch(ctx, "consumed_tickets", datas); errs != nil {
		for _, err := range errs {
			if err != nil {
				log.WithError(err).Warn("failed to record a consumed ticket")
			}
		}
	}

	time.Sleep(100 * time.Millisecond)

	m.mu.Lock()
	for _, t := range batch {
		delete(m.assignedTickets, t.GlobalID)
	}
	m.mu.Unlock()
}
