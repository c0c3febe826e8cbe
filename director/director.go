// Package director implements the singleton control-plane role: it ingests
// submitted tickets, assigns them to online matchmakers, validates the
// matches those matchmakers produce, fans them out to readers, and
// reconciles consumed tickets back out of the system.
package director

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"crymatch/state"
	"crymatch/ticket"
)

var log = logrus.WithFields(logrus.Fields{"app": "crymatch", "component": "director"})

// ErrLeaderConflict is returned by Run when another Director's leader lease
// is still present after the startup grace wait. It is fatal: the caller
// must not retry in a loop.
var ErrLeaderConflict = errors.New("director: another director holds the leader lease")

const (
	keyDirectorActive    = "director_is_active"
	keyMatchmakers       = "matchmakers"
	keyMatches           = "matches"
	keyTicketsUnassigned = "tickets_unassigned"
	keyTicketsSubmitted  = "tickets_submitted"
	keyConsumedTickets   = "consumed_tickets"
)

// MatchRecorder is an optional side channel (the audit sink) fed every
// match that validates cleanly. Implementations must never block: a Record
// call happens on the match-processing path.
type MatchRecorder interface {
	Record(m *ticket.TicketMatch)
}

// Config is the subset of the JSON configuration file a Director needs.
type Config struct {
	UpdateDelay              time.Duration
	MaxDowntimeBeforeOffline time.Duration
	PoolCapacity             int

	// MatchBuffer sizes the internal match channel. Defaults to
	// 4*state.BatchLimit; matches are never dropped when it fills, the
	// match processor simply stops draining the stream until readers
	// catch up.
	MatchBuffer int
}

// lostBatch is one failed Director-side stream move, retried by the
// periodic lost-ticket processor.
type lostBatch struct {
	streamKey string
	datas     [][]byte
}

// discardEntry is a consumed ticket whose discard timer has fired and which
// is waiting for the next cleaner round to be removed from state.
type discardEntry struct {
	globalID string
	stateID  string
}

// mmEntry is the Director's cached picture of one online matchmaker, plus
// the clock offset used for expiry compensation on assignment.
type mmEntry struct {
	id       string
	status   ticket.MatchmakerStatus
	timeDiff time.Duration
	pools    map[string]int // pool name -> index into status.Pools
}

func (e *mmEntry) pool(name string) *ticket.PoolStatus {
	idx, ok := e.pools[name]
	if !ok {
		return nil
	}
	return &e.status.Pools[idx]
}

// Director is the singleton leader. Exactly one instance may run against a
// given State at a time, enforced by the director_is_active lease.
type Director struct {
	state    state.State
	codec    *ticket.Codec
	cfg      Config
	recorder MatchRecorder

	mu              sync.Mutex
	pendingSubmit   []*ticket.Ticket
	pendingIDs      map[string]struct{}
	online          map[string]*mmEntry
	onlineOrder     []string
	receivedMatches map[string]struct{}
	ticketsToReadd  map[string]struct{}
	discardDone     map[string]bool
	discarded       []discardEntry
	lostTickets     []lostBatch
	consumeQueue    []string
	submittedExpiry map[string]time.Time

	matches chan *ticket.TicketMatch
	readers atomic.Int32

	loopTimes [10]time.Duration
	loopIdx   int
	loopFill  int
	emergency int
	iteration uint64
}

// New builds a Director. recorder may be nil (no audit sink).
func New(st state.State, codec *ticket.Codec, recorder MatchRecorder, cfg Config) *Director {
	if cfg.PoolCapacity <= 0 {
		cfg.PoolCapacity = 10
	}
	if cfg.MatchBuffer < state.BatchLimit {
		cfg.MatchBuffer = 4 * state.BatchLimit
	}
	return &Director{
		state:           st,
		codec:           codec,
		cfg:             cfg,
		recorder:        recorder,
		pendingIDs:      make(map[string]struct{}),
		online:          make(map[string]*mmEntry),
		receivedMatches: make(map[string]struct{}),
		ticketsToReadd:  make(map[string]struct{}),
		discardDone:     make(map[string]bool),
		submittedExpiry: make(map[string]time.Time),
		matches:         make(chan *ticket.TicketMatch, cfg.MatchBuffer),
	}
}

// Run acquires leadership and drives the pinger, the submitter timer, and
// the main loop until ctx is cancelled. It returns ErrLeaderConflict
// without starting anything if another Director holds the lease.
func (d *Director) Run(ctx context.Context) error {
	if err := d.acquireLeadership(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); d.runPinger(ctx) }()
	go func() { defer wg.Done(); d.runSubmitter(ctx) }()
	go func() { defer wg.Done(); d.runMainLoop(ctx) }()
	wg.Wait()
	return ctx.Err()
}

// acquireLeadership implements the two-check startup: a present lease gets
// one MaxDowntimeBeforeOffline of grace to expire, then a still-present
// lease is a hard conflict.
func (d *Director) acquireLeadership(ctx context.Context) error {
	present, err := d.leasePresent(ctx)
	if err != nil {
		return err
	}
	if present {
		log.Warn("leader lease present at startup, waiting one downtime window")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.MaxDowntimeBeforeOffline):
		}
		present, err = d.leasePresent(ctx)
		if err != nil {
			return err
		}
		if present {
			return ErrLeaderConflict
		}
	}
	return d.state.SetString(ctx, keyDirectorActive, "Active", d.cfg.MaxDowntimeBeforeOffline)
}

func (d *Director) leasePresent(ctx context.Context) (bool, error) {
	_, err := d.state.GetString(ctx, keyDirectorActive)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, state.ErrKeyNotFound) {
		return false, nil
	}
	return false, errors.Errorf("director: check leader lease: %w", err)
}

// runPinger refreshes the leader lease every UpdateDelay.
func (d *Director) runPinger(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.UpdateDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.state.SetString(ctx, keyDirectorActive, "Active", d.cfg.MaxDowntimeBeforeOffline); err != nil {
				log.WithError(err).Warn("failed to refresh leader lease")
			}
		}
	}
}

// runMainLoop drives one tick every UpdateDelay: matchmaker processing,
// match validation, consumed-ticket cleanup, and (every 5th tick) the
// lost-ticket and submitted-set recovery passes, all in parallel, joined
// before the elapsed time is measured for emergency-loop headroom.
func (d *Director) runMainLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.UpdateDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Director) tick(ctx context.Context) {
	d.iteration++
	start := time.Now()

	tasks := []func(context.Context){
		d.processMatchmakers,
		d.processMatches,
		d.cleanConsumedTickets,
	}
	if d.iteration%5 == 0 {
		tasks = append(tasks, func(ctx context.Context) {
			d.processLostTickets(ctx)
			d.cleanSubmittedTickets(ctx)
		})
	}

	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		go func(task func(context.Context)) {
			defer wg.Done()
			task(ctx)
		}(task)
	}
	wg.Wait()

	d.recordLoopTime(time.Since(start))
}

// recordLoopTime maintains the 10-sample ring and derives how many extra
// assignment passes (emergency loops) the next tick may afford.
func (d *Director) recordLoopTime(elapsed time.Duration) {
	d.loopTimes[d.loopIdx] = elapsed
	d.loopIdx = (d.loopIdx + 1) % len(d.loopTimes)
	if d.loopFill < len(d.loopTimes) {
		d.loopFill++
	}

	if elapsed > d.cfg.UpdateDelay*7/10 {
		log.WithField("elapsed", elapsed).Warn("main loop consumed over 70% of the update delay")
		d.emergency = 0
		return
	}

	var maxRecent, total time.Duration
	for i := 0; i < d.loopFill; i++ {
		t := d.loopTimes[i]
		total += t
		if t > maxRecent {
			maxRecent = t
		}
	}
	avg := total / time.Duration(d.loopFill)
	if avg <= 0 {
		avg = time.Microsecond
	}
	n := int((d.cfg.UpdateDelay - maxRecent) / avg)
	if n < 1 {
		n = 1
	}
	d.emergency = n
}

// runSubmitter drains the pending submission queue every 100ms, re-arming
// immediately while a full batch remains, per the ticket-submitter timer.
func (d *Director) runSubmitter(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for d.flushPending(ctx) >= state.BatchLimit {
			}
		}
	}
}

// flushPending moves up to one batch of pending tickets into state:
// tickets_submitted first, then the unassigned stream, so the assigner can
// never observe a streamed ticket missing from the submitted set.
func (d *Director) flushPending(ctx context.Context) int {
	d.mu.Lock()
	n := len(d.pendingSubmit)
	if n > state.BatchLimit {
		n = state.BatchLimit
	}
	batch := d.pendingSubmit[:n:n]
	d.pendingSubmit = d.pendingSubmit[n:]
	for _, t := range batch {
		delete(d.pendingIDs, t.GlobalID)
		if t.MaxAgeSeconds > 0 {
			d.submittedExpiry[t.GlobalID] = t.Timestamp.Add(time.Duration(t.MaxAgeSeconds) * time.Second)
		}
	}
	d.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	ids := make([]string, 0, len(batch))
	datas := make([][]byte, 0, len(batch))
	for _, t := range batch {
		data, err := d.codec.EncodeTicket(t)
		if err != nil {
			log.WithError(err).WithField("global_id", t.GlobalID).Error("dropping unencodable submitted ticket")
			continue
		}
		ids = append(ids, t.GlobalID)
		datas = append(datas, data)
	}

	if err := d.state.SetAddBatch(ctx, keyTicketsSubmitted, ids); err != nil {
		log.WithError(err).Error("failed to record submitted tickets")
	}
	if _, errs := d.state.StreamAddBatch(ctx, keyTicketsUnassigned, datas); errs != nil {
		for i, err := range errs {
			if err != nil {
				log.WithError(err).WithField("global_id", ids[i]).Error("failed to enqueue submitted ticket")
			}
		}
	}
	return len(batch)
}
