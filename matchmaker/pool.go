package matchmaker

import (
	"sync"
	"sync/atomic"
	"time"

	"crymatch/ticket"
)

// DefaultMatchSize is used for a pool until its configuration fetcher has
// resolved pool_match_size_<id> for the first time.
const DefaultMatchSize = 2

// pendingTicket is one ticket waiting in a pool's queues.
type pendingTicket struct {
	t *ticket.Ticket
}

// pool is one matchmaking-pool-id's local queue state inside a single
// Matchmaker. Exactly one worker goroutine holds a round at a time via
// mu's TryLock: a worker that finds it taken skips the pool instead of
// waiting. qmu separately guards the queues themselves, which the fetcher
// appends to while a round may be in progress.
type pool struct {
	id string
	mu sync.Mutex

	// qmu guards Queue and PriorityQueue. Queue is FIFO arrival order;
	// PriorityQueue holds tickets re-entering after a failed match
	// attempt, consumed first on the next snapshot.
	qmu           sync.Mutex
	Queue         []*pendingTicket
	PriorityQueue []*pendingTicket

	Capacity      int
	LastMatchSize int

	gathering        atomic.Bool
	HasFailedVictims bool
}

func newPool(id string, capacity int) *pool {
	return &pool{id: id, Capacity: capacity, LastMatchSize: DefaultMatchSize}
}

// Count is the total number of tickets waiting across both queues.
func (p *pool) Count() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.Queue) + len(p.PriorityQueue)
}

// QueueCount is the FIFO queue depth alone; fresh arrivals are what wakes
// a worker, a priority-queue residue by itself is not.
func (p *pool) QueueCount() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.Queue)
}

// Gathering reports whether a worker is currently in this pool's gather
// phase. Read by the pinger while a round holds the pool.
func (p *pool) Gathering() bool { return p.gathering.Load() }

func (p *pool) setGathering(v bool) { p.gathering.Store(v) }

// enqueue places a freshly-fetched ticket into the FIFO queue.
func (p *pool) enqueue(t *ticket.Ticket) {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	p.Queue = append(p.Queue, &pendingTicket{t: t})
}

// requeue places a ticket that survived a failed match attempt back at the
// front of consideration for the next round.
func (p *pool) requeue(t *ticket.Ticket) {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	p.PriorityQueue = append(p.PriorityQueue, &pendingTicket{t: t})
}

// snapshot drains up to n tickets, priority queue first, then FIFO.
// now is used to drop expired entries along the way; dropped tickets are
// returned separately so the caller can consume them with
// consumed_for_match=false instead of feeding them to the matcher.
func (p *pool) snapshot(n int, now time.Time, staleAfter time.Duration) (live []*ticket.Ticket, expired []*ticket.Ticket) {
	p.qmu.Lock()
	defer p.qmu.Unlock()

	drain := func(queue *[]*pendingTicket) {
		for len(live)+len(expired) < n && len(*queue) > 0 {
			pt := (*queue)[0]
			*queue = (*queue)[1:]
			// MaxAgeSeconds == 0 means the ticket never expires, whatever
			// the compensated expiry timestamp says.
			if pt.t.MaxAgeSeconds > 0 && !pt.t.TimestampExpiryMatchmaker.IsZero() &&
				now.Sub(pt.t.TimestampExpiryMatchmaker) > staleAfter {
				expired = append(expired, pt.t)
				continue
			}
			live = append(live, pt.t)
		}
	}

	drain(&p.PriorityQueue)
	drain(&p.Queue)
	return live, expired
}
