// Package audit is the optional best-effort MySQL sink recording every
// validated match for analytics and ops dashboards. It sits outside the
// hot path: Record never blocks, a failed flush is logged and dropped, and
// nothing in the ticket lifecycle depends on it.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"crymatch/mysql"
	"crymatch/ticket"
)

var log = logrus.WithFields(logrus.Fields{"app": "crymatch", "component": "audit"})

// Table is the destination table. Expected schema:
// (match_id VARCHAR, pool_id VARCHAR, ticket_count INT, formed_at DATETIME).
const Table = "crymatch_matches"

// maxQueued bounds the in-memory backlog; records past it are dropped,
// oldest kept, because the sink must never grow without bound while the
// database is down.
const maxQueued = 10000

// MatchRecord is one audited match row.
type MatchRecord struct {
	MatchID     string    `db:"match_id"`
	PoolID      string    `db:"pool_id"`
	TicketCount int       `db:"ticket_count"`
	FormedAt    time.Time `db:"formed_at"`
}

// Sink batches match records into MySQL on a timer.
type Sink struct {
	db         *sqlx.DB
	flushEvery time.Duration

	mu    sync.Mutex
	queue []MatchRecord
}

// NewSink wraps an open database handle. flushEvery <= 0 defaults to one
// second.
func NewSink(db *sqlx.DB, flushEvery time.Duration) *Sink {
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Sink{db: db, flushEvery: flushEvery}
}

// Record enqueues one validated match. Non-blocking; over-capacity records
// are dropped with a warning.
func (s *Sink) Record(m *ticket.TicketMatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) >= maxQueued {
		log.Warn("audit queue full, dropping match record")
		return
	}
	s.queue = append(s.queue, MatchRecord{
		MatchID:     m.GlobalID,
		PoolID:      m.MatchmakingPoolID,
		TicketCount: len(m.MatchedTicketGlobalIDs),
		FormedAt:    time.Now().UTC(),
	})
}

// Run flushes on a timer until ctx is cancelled, then makes one final
// flush attempt so a clean shutdown does not strand queued records.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), s.flushEvery)
			s.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush writes every queued record, returning how many were written.
// Failures are logged and the affected records dropped.
func (s *Sink) Flush(ctx context.Context) int {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	written := 0
	for _, r := range batch {
		vals := mysql.InsertCond{Arg: []any{r.MatchID, r.PoolID, r.TicketCount, r.FormedAt}}
		if _, err := mysql.InsertFrom(Table).Values(&vals).Exec(ctx, s.db); err != nil {
			log.WithError(err).WithField("match_id", r.MatchID).Warn("dropping audit record")
			continue
		}
		written++
	}
	return written
}

// Prune deletes audit rows older than retention. Meant for an operator
// cron, not the service loops.
func (s *Sink) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	return mysql.DeleteFrom(Table).Where(mysql.Lt("formed_at", cutoff)).Exec(ctx, s.db)
}

// RecentMatches returns the latest audited matches for a pool, newest
// first.
func (s *Sink) RecentMatches(ctx context.Context, poolID string, limit int) ([]MatchRecord, error) {
	return mysql.SelectFrom[MatchRecord](Table).
		Where(mysql.Eq("pool_id", poolID)).
		OrderBy(&mysql.OrderbyCond{Column: "formed_at", Direction: mysql.DESC}).
		Limit(limit).
		FetchAll(ctx, s.db)
}
