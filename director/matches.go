package director

import (
	"context"

	"crymatch/state"
	"crymatch/ticket"
)

// processMatches validates one batch of matchmaker-produced matches and
// feeds them to the internal match channel. Runs the pending consume
// deletions first so a reader-heavy tick still shrinks the stream.
func (d *Director) processMatches(ctx context.Context) {
	d.flushConsumedMatches(ctx)

	if d.readers.Load() == 0 {
		return
	}

	entries, err := d.state.StreamRead(ctx, keyMatches, state.BatchLimit)
	if err != nil {
		log.WithError(err).Warn("failed to read matches stream")
		return
	}

	for _, e := range entries {
		d.mu.Lock()
		_, seen := d.receivedMatches[e.ID]
		if !seen {
			d.receivedMatches[e.ID] = struct{}{}
		}
		d.mu.Unlock()
		if seen {
			continue
		}

		tm, err := d.codec.DecodeMatch(e.Data)
		if err != nil {
			log.WithError(err).Warn("dropping unparsable match")
			if _, err := d.state.StreamDeleteMessages(ctx, keyMatches, []string{e.ID}); err != nil {
				log.WithError(err).Warn("failed to delete unparsable match")
			}
			continue
		}
		tm.StateID = e.ID

		if !d.validateMatch(ctx, tm) {
			// Validation hit a store error; revert the dedup entry so the
			// match is reprocessed next tick.
			d.mu.Lock()
			delete(d.receivedMatches, e.ID)
			d.mu.Unlock()
			continue
		}

		select {
		case d.matches <- tm:
		default:
			// Channel full: stop draining and let the stream hold the rest.
			// Dropping here would orphan the match's ids in the submitted
			// set, so backpressure wins over throughput.
			d.mu.Lock()
			delete(d.receivedMatches, e.ID)
			d.mu.Unlock()
			return
		}
	}
}

// validateMatch checks every participant against tickets_submitted,
// removing the ids that validation settles and marking valid participants
// of an invalid match for re-admission. Returns false only on store
// failure.
func (d *Director) validateMatch(ctx context.Context, tm *ticket.TicketMatch) bool {
	live, err := d.state.SetContainsBatch(ctx, keyTicketsSubmitted, tm.MatchedTicketGlobalIDs)
	if err != nil {
		log.WithError(err).Warn("failed to validate match participants")
		return false
	}

	var invalid, valid []string
	for i, id := range tm.MatchedTicketGlobalIDs {
		if live[i] {
			valid = append(valid, id)
		} else {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) == 0 {
		if err := d.state.SetRemoveBatch(ctx, keyTicketsSubmitted, valid); err != nil {
			log.WithError(err).Warn("failed to settle valid match participants")
			return false
		}
		d.mu.Lock()
		for _, id := range valid {
			delete(d.submittedExpiry, id)
		}
		d.mu.Unlock()
		if d.recorder != nil {
			d.recorder.Record(tm)
		}
		return true
	}

	if err := d.state.SetRemoveBatch(ctx, keyTicketsSubmitted, invalid); err != nil {
		log.WithError(err).Warn("failed to settle invalid match participants")
		return false
	}
	d.mu.Lock()
	for _, id := range invalid {
		delete(d.submittedExpiry, id)
	}
	for _, id := range valid {
		d.ticketsToReadd[id] = struct{}{}
	}
	d.mu.Unlock()
	return true
}

// ConsumeMatch acknowledges a delivered match: its stream entry is deleted
// in the next match-processing round.
func (d *Director) ConsumeMatch(tm *ticket.TicketMatch) {
	d.mu.Lock()
	d.consumeQueue = append(d.consumeQueue, tm.StateID)
	d.mu.Unlock()
}

// ReturnMatch puts an undeliverable match back for another reader.
func (d *Director) ReturnMatch(tm *ticket.TicketMatch) {
	select {
	case d.matches <- tm:
	default:
		// A full channel here is a reader stall, not a hot path; a
		// goroutine parks on the send rather than losing the match.
		go func() { d.matches <- tm }()
	}
}

// flushConsumedMatches deletes acknowledged matches from the stream and
// releases their dedup entries.
func (d *Director) flushConsumedMatches(ctx context.Context) {
	d.mu.Lock()
	ids := d.consumeQueue
	d.consumeQueue = nil
	d.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if _, err := d.state.StreamDeleteMessages(ctx, keyMatches, ids); err != nil {
		log.WithError(err).Warn("failed to delete consumed matches, requeuing")
		d.mu.Lock()
		d.consumeQueue = append(d.consumeQueue, ids...)
		d.mu.Unlock()
		return
	}
	d.mu.Lock()
	for _, id := range ids {
		delete(d.receivedMatches, id)
	}
	d.mu.Unlock()
}

// ReadIncomingMatches delivers validated matches to deliver one at a time
// until ctx is cancelled or deliver returns an error. A successful
// delivery consumes the match; a failed one returns it for another reader
// and stops this one. The loop selects directly on the channel rather than
// wrapping it: a fan-in helper that prefetches would hold one undelivered
// match at cancel time, and a match dropped here becomes an orphan in the
// submitted set.
func (d *Director) ReadIncomingMatches(ctx context.Context, deliver func(*ticket.TicketMatch) error) error {
	d.readers.Add(1)
	defer d.readers.Add(-1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tm := <-d.matches:
			if err := deliver(tm); err != nil {
				d.ReturnMatch(tm)
				return err
			}
			d.ConsumeMatch(tm)
		}
	}
}
