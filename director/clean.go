package director

import (
	"context"
	"time"

	"crymatch/state"
)

// cleanConsumedTickets reconciles one batch of the consumed stream: tickets
// flagged for re-admission go back to the unassigned stream, everything
// else gets a delayed discard so a match arriving slightly after its
// tickets still has time to flag them.
func (d *Director) cleanConsumedTickets(ctx context.Context) {
	entries, err := d.state.StreamRead(ctx, keyConsumedTickets, state.BatchLimit)
	if err != nil {
		log.WithError(err).Warn("failed to read consumed tickets")
		return
	}

	var readd [][]byte
	for _, e := range entries {
		t, err := d.codec.DecodeTicket(e.Data)
		if err != nil {
			log.WithError(err).Warn("dropping unparsable consumed ticket")
			if _, err := d.state.StreamDeleteMessages(ctx, keyConsumedTickets, []string{e.ID}); err != nil {
				log.WithError(err).Warn("failed to delete unparsable consumed ticket")
			}
			continue
		}
		stateID := e.ID

		d.mu.Lock()
		if _, toReadd := d.ticketsToReadd[t.GlobalID]; toReadd {
			if done, scheduled := d.discardDone[stateID]; scheduled {
				if done {
					// Discard already happened; too late to re-admit.
					d.mu.Unlock()
					continue
				}
				// Cancel the pending discard; the timer treats a missing
				// entry as cancelled.
				delete(d.discardDone, stateID)
			}
			delete(d.ticketsToReadd, t.GlobalID)
			d.mu.Unlock()
			readd = append(readd, e.Data)
			continue
		}

		if _, scheduled := d.discardDone[stateID]; scheduled {
			d.mu.Unlock()
			continue
		}
		d.discardDone[stateID] = false
		globalID := t.GlobalID
		d.mu.Unlock()

		time.AfterFunc(d.cfg.UpdateDelay*2, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if done, ok := d.discardDone[stateID]; ok && !done {
				d.discardDone[stateID] = true
				d.discarded = append(d.discarded, discardEntry{globalID: globalID, stateID: stateID})
			}
		})
	}

	if len(readd) > 0 {
		// Re-added global ids are still in tickets_submitted; only the
		// stream entry needs recreating.
		if _, errs := d.state.StreamAddBatch(ctx, keyTicketsUnassigned, readd); errs != nil {
			for _, err := range errs {
				if err != nil {
					log.WithError(err).Warn("failed to re-admit a consumed ticket")
				}
			}
		}
	}

	d.flushDiscards(ctx)
}

// flushDiscards removes up to one batch of elapsed discards from both the
// submitted set and the consumed stream.
func (d *Director) flushDiscards(ctx context.Context) {
	d.mu.Lock()
	n := len(d.discarded)
	if n > state.BatchLimit {
		n = state.BatchLimit
	}
	batch := d.discarded[:n:n]
	d.discarded = d.discarded[n:]
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	globalIDs := make([]string, len(batch))
	stateIDs := make([]string, len(batch))
	for i, e := range batch {
		globalIDs[i] = e.globalID
		stateIDs[i] = e.stateID
	}

	if err := d.state.SetRemoveBatch(ctx, keyTicketsSubmitted, globalIDs); err != nil {
		log.WithError(err).Warn("failed to remove discarded tickets from submitted set, requeuing")
		d.mu.Lock()
		d.discarded = append(d.discarded, batch...)
		d.mu.Unlock()
		return
	}
	if _, err := d.state.StreamDeleteMessages(ctx, keyConsumedTickets, stateIDs); err != nil {
		log.WithError(err).Warn("failed to delete discarded tickets from consumed stream")
	}

	d.mu.Lock()
	for i := range batch {
		delete(d.discardDone, stateIDs[i])
		delete(d.submittedExpiry, globalIDs[i])
	}
	d.mu.Unlock()
}

// cleanSubmittedTickets is the bounded incremental sweep over
// tickets_submitted: any id whose recorded expiry has passed is removed,
// catching tickets that expired somewhere no other path observes them
// (e.g. stranded mid-move). Ids with no recorded expiry are left alone —
// they either never expire or belong to a live flow that will settle them.
func (d *Director) cleanSubmittedTickets(ctx context.Context) {
	members, err := d.state.GetSetValues(ctx, keyTicketsSubmitted)
	if err != nil {
		log.WithError(err).Warn("failed to scan submitted set")
		return
	}

	now := time.Now().UTC()
	memberSet := make(map[string]struct{}, len(members))
	var expired []string

	d.mu.Lock()
	for _, id := range members {
		memberSet[id] = struct{}{}
		if deadline, ok := d.submittedExpiry[id]; ok && now.After(deadline) {
			expired = append(expired, id)
			delete(d.submittedExpiry, id)
			if len(expired) >= state.BatchLimit {
				break
			}
		}
	}
	// Expiry records for ids already gone from the set are stale; drop
	// them so the map tracks only live tickets.
	for id := range d.submittedExpiry {
		if _, pending := d.pendingIDs[id]; pending {
			continue
		}
		if _, live := memberSet[id]; !live {
			delete(d.submittedExpiry, id)
		}
	}
	d.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	if err := d.state.SetRemoveBatch(ctx, keyTicketsSubmitted, expired); err != nil {
		log.WithError(err).Warn("failed to remove expired tickets from submitted set")
		return
	}
	log.WithField("count", len(expired)).Debug("expired stale submitted tickets")
}
