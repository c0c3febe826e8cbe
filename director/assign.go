package director

import (
	"context"
	"time"

	"crymatch/state"
	"crymatch/ticket"
)

// processMatchmakers refreshes the online-matchmaker cache from the
// matchmakers set and their status keys, unregistering any matchmaker
// whose status is gone or unparsable, then runs the assigner — with up to
// emergency extra passes while full batches keep coming back.
func (d *Director) processMatchmakers(ctx context.Context) {
	ids, err := d.state.GetSetValues(ctx, keyMatchmakers)
	if err != nil {
		log.WithError(err).Warn("failed to read matchmakers set")
		return
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		raw, err := d.state.GetString(ctx, id)
		if err != nil {
			d.unregisterMatchmaker(ctx, id)
			continue
		}
		status, err := ticket.ParseMatchmakerStatus(raw)
		if err != nil {
			log.WithField("matchmaker", id).Warn("unparsable matchmaker status, unregistering")
			d.unregisterMatchmaker(ctx, id)
			continue
		}

		pools := make(map[string]int, len(status.Pools))
		for i, p := range status.Pools {
			pools[p.Name] = i
		}
		seen[id] = struct{}{}

		d.mu.Lock()
		if _, known := d.online[id]; !known {
			d.onlineOrder = append(d.onlineOrder, id)
		}
		d.online[id] = &mmEntry{
			id:       id,
			status:   status,
			timeDiff: time.Now().UTC().Sub(status.LocalTime),
			pools:    pools,
		}
		d.mu.Unlock()
	}

	d.mu.Lock()
	order := d.onlineOrder[:0]
	for _, id := range d.onlineOrder {
		if _, ok := seen[id]; ok {
			order = append(order, id)
		} else {
			delete(d.online, id)
		}
	}
	d.onlineOrder = order
	d.mu.Unlock()

	rounds := d.emergency + 1
	for i := 0; i < rounds; i++ {
		if d.assignTickets(ctx) < state.BatchLimit {
			break
		}
	}
}

// assignTickets drains one batch of the unassigned stream: cancelled and
// expired tickets are dropped, the rest are routed to a matchmaker with
// clock-compensated expiry and moved delete-then-add, grouped per target
// stream. Returns how many stream entries were read.
func (d *Director) assignTickets(ctx context.Context) int {
	entries, err := d.state.StreamRead(ctx, keyTicketsUnassigned, state.BatchLimit)
	if err != nil {
		log.WithError(err).Warn("failed to read unassigned tickets")
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	type pending struct {
		entry state.StreamEntry
		t     *ticket.Ticket
	}

	var dropIDs []string
	var expiredGlobalIDs []string
	parsed := make([]pending, 0, len(entries))
	globalIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		t, err := d.codec.DecodeTicket(e.Data)
		if err != nil {
			log.WithError(err).Warn("dropping unparsable unassigned ticket")
			dropIDs = append(dropIDs, e.ID)
			continue
		}
		parsed = append(parsed, pending{entry: e, t: t})
		globalIDs = append(globalIDs, t.GlobalID)
	}

	live, err := d.state.SetContainsBatch(ctx, keyTicketsSubmitted, globalIDs)
	if err != nil {
		log.WithError(err).Warn("failed to check submitted set, deferring assignment round")
		return len(entries)
	}

	now := time.Now().UTC()
	type group struct {
		stateIDs []string
		datas    [][]byte
	}
	groups := make(map[string]*group)

	d.mu.Lock()
	for i, p := range parsed {
		if !live[i] {
			// Cancelled while queued; the stream entry is all that's left.
			dropIDs = append(dropIDs, p.entry.ID)
			continue
		}
		if p.t.Expired(now) {
			dropIDs = append(dropIDs, p.entry.ID)
			expiredGlobalIDs = append(expiredGlobalIDs, p.t.GlobalID)
			delete(d.submittedExpiry, p.t.GlobalID)
			continue
		}

		mm := d.pickMatchmakerLocked(p.t.PoolID())
		if mm == nil {
			// No matchmaker online; leave the entry for a later round.
			continue
		}

		p.t.TimestampExpiryMatchmaker = p.t.Timestamp.Add(-mm.timeDiff).
			Add(time.Duration(p.t.MaxAgeSeconds) * time.Second)
		data, err := d.codec.EncodeTicket(p.t)
		if err != nil {
			log.WithError(err).WithField("global_id", p.t.GlobalID).Error("dropping unencodable assigned ticket")
			dropIDs = append(dropIDs, p.entry.ID)
			continue
		}

		key := "tickets_" + mm.id
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
		}
		g.stateIDs = append(g.stateIDs, p.entry.ID)
		g.datas = append(g.datas, data)

		// Keep the cached status roughly honest between refreshes so
		// least-busy routing spreads a burst instead of dogpiling.
		mm.status.ProcessingTickets++
		if ps := mm.pool(p.t.PoolID()); ps != nil {
			ps.InQueue++
		}
	}
	d.mu.Unlock()

	for key, g := range groups {
		if _, err := d.state.StreamDeleteMessages(ctx, keyTicketsUnassigned, g.stateIDs); err != nil {
			log.WithError(err).Warn("failed to delete moved tickets from unassigned stream")
			continue
		}
		if _, errs := d.state.StreamAddBatch(ctx, key, g.datas); errs != nil {
			var failed [][]byte
			for i, err := range errs {
				if err != nil {
					failed = append(failed, g.datas[i])
				}
			}
			if len(failed) > 0 {
				log.WithField("stream", key).Warnf("%d assigned tickets lost in move, queuing recovery", len(failed))
				d.mu.Lock()
				d.lostTickets = append(d.lostTickets, lostBatch{streamKey: key, datas: failed})
				d.mu.Unlock()
			}
		}
	}

	if len(dropIDs) > 0 {
		if _, err := d.state.StreamDeleteMessages(ctx, keyTicketsUnassigned, dropIDs); err != nil {
			log.WithError(err).Warn("failed to delete dropped tickets from unassigned stream")
		}
	}
	if len(expiredGlobalIDs) > 0 {
		if err := d.state.SetRemoveBatch(ctx, keyTicketsSubmitted, expiredGlobalIDs); err != nil {
			log.WithError(err).Warn("failed to remove expired tickets from submitted set")
		}
	}

	return len(entries)
}

// pickMatchmakerLocked routes one ticket: first matchmaker whose pool is
// gathering with room wins outright; otherwise one whose pool already has
// tickets and room; otherwise the least busy overall. Caller holds d.mu.
func (d *Director) pickMatchmakerLocked(poolID string) *mmEntry {
	var leastBusy, partial *mmEntry
	for _, id := range d.onlineOrder {
		mm := d.online[id]
		if leastBusy == nil || mm.status.ProcessingTickets < leastBusy.status.ProcessingTickets {
			leastBusy = mm
		}
		ps := mm.pool(poolID)
		if ps == nil || ps.InQueue >= d.cfg.PoolCapacity {
			continue
		}
		if ps.Gathering {
			return mm
		}
		if partial == nil && ps.InQueue > 0 {
			partial = mm
		}
	}
	if partial != nil {
		return partial
	}
	return leastBusy
}

// unregisterMatchmaker drains an offline matchmaker's assigned stream back
// into the unassigned stream, then deletes the stream and its registry
// entry.
func (d *Director) unregisterMatchmaker(ctx context.Context, id string) {
	d.mu.Lock()
	delete(d.online, id)
	for i, oid := range d.onlineOrder {
		if oid == id {
			d.onlineOrder = append(d.onlineOrder[:i], d.onlineOrder[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	streamKey := "tickets_" + id
	for {
		entries, err := d.state.StreamRead(ctx, streamKey, state.BatchLimit)
		if err != nil {
			log.WithError(err).WithField("matchmaker", id).Warn("failed to drain offline matchmaker stream")
			return
		}
		if len(entries) == 0 {
			break
		}

		ids := make([]string, len(entries))
		datas := make([][]byte, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
			datas[i] = e.Data
		}

		if _, err := d.state.StreamDeleteMessages(ctx, streamKey, ids); err != nil {
			log.WithError(err).WithField("matchmaker", id).Warn("failed to delete from offline matchmaker stream")
			return
		}
		if _, errs := d.state.StreamAddBatch(ctx, keyTicketsUnassigned, datas); errs != nil {
			var failed [][]byte
			for i, err := range errs {
				if err != nil {
					failed = append(failed, datas[i])
				}
			}
			if len(failed) > 0 {
				d.mu.Lock()
				d.lostTickets = append(d.lostTickets, lostBatch{streamKey: keyTicketsUnassigned, datas: failed})
				d.mu.Unlock()
			}
		}
		if len(entries) < state.BatchLimit {
			break
		}
	}

	if err := d.state.StreamDelete(ctx, streamKey); err != nil {
		log.WithError(err).WithField("matchmaker", id).Warn("failed to delete offline matchmaker stream")
	}
	if err := d.state.SetRemove(ctx, keyMatchmakers, id); err != nil {
		log.WithError(err).WithField("matchmaker", id).Warn("failed to unregister offline matchmaker")
	}
	log.WithField("matchmaker", id).Info("unregistered offline matchmaker")
}

// processLostTickets retries stream writes that failed mid-move. A batch
// that fails again simply goes back on the queue for the next pass.
func (d *Director) processLostTickets(ctx context.Context) {
	d.mu.Lock()
	batches := d.lostTickets
	d.lostTickets = nil
	d.mu.Unlock()

	for _, b := range batches {
		_, errs := d.state.StreamAddBatch(ctx, b.streamKey, b.datas)
		var failed [][]byte
		for i, err := range errs {
			if err != nil {
				failed = append(failed, b.datas[i])
			}
		}
		if len(failed) > 0 {
			d.mu.Lock()
			d.lostTickets = append(d.lostTickets, lostBatch{streamKey: b.streamKey, datas: failed})
			d.mu.Unlock()
		}
	}
}
