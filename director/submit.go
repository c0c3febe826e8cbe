package director

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"crymatch/state"
	"crymatch/ticket"
)

// Status is the outcome catalogue the RPC surface translates submit/remove
// results into.
type Status int

const (
	StatusUnspecified Status = iota
	StatusOK
	StatusBadRequest
	StatusDuplicateID
	StatusExpired
	StatusNotFound
	StatusInternalError
	StatusUnknownError
	StatusMatchmakerBusy
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusDuplicateID:
		return "DUPLICATE_ID"
	case StatusExpired:
		return "EXPIRED"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusUnknownError:
		return "UNKNOWN_ERROR"
	case StatusMatchmakerBusy:
		return "MATCHMAKER_BUSY"
	default:
		return "UNSPECIFIED"
	}
}

// maxPendingSubmissions bounds the in-memory submission queue. The
// submitter timer drains a full batch every 100ms (faster while backed
// up), so this is sized for sustained bursts well past the bulk-submit
// target, not a single batch.
const maxPendingSubmissions = 100 * state.BatchLimit

// SubmitTicket decorates and enqueues a client ticket. A ticket arriving
// without a global id is assigned one; a ticket reusing a live id is
// rejected with StatusDuplicateID.
func (d *Director) SubmitTicket(ctx context.Context, t *ticket.Ticket) Status {
	if t == nil || t.MaxAgeSeconds < 0 {
		return StatusBadRequest
	}

	now := time.Now().UTC()
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	if t.Expired(now) {
		return StatusExpired
	}

	if t.GlobalID == "" {
		t.GlobalID = uuid.NewString()
	} else {
		live, err := d.state.SetContains(ctx, keyTicketsSubmitted, t.GlobalID)
		if err != nil {
			return StatusInternalError
		}
		if live {
			return StatusDuplicateID
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.pendingIDs[t.GlobalID]; dup {
		return StatusDuplicateID
	}
	if len(d.pendingSubmit) >= maxPendingSubmissions {
		return StatusMatchmakerBusy
	}
	d.pendingSubmit = append(d.pendingSubmit, t)
	d.pendingIDs[t.GlobalID] = struct{}{}
	return StatusOK
}

// RemoveTicket cancels a live ticket by global id. The ticket's stream
// entries are not chased down here: the assigner drops any unassigned
// ticket whose id is no longer in tickets_submitted, and a matchmaker-held
// copy falls out when its match validates against the missing id.
func (d *Director) RemoveTicket(ctx context.Context, globalID string) Status {
	if globalID == "" {
		return StatusBadRequest
	}

	d.mu.Lock()
	if _, pending := d.pendingIDs[globalID]; pending {
		delete(d.pendingIDs, globalID)
		for i, t := range d.pendingSubmit {
			if t.GlobalID == globalID {
				d.pendingSubmit = append(d.pendingSubmit[:i], d.pendingSubmit[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
		return StatusOK
	}
	d.mu.Unlock()

	live, err := d.state.SetContains(ctx, keyTicketsSubmitted, globalID)
	if err != nil {
		return StatusInternalError
	}
	if !live {
		return StatusNotFound
	}
	if err := d.state.SetRemove(ctx, keyTicketsSubmitted, globalID); err != nil {
		return StatusInternalError
	}

	d.mu.Lock()
	delete(d.submittedExpiry, globalID)
	d.mu.Unlock()
	return StatusOK
}

// GetPoolConfiguration resolves a pool's configured match size, defaulting
// to 2 when nothing has been set.
func (d *Director) GetPoolConfiguration(ctx context.Context, poolID string) (int, error) {
	raw, err := d.state.GetString(ctx, "pool_match_size_"+poolID)
	if err != nil {
		if errors.Is(err, state.ErrKeyNotFound) {
			return 2, nil
		}
		return 0, err
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size < 2 {
		return 2, nil
	}
	return size, nil
}

// SetPoolConfiguration writes a pool's match size. Sizes below 2 are
// rejected as a bad request.
func (d *Director) SetPoolConfiguration(ctx context.Context, poolID string, matchSize int) Status {
	if matchSize < 2 {
		return StatusBadRequest
	}
	if err := d.state.SetString(ctx, "pool_match_size_"+poolID, strconv.Itoa(matchSize), 0); err != nil {
		return StatusInternalError
	}
	return StatusOK
}
