package ticket

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Candidate is one occupied slot in a View's fixed-capacity candidate
// array: a pointer to the candidate ticket's view plus the rating it
// earned against the slot's owner.
type Candidate struct {
	Ticket *View
	Rating float64
}

// View is the matching-time projection of a Ticket: a flattened,
// padded copy of the fields the matching algorithm actually touches,
// plus the fixed-capacity candidate slot array that the core of the
// algorithm spends most of its time mutating.
//
// A View is shared by reference once candidates start pointing at it
// (Ticket ↔ Candidate ↔ Ticket is a deliberate cyclic structure: see
// the candidate-usage bookkeeping below), so Views are always handled
// through pointers and never copied after construction.
type View struct {
	Source *Ticket

	GlobalID     string
	State        [][]float64
	Affinities   []AffinityFlat
	Requirements []RequirementGroup

	// BasePriority is filled by Preprocess during matching, not at
	// conversion time.
	BasePriority float64

	// Candidates is sorted descending by Rating; nil entries are empty
	// slots. Mutated under mu in the thread-safe path; the sequential
	// path mutates it directly since only one goroutine ever touches a
	// given pool's views.
	Candidates []*Candidate
	mu         sync.Mutex

	// CandidateUsageBy counts how many other tickets currently hold this
	// view as one of their candidates.
	CandidateUsageBy atomic.Int32

	consumed bool
}

// ToView converts a Ticket into its matching view. maxStateSize pads the
// state matrix so every view in a pool has uniform width; candidatesSize
// sizes the fixed candidate slot array (default 8*(matchSize-1)).
func ToView(t *Ticket, maxStateSize int, candidatesSize int) *View {
	state := make([][]float64, maxStateSize)
	for i := 0; i < maxStateSize; i++ {
		if i < len(t.State) {
			state[i] = t.State[i]
		} else {
			state[i] = []float64{}
		}
	}

	v := &View{
		Source:       t,
		GlobalID:     t.GlobalID,
		State:        state,
		Affinities:   FlattenAffinities(t.Affinities),
		Requirements: NormalizeRequirementGroups(t.Requirements),
		Candidates:   make([]*Candidate, candidatesSize),
	}
	return v
}

// Consumed reports whether this view has already been claimed by a match
// or removed from further consideration this round.
func (v *View) Consumed() bool { return v.consumed }

// MarkConsumed flags the view as claimed.
func (v *View) MarkConsumed() { v.consumed = true }

// UnmarkConsumed reverts MarkConsumed, used when a partially-built match
// has to be unwound.
func (v *View) UnmarkConsumed() { v.consumed = false }

// AddCandidate inserts target at the correct descending-rating position in
// v's candidate slots, bumping the worst-rated tail candidate (if any) out
// and decrementing its usage counter. Returns false, leaving the slots
// untouched, if the rating doesn't beat the current worst slot.
//
// This is the thread-safe variant: the whole read-modify-write is under
// v.mu, with a relaxed pre-check against the last slot permitted outside
// the lock to let non-competitive candidates short-circuit without ever
// taking it.
func (v *View) AddCandidate(target *View, rating float64) bool {
	n := len(v.Candidates)
	if n == 0 {
		return false
	}
	if last := v.Candidates[n-1]; last != nil && rating <= last.Rating {
		return false
	}

	v.mu.Lock()
	inserted, bumped := v.insertCandidateLocked(target, rating)
	v.mu.Unlock()

	if !inserted {
		return false
	}
	if bumped != nil {
		bumped.Ticket.CandidateUsageBy.Add(-1)
	}
	target.CandidateUsageBy.Add(1)
	return true
}

// AddCandidateUnsafe is the single-threaded variant used by the
// sequential matching path, where a pool's views are only ever touched by
// one goroutine at a time and the mutex/atomic overhead is pure waste.
func (v *View) AddCandidateUnsafe(target *View, rating float64) bool {
	n := len(v.Candidates)
	if n == 0 {
		return false
	}
	if last := v.Candidates[n-1]; last != nil && rating <= last.Rating {
		return false
	}

	inserted, bumped := v.insertCandidateLocked(target, rating)
	if !inserted {
		return false
	}
	if bumped != nil {
		bumped.Ticket.CandidateUsageBy.Add(-1)
	}
	target.CandidateUsageBy.Add(1)
	return true
}

// insertCandidateLocked performs the actual slot shuffle. Caller holds
// whatever lock is appropriate (or none, in the sequential path).
func (v *View) insertCandidateLocked(target *View, rating float64) (inserted bool, bumped *Candidate) {
	n := len(v.Candidates)
	if last := v.Candidates[n-1]; last != nil && rating <= last.Rating {
		return false, nil
	}

	idx := n - 1
	for i := 0; i < n; i++ {
		c := v.Candidates[i]
		if c == nil || c.Rating < rating {
			idx = i
			break
		}
	}

	bumped = v.Candidates[n-1]
	copy(v.Candidates[idx+1:], v.Candidates[idx:n-1])
	v.Candidates[idx] = &Candidate{Ticket: target, Rating: rating}
	return true, bumped
}

// WorstRating returns the rating of the last occupied slot, and whether
// any slot is occupied at all. Used by the usage-based pruning check.
func (v *View) WorstRating() (float64, bool) {
	for i := len(v.Candidates) - 1; i >= 0; i-- {
		if v.Candidates[i] != nil {
			return v.Candidates[i].Rating, true
		}
	}
	return 0, false
}

// SortViewsByGlobalID is used only by tests that need deterministic
// ordering of a pool snapshot; matching itself never needs to sort views,
// it relies on input order (priority queue first, then FIFO).
func SortViewsByGlobalID(views []*View) {
	sort.Slice(views, func(i, j int) bool { return views[i].GlobalID < views[j].GlobalID })
}
