// Package matching implements the per-pool matching algorithm: preprocess
// priorities, find scored candidates for every pair, then greedily
// assemble non-overlapping matches from the resulting candidate slots.
package matching

import (
	"math"

	"github.com/google/uuid"

	"crymatch/plugin"
	"crymatch/rand"
	"crymatch/ticket"
)

// DefaultCandidatesSize is the default candidate-slot count,
// 8*(matchSize-1).
func DefaultCandidatesSize(matchSize int) int {
	return 8 * (matchSize - 1)
}

// MinForParallel is the input size at which FindCandidates switches to its
// worker-partitioned variant.
const MinForParallel = 1000

// Options configures one run of the matching algorithm over a pool span.
type Options struct {
	MatchSize       int
	CandidatesSize  int // 0 means DefaultCandidatesSize(MatchSize)
	VictimBufferCap int
	UnreliableOnly  bool
	Plugin          plugin.Plugin
}

// Result is everything a Matchmaker worker needs out of one matching pass.
type Result struct {
	Matches            []*ticket.TicketMatch
	Views              []*ticket.View // views actually consumed or still pending, for caller bookkeeping
	Victims            []*ticket.View
	VictimsOutOfBuffer int
	MatchedAllItCould  bool
}

// Run executes the full matching pipeline for one pool span:
// preprocess, find candidates (sequential or parallel depending on input
// size), assemble matches, and — unless UnreliableOnly — a reliable
// fallback pass over any victims of theft.
func Run(tickets []*ticket.Ticket, opts Options) Result {
	if opts.CandidatesSize <= 0 {
		opts.CandidatesSize = DefaultCandidatesSize(opts.MatchSize)
	}

	pre := Preprocess(tickets, opts.CandidatesSize)

	if len(pre.Views) >= MinForParallel {
		FindCandidatesParallel(pre.Views, opts.CandidatesSize, pre.PrioritySpan, true)
	} else {
		FindCandidates(pre.Views, opts.CandidatesSize, pre.PrioritySpan, true)
	}

	assembled := AssembleMatches(pre.Views, opts.MatchSize, opts.VictimBufferCap, opts.Plugin)

	result := Result{
		Matches:            assembled.Matches,
		Victims:            assembled.Victims,
		VictimsOutOfBuffer: assembled.VictimsOutOfBuffer,
		MatchedAllItCould:  assembled.VictimsOutOfBuffer == 0,
	}

	// Views that went on to become victims are re-wrapped and re-walked by
	// the reliable fallback below; their fate is decided by that second
	// View, not this first one, so they're excluded here to avoid reporting
	// the same ticket twice under two different Consumed() states.
	isVictim := make(map[*ticket.Ticket]struct{}, len(assembled.Victims))
	for _, v := range assembled.Victims {
		isVictim[v.Source] = struct{}{}
	}
	for _, v := range pre.Views {
		if _, victim := isVictim[v.Source]; !victim {
			result.Views = append(result.Views, v)
		}
	}

	if opts.UnreliableOnly || len(assembled.Victims) < opts.MatchSize {
		result.Views = append(result.Views, assembled.Victims...)
		return result
	}

	victimTickets := make([]*ticket.Ticket, 0, len(assembled.Victims))
	for _, v := range assembled.Victims {
		victimTickets = append(victimTickets, v.Source)
	}

	reliablePre := Preprocess(victimTickets, len(victimTickets)-1)
	FindCandidates(reliablePre.Views, len(victimTickets)-1, reliablePre.PrioritySpan, false)
	reliable := AssembleMatches(reliablePre.Views, opts.MatchSize, 0, opts.Plugin)

	result.Matches = append(result.Matches, reliable.Matches...)
	result.Views = append(result.Views, reliablePre.Views...)
	// Reliable matching cannot itself produce victims; any
	// leftover is simply unmatched residue for this round.
	return result
}

// PreprocessResult is the outcome of scanning a ticket span once before
// pairwise candidate search.
type PreprocessResult struct {
	Views        []*ticket.View
	PrioritySpan float64
	MaxStateSize int
}

// Preprocess computes the shared max state-vector width, converts every
// ticket to its matching view, and fills each view's BasePriority using
// the age-normalized priority formula.
func Preprocess(tickets []*ticket.Ticket, candidatesSize int) PreprocessResult {
	if candidatesSize < 0 {
		candidatesSize = 0
	}

	maxStateSize := 0
	var minExpire, maxExpire int64
	for i, t := range tickets {
		if len(t.State) > maxStateSize {
			maxStateSize = len(t.State)
		}
		e := t.TimestampExpiryMatchmaker.UnixNano()
		if i == 0 {
			minExpire, maxExpire = e, e
			continue
		}
		if e < minExpire {
			minExpire = e
		}
		if e > maxExpire {
			maxExpire = e
		}
	}

	expireRange := float64(maxExpire - minExpire)

	views := make([]*ticket.View, len(tickets))
	var minPriority, maxPriority float64
	for i, t := range tickets {
		v := ticket.ToView(t, maxStateSize, candidatesSize)

		ageNormalized := 0.0
		if expireRange > 0 {
			e := float64(t.TimestampExpiryMatchmaker.UnixNano() - minExpire)
			ageNormalized = 1 - e/expireRange
		}
		v.BasePriority = float64(t.PriorityBase) + ageNormalized*t.AgePriorityFactor
		views[i] = v

		if i == 0 || v.BasePriority < minPriority {
			minPriority = v.BasePriority
		}
		if i == 0 || v.BasePriority > maxPriority {
			maxPriority = v.BasePriority
		}
	}

	return PreprocessResult{Views: views, PrioritySpan: maxPriority - minPriority, MaxStateSize: maxStateSize}
}

// noiseRange is max(0.001, priority_span*0.05). Non-zero noise is needed
// to break identical-priority ties; too small is worse than none when
// priorities differ.
func noiseRange(prioritySpan float64) float64 {
	return math.Max(0.001, prioritySpan*0.05)
}

// FindCandidates evaluates every unordered pair of views and inserts
// mutually-rated candidates into each other's slot arrays. usagePruning
// enables the unreliable-mode-only skip for over-chosen tickets.
func FindCandidates(views []*ticket.View, candidatesSize int, prioritySpan float64, usagePruning bool) {
	noiseMax := noiseRange(prioritySpan)
	usageThreshold := int32(candidatesSize * 3)

	for i := 0; i < len(views); i++ {
		a := views[i]
		for j := i + 1; j < len(views); j++ {
			b := views[j]
			considerPair(a, b, noiseMax, usageThreshold, usagePruning, false)
		}
	}
}

// considerPair runs the requirements gate, affinity gate, and noise/rating
// computation for one pair, inserting into both sides' slots on success.
// threadSafe selects AddCandidate (locked) over AddCandidateUnsafe.
func considerPair(a, b *ticket.View, noiseMax float64, usageThreshold int32, usagePruning bool, threadSafe bool) {
	if usagePruning && b.CandidateUsageBy.Load() > usageThreshold {
		return
	}
	if !ticket.Compatible(a.Requirements, a.State, b.Requirements, b.State) {
		return
	}
	aff := ticket.EvaluateAffinities(a.Affinities, b.Affinities)
	if aff.Veto {
		return
	}

	noise := rand.RandomFloat(noiseMax)
	ratingA := noise + b.BasePriority + aff.PriorityForA
	ratingB := noise + a.BasePriority + aff.PriorityForB

	if threadSafe {
		a.AddCandidate(b, ratingA)
		b.AddCandidate(a, ratingB)
		return
	}
	a.AddCandidateUnsafe(b, ratingA)
	b.AddCandidateUnsafe(a, ratingB)
}

// AssembleResult is the outcome of one AssembleMatches pass.
type AssembleResult struct {
	Matches            []*ticket.TicketMatch
	Victims            []*ticket.View
	VictimsOutOfBuffer int
}

// AssembleMatches walks views in input order, greedily consuming each
// ticket's best available candidates into non-overlapping matches.
func AssembleMatches(views []*ticket.View, matchSize int, victimBufferCap int, p plugin.Plugin) AssembleResult {
	need := matchSize - 1
	var result AssembleResult
	var victimCandidates []*ticket.View

	for _, t := range views {
		if t.Consumed() {
			continue
		}
		t.MarkConsumed()

		picked, stolen := pickCandidates(t, need, p)
		if len(picked) == need {
			ids := make([]string, 0, matchSize)
			ids = append(ids, t.GlobalID)
			for _, c := range picked {
				ids = append(ids, c.GlobalID)
			}
			result.Matches = append(result.Matches, &ticket.TicketMatch{
				GlobalID:               uuid.NewString(),
				MatchedTicketGlobalIDs: ids,
			})
			continue
		}

		for _, c := range picked {
			c.UnmarkConsumed()
		}
		t.UnmarkConsumed()
		if stolen > need {
			victimCandidates = append(victimCandidates, t)
		}
	}

	// A ticket flagged mid-walk as a theft victim may still go on to be
	// picked up by a later ticket's successful match in this same pass;
	// only those still unconsumed once the whole span has been walked are
	// genuine victims eligible for the reliable-mode retry.
	for _, t := range victimCandidates {
		if t.Consumed() {
			continue
		}
		if len(result.Victims) < victimBufferCap {
			result.Victims = append(result.Victims, t)
		} else {
			result.VictimsOutOfBuffer++
		}
	}

	return result
}

// pickCandidates selects up to need non-consumed candidates for t, either
// via the default best-to-worst slot walk or, if a plugin overrides
// picking for this pool, via the plugin's own selection.
func pickCandidates(t *ticket.View, need int, p plugin.Plugin) (picked []*ticket.View, stolen int) {
	if p == nil || !p.OverrideCandidatePicking() {
		return defaultPick(t, need)
	}
	return pluginPick(t, need, p)
}

func defaultPick(t *ticket.View, need int) (picked []*ticket.View, stolen int) {
	picked = make([]*ticket.View, 0, need)
	for _, c := range t.Candidates {
		if len(picked) >= need {
			break
		}
		if c == nil {
			continue
		}
		if c.Ticket.Consumed() {
			stolen++
			continue
		}
		c.Ticket.MarkConsumed()
		picked = append(picked, c.Ticket)
	}
	return picked, stolen
}

// pluginPick builds the candidates array the plugin contract expects
// (index 0 = owning ticket), seeds picked with the default best-rated
// indices, and lets the plugin override them. An invalid override
// (duplicate, out of range, index 0, or an already-consumed pick)
// invalidates the whole match attempt, falling back to the default pick
// so the round still makes progress.
func pluginPick(t *ticket.View, need int, p plugin.Plugin) (picked []*ticket.View, stolen int) {
	candidates := make([]*ticket.View, 1, len(t.Candidates)+1)
	candidates[0] = t
	for _, c := range t.Candidates {
		if c != nil {
			candidates = append(candidates, c.Ticket)
		}
	}

	defaultIdx := make([]int, 0, need)
	for i := 1; i < len(candidates) && len(defaultIdx) < need; i++ {
		defaultIdx = append(defaultIdx, i)
	}

	picks := make([]int, len(defaultIdx))
	copy(picks, defaultIdx)

	if !p.PickMatchCandidates(candidates, picks) {
		return consumeByIndex(candidates, defaultIdx, need)
	}
	if !validPickSet(picks, len(candidates)) {
		return consumeByIndex(candidates, defaultIdx, need)
	}
	return consumeByIndex(candidates, picks, need)
}

func validPickSet(picks []int, n int) bool {
	seen := make(map[int]struct{}, len(picks))
	for _, idx := range picks {
		if idx <= 0 || idx >= n {
			return false
		}
		if _, dup := seen[idx]; dup {
			return false
		}
		seen[idx] = struct{}{}
	}
	return true
}

func consumeByIndex(candidates []*ticket.View, indices []int, need int) (picked []*ticket.View, stolen int) {
	picked = make([]*ticket.View, 0, need)
	for _, idx := range indices {
		if len(picked) >= need {
			break
		}
		c := candidates[idx]
		if c.Consumed() {
			stolen++
			continue
		}
		c.MarkConsumed()
		picked = append(picked, c)
	}
	return picked, stolen
}
