package ticket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareView(id string, slots int) *View {
	return &View{GlobalID: id, Candidates: make([]*Candidate, slots)}
}

func TestAddCandidate_DescendingInsertOrder(t *testing.T) {
	owner := newBareView("owner", 3)
	c1 := newBareView("c1", 0)
	c2 := newBareView("c2", 0)
	c3 := newBareView("c3", 0)
	c4 := newBareView("c4", 0)

	require.True(t, owner.AddCandidateUnsafe(c1, 5))
	require.True(t, owner.AddCandidateUnsafe(c2, 10))
	require.True(t, owner.AddCandidateUnsafe(c3, 1))

	ratings := []float64{owner.Candidates[0].Rating, owner.Candidates[1].Rating, owner.Candidates[2].Rating}
	assert.Equal(t, []float64{10, 5, 1}, ratings)
	assert.EqualValues(t, 1, c1.CandidateUsageBy.Load())
	assert.EqualValues(t, 1, c2.CandidateUsageBy.Load())
	assert.EqualValues(t, 1, c3.CandidateUsageBy.Load())

	// A rating below the current worst (1) is rejected outright.
	assert.False(t, owner.AddCandidateUnsafe(c4, 0))
	assert.EqualValues(t, 0, c4.CandidateUsageBy.Load())

	// A rating that beats the worst slot bumps c3 off the tail.
	require.True(t, owner.AddCandidateUnsafe(c4, 7))
	assert.EqualValues(t, 0, c3.CandidateUsageBy.Load())
	assert.EqualValues(t, 1, c4.CandidateUsageBy.Load())
	ratings = []float64{owner.Candidates[0].Rating, owner.Candidates[1].Rating, owner.Candidates[2].Rating}
	assert.Equal(t, []float64{10, 7, 5}, ratings)
}

func TestAddCandidate_RejectionLeavesCountersUnchanged(t *testing.T) {
	owner := newBareView("owner", 2)
	c1 := newBareView("c1", 0)
	c2 := newBareView("c2", 0)
	require.True(t, owner.AddCandidateUnsafe(c1, 5))
	require.True(t, owner.AddCandidateUnsafe(c2, 4))

	rejectee := newBareView("rejectee", 0)
	assert.False(t, owner.AddCandidateUnsafe(rejectee, 4))
	assert.EqualValues(t, 0, rejectee.CandidateUsageBy.Load())
	assert.EqualValues(t, 1, c1.CandidateUsageBy.Load())
	assert.EqualValues(t, 1, c2.CandidateUsageBy.Load())
}

func TestToView_PadsStateAndNormalizesRequirements(t *testing.T) {
	tk := &Ticket{
		GlobalID: "t1",
		State:    [][]float64{{1, 2}},
		Requirements: []RequirementGroup{
			{Any: []Requirement{{Key: 0, Ranged: true, Values: []float64{5}}}},
		},
	}
	v := ToView(tk, 3, 8)
	require.Len(t, v.State, 3)
	assert.Equal(t, []float64{1, 2}, v.State[0])
	assert.Equal(t, []float64{}, v.State[1])
	assert.Equal(t, []float64{}, v.State[2])
	assert.Equal(t, []float64{5, 5}, v.Requirements[0].Any[0].Values)
	assert.Len(t, v.Candidates, 8)
}
