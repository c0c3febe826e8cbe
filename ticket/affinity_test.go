package ticket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateAffinityPair_HardMarginVeto(t *testing.T) {
	a := FlattenAffinity(Affinity{Value: 1200, MaxMargin: 100, SoftMargin: false, PreferDisimilar: false, PriorityFactor: 1})
	b := FlattenAffinity(Affinity{Value: 1000, MaxMargin: 1000, SoftMargin: true, PreferDisimilar: false, PriorityFactor: 1})

	res := EvaluateAffinityPair(a, b)
	assert.True(t, res.Veto)
}

func TestEvaluateAffinityPair_SoftPreferSimilar(t *testing.T) {
	a := FlattenAffinity(Affinity{Value: 1000, MaxMargin: 1000, SoftMargin: true, PreferDisimilar: false, PriorityFactor: 1})
	b := FlattenAffinity(Affinity{Value: 1000, MaxMargin: 1000, SoftMargin: true, PreferDisimilar: false, PriorityFactor: 1})

	res := EvaluateAffinityPair(a, b)
	assert.False(t, res.Veto)
	assert.InDelta(t, 1.0, res.PriorityForA, 1e-9)
	assert.InDelta(t, 1.0, res.PriorityForB, 1e-9)
}

func TestEvaluateAffinities_TruncatesToShorterList(t *testing.T) {
	a := FlattenAffinities([]Affinity{
		{Value: 1, MaxMargin: 10, SoftMargin: true, PriorityFactor: 1},
		{Value: 1, MaxMargin: 10, SoftMargin: true, PriorityFactor: 1},
	})
	b := FlattenAffinities([]Affinity{
		{Value: 1, MaxMargin: 10, SoftMargin: true, PriorityFactor: 1},
	})

	res := EvaluateAffinities(a, b)
	assert.False(t, res.Veto)
}
