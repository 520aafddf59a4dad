package ticket_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/crymatch/crymatch/ticket"
)

func TestNewViewPadsState(t *testing.T) {
	src := &ticket.Ticket{
		GlobalID: "g1",
		State:    [][]float32{{1, 2}, nil},
	}
	v := ticket.NewView(src, 4, 8)
	assert.Equal(t, 4, len(v.State))
	assert.DeepEqual(t, []float32{1, 2}, v.State[0])
	for i := 1; i < 4; i++ {
		assert.Equal(t, 0, len(v.State[i]))
	}
}

func TestNewViewNormalizesRangedRequirements(t *testing.T) {
	src := &ticket.Ticket{
		GlobalID: "g1",
		Requirements: []ticket.RequirementGroup{
			{Any: []ticket.Requirement{
				{Key: 0, Ranged: true, Values: nil},
				{Key: 1, Ranged: true, Values: []float32{5}},
				{Key: 2, Ranged: true, Values: []float32{1, 2, 3}},
				{Key: 3, Ranged: false, Values: []float32{9}},
			}},
		},
	}
	v := ticket.NewView(src, 1, 8)
	reqs := v.Requirements[0].Any
	assert.DeepEqual(t, []float32{0, 0}, reqs[0].Values)
	assert.DeepEqual(t, []float32{5, 5}, reqs[1].Values)
	assert.DeepEqual(t, []float32{1, 2}, reqs[2].Values)
	// Discreet requirements are left alone.
	assert.DeepEqual(t, []float32{9}, reqs[3].Values)
}

func TestNewViewInvertsAffinityMargins(t *testing.T) {
	src := &ticket.Ticket{
		GlobalID: "g1",
		Affinities: []ticket.Affinity{
			{Value: 1000, MaxMargin: 250, PriorityFactor: 2},
			{Value: 5, MaxMargin: 0, PriorityFactor: 1},
		},
	}
	v := ticket.NewView(src, 0, 8)
	assert.Equal(t, 1.0/250.0, v.Affinities[0].MaxMarginInverted)
	// A zero margin cannot be inverted; it behaves as unlimited.
	assert.Equal(t, 0.0, v.Affinities[1].MaxMarginInverted)
}
