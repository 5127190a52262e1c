package scheduler_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/scheduler"
	"github.com/taskmesh/orchestrator/internal/task"
)

func TestValidateForDispatch_AcceptsLinearChain(t *testing.T) {
	p := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0, AgentRole: "planner"},
			{Order: 1, AgentRole: "coder_be", Dependencies: []int{0}},
			{Order: 2, AgentRole: "qa", Dependencies: []int{0, 1}},
		},
	}
	res := scheduler.ValidateForDispatch(p)
	require.True(t, res.IsOK())
	assert.Equal(t, []int{0, 1, 2}, res.Value())
}

// TestValidateForDispatch_AcceptsForwardDependencyIfAcyclic documents that a
// dependency on a later step index is not by itself rejected: task.Plan
// does not require dependencies to be declared in order, only that the
// overall graph have no cycle.
func TestValidateForDispatch_AcceptsForwardDependencyIfAcyclic(t *testing.T) {
	p := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0, Dependencies: []int{1}},
			{Order: 1},
		},
	}
	res := scheduler.ValidateForDispatch(p)
	require.True(t, res.IsOK())
	assert.Equal(t, []int{1, 0}, res.Value())
}

func TestValidateForDispatch_RejectsCyclicDependency(t *testing.T) {
	p := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0, Dependencies: []int{1}},
			{Order: 1, Dependencies: []int{0}},
		},
	}
	res := scheduler.ValidateForDispatch(p)
	require.False(t, res.IsOK())
	assert.Equal(t, kinds.KindCyclicPlan, res.Failure().Kind)
}

// TestValidateForDispatch_TopologicalOrderAlwaysExistsForWellFormedPlans
// checks invariant 5 of §8 (DAG acyclicity): any plan built from
// strictly-earlier-index dependencies, which task.ValidatePlan already
// guarantees is well-formed, always has a valid topological order and is
// never rejected as cyclic by the Scheduler's independent Kahn's-algorithm
// check.
func TestValidateForDispatch_TopologicalOrderAlwaysExistsForWellFormedPlans(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a DAG of strictly-earlier dependencies always yields a full topological order", prop.ForAll(
		func(n int, seed int) bool {
			steps := make([]task.PlanStep, 0, n)
			for i := 0; i < n; i++ {
				var deps []int
				// Deterministically but variably wire each step to a subset
				// of its strictly-earlier predecessors, using seed to vary
				// which predecessors are picked across runs.
				for j := 0; j < i; j++ {
					if (seed+i*7+j*13)%3 == 0 {
						deps = append(deps, j)
					}
				}
				steps = append(steps, task.PlanStep{Order: i, Dependencies: deps})
			}
			res := scheduler.ValidateForDispatch(&task.Plan{Steps: steps})
			return res.IsOK() && len(res.Value()) == n
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
