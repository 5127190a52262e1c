package task_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/task"
)

func TestValidatePlan_AcceptsAcyclicPlan(t *testing.T) {
	p := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0, AgentRole: "planner"},
			{Order: 1, AgentRole: "coder_be", Dependencies: []int{0}},
			{Order: 2, AgentRole: "qa", Dependencies: []int{0, 1}},
		},
	}
	require.NoError(t, task.ValidatePlan(p))
}

func TestValidatePlan_RejectsDuplicateOrder(t *testing.T) {
	p := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0},
			{Order: 0},
		},
	}
	err := task.ValidatePlan(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step order index")
}

// TestValidatePlan_AcceptsForwardDependency documents that a dependency on a
// later step index is a shape ValidatePlan lets through: it is not by
// itself a cycle, and whether it forms one can only be decided by walking
// the full dependency graph, which is the Scheduler's job.
func TestValidatePlan_AcceptsForwardDependency(t *testing.T) {
	p := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0, Dependencies: []int{1}},
			{Order: 1},
		},
	}
	require.NoError(t, task.ValidatePlan(p))
}

func TestValidatePlan_RejectsSelfDependency(t *testing.T) {
	p := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0, Dependencies: []int{0}},
		},
	}
	err := task.ValidatePlan(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestValidatePlan_RejectsUnknownDependency(t *testing.T) {
	p := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0, Dependencies: []int{7}},
		},
	}
	err := task.ValidatePlan(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step index")
}

// TestValidatePlan_DependencyIndicesMustExistProperty checks invariant 3 of
// §8's shape half (unique order, dependencies name declared steps): for any
// chain of up to 20 steps with unique order values in which each step
// depends on the one before it, ValidatePlan accepts it, and for any plan with a step that depends
// on itself, ValidatePlan rejects it. Acyclicity in general is covered
// separately by internal/scheduler's topological-sort property tests, since
// ValidatePlan no longer rejects forward dependencies on its own.
func TestValidatePlan_DependencyIndicesMustExistProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("well-formed step chains are always accepted", prop.ForAll(
		func(n int) bool {
			steps := make([]task.PlanStep, 0, n)
			for i := 0; i < n; i++ {
				deps := []int{}
				if i > 0 {
					deps = []int{i - 1}
				}
				steps = append(steps, task.PlanStep{Order: i, Dependencies: deps})
			}
			return task.ValidatePlan(&task.Plan{Steps: steps}) == nil
		},
		gen.IntRange(0, 20),
	))

	properties.Property("a self-dependency is always rejected", prop.ForAll(
		func(n int) bool {
			if n < 1 {
				return true
			}
			steps := make([]task.PlanStep, 0, n+1)
			for i := 0; i < n; i++ {
				steps = append(steps, task.PlanStep{Order: i})
			}
			steps = append(steps, task.PlanStep{Order: n, Dependencies: []int{n}})
			return task.ValidatePlan(&task.Plan{Steps: steps}) != nil
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
