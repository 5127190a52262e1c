package scheduler

import (
	"fmt"

	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/task"
)

// ValidateForDispatch runs task.ValidatePlan's shape checks (unique order
// indices, dependencies naming declared steps) and then attempts a
// Kahn's-algorithm topological sort of the step graph — the only check in
// the system that actually detects a cycle, since ValidatePlan allows a
// step to depend on a later one. A plan that fails either check is rejected
// at plan-insertion time per §4.2 "Cycle detection": "if none exists the
// plan is rejected (failed with reason 'cyclic plan')."
func ValidateForDispatch(p *task.Plan) outcome.Result[[]int] {
	if err := task.ValidatePlan(p); err != nil {
		return outcome.Err[[]int](kinds.KindInvalidPlan, err.Error())
	}
	order, err := topoSort(p.Steps)
	if err != nil {
		return outcome.Err[[]int](kinds.KindCyclicPlan, err.Error())
	}
	return outcome.Ok(order)
}

// topoSort computes a topological order of steps by Order index using
// Kahn's algorithm. It returns an error if the graph is not a DAG; the
// error does not say which steps form the cycle.
func topoSort(steps []task.PlanStep) ([]int, error) {
	indegree := make(map[int]int, len(steps))
	dependents := make(map[int][]int, len(steps))
	byOrder := make(map[int]task.PlanStep, len(steps))
	for _, step := range steps {
		byOrder[step.Order] = step
		if _, ok := indegree[step.Order]; !ok {
			indegree[step.Order] = 0
		}
		for _, dep := range step.Dependencies {
			indegree[step.Order]++
			dependents[dep] = append(dependents[dep], step.Order)
		}
	}

	var ready []int
	for order, deg := range indegree {
		if deg == 0 {
			ready = append(ready, order)
		}
	}

	var out []int
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(out) != len(steps) {
		return nil, fmt.Errorf("cyclic plan: dependency graph has no valid topological order")
	}
	return out, nil
}
