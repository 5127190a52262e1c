package task

import "fmt"

// ValidatePlan checks the shape invariants from §3/§8 that a Plan must
// satisfy before a task can leave planning: unique step order indices, and
// every dependency index referring to a step that is actually declared in
// the plan (and not to itself). It does not check acyclicity — a planner is
// free to declare a dependency on a later step, so dependency order alone
// does not rule out a cycle. The DAG Scheduler (internal/scheduler) runs the
// topological sort that is the system's only real cycle check, using this
// function's result as its precondition.
func ValidatePlan(p *Plan) error {
	if p == nil {
		return fmt.Errorf("invalid_plan: plan is nil")
	}
	seen := make(map[int]bool, len(p.Steps))
	for _, step := range p.Steps {
		if seen[step.Order] {
			return fmt.Errorf("invalid_plan: duplicate step order index %d", step.Order)
		}
		seen[step.Order] = true
	}
	for _, step := range p.Steps {
		for _, dep := range step.Dependencies {
			if dep == step.Order {
				return fmt.Errorf("invalid_plan: step %d depends on itself", step.Order)
			}
			if !seen[dep] {
				return fmt.Errorf("invalid_plan: step %d depends on unknown step index %d", step.Order, dep)
			}
		}
	}
	return nil
}
