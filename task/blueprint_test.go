package task

import "testing"

func TestPlanBlueprintHasCycleDetectsDirectCycle(t *testing.T) {
	bp := PlanBlueprint{
		NewTasks: []TaskDefinition{{LocalID: "A"}, {LocalID: "B"}},
		NewEdges: []EdgeDefinition{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "A"},
		},
	}
	if !bp.HasCycle() {
		t.Fatal("expected HasCycle to detect A->B->A")
	}
}

func TestPlanBlueprintHasCycleDetectsSelfLoop(t *testing.T) {
	bp := PlanBlueprint{
		NewTasks: []TaskDefinition{{LocalID: "A"}},
		NewEdges: []EdgeDefinition{{Source: "A", Target: "A"}},
	}
	if !bp.HasCycle() {
		t.Fatal("expected HasCycle to detect a self-loop")
	}
}

func TestPlanBlueprintHasCycleDetectsLongerCycle(t *testing.T) {
	bp := PlanBlueprint{
		NewTasks: []TaskDefinition{{LocalID: "A"}, {LocalID: "B"}, {LocalID: "C"}},
		NewEdges: []EdgeDefinition{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "C"},
			{Source: "C", Target: "A"},
		},
	}
	if !bp.HasCycle() {
		t.Fatal("expected HasCycle to detect A->B->C->A")
	}
}

func TestPlanBlueprintHasCycleAcceptsDAG(t *testing.T) {
	bp := PlanBlueprint{
		NewTasks: []TaskDefinition{{LocalID: "A"}, {LocalID: "B"}, {LocalID: "C"}},
		NewEdges: []EdgeDefinition{
			{Source: "A", Target: "B"},
			{Source: "A", Target: "C"},
			{Source: "B", Target: "C"},
		},
	}
	if bp.HasCycle() {
		t.Fatal("did not expect a diamond DAG to be reported as cyclic")
	}
}

func TestPlanBlueprintHasCycleIgnoresEdgesToExistingTasks(t *testing.T) {
	// An edge from a new task back to an already-persisted task id isn't a
	// cycle within this blueprint: "existing-uuid" is not one of NewTasks's
	// local ids, so it falls outside the subgraph HasCycle inspects.
	bp := PlanBlueprint{
		NewTasks: []TaskDefinition{{LocalID: "A"}},
		NewEdges: []EdgeDefinition{
			{Source: "existing-uuid", Target: "A"},
			{Source: "A", Target: "existing-uuid"},
		},
	}
	if bp.HasCycle() {
		t.Fatal("did not expect edges touching an existing task id to count as a cycle")
	}
}
