package validation

import (
	"testing"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

func st(id int, deps ...int) models.Subtask {
	return models.Subtask{ID: id, Description: "subtask", Dependencies: deps}
}

func TestDetectCyclicDependencies_NoCycle(t *testing.T) {
	result := DetectCyclicDependencies([]models.Subtask{st(1), st(2, 1), st(3, 2)})
	if result.HasCycle {
		t.Fatalf("Expected no cycle, but found cycle: %v", result.CyclePath)
	}
	want := []int{1, 2, 3}
	for i, id := range want {
		if result.SortedOrder[i] != id {
			t.Fatalf("Invalid topological order: %v", result.SortedOrder)
		}
	}
}

func TestDetectCyclicDependencies_KeepsPlanOrderForIndependentSubtasks(t *testing.T) {
	result := DetectCyclicDependencies([]models.Subtask{st(3), st(1), st(2)})
	if got := result.SortedOrder; len(got) != 3 || got[0] != 3 || got[1] != 1 || got[2] != 2 {
		t.Errorf("Expected plan order [3 1 2], got %v", got)
	}
}

func TestDetectCyclicDependencies_SimpleCycle(t *testing.T) {
	result := DetectCyclicDependencies([]models.Subtask{st(1, 3), st(2, 1), st(3, 2)})
	if !result.HasCycle {
		t.Fatal("Expected cycle, but none detected")
	}
	if len(result.CyclePath) < 2 {
		t.Errorf("Expected a cycle path, got %v", result.CyclePath)
	}
	if result.ErrorMessage == "" {
		t.Error("Expected error message")
	}
}

func TestDetectCyclicDependencies_SelfDependencyIgnored(t *testing.T) {
	result := DetectCyclicDependencies([]models.Subtask{st(1, 1)})
	if result.HasCycle {
		t.Error("Self-dependency should be ignored")
	}
}

func TestDetectCyclicDependencies_Diamond(t *testing.T) {
	result := DetectCyclicDependencies([]models.Subtask{st(1), st(2, 1), st(3, 1), st(4, 2, 3)})
	if result.HasCycle {
		t.Fatal("Diamond is not a cycle")
	}
	if result.SortedOrder[0] != 1 || result.SortedOrder[3] != 4 {
		t.Errorf("Invalid order: %v", result.SortedOrder)
	}
}

func TestDetectCyclicDependencies_TwoCycleAmongIndependent(t *testing.T) {
	result := DetectCyclicDependencies([]models.Subtask{st(1), st(2, 3), st(3, 2)})
	if !result.HasCycle {
		t.Fatal("Expected cycle")
	}
	for _, id := range result.CyclePath {
		if id == 1 {
			t.Errorf("Subtask 1 is not part of the cycle: %v", result.CyclePath)
		}
	}
}

func TestDetectCyclicDependencies_Empty(t *testing.T) {
	result := DetectCyclicDependencies(nil)
	if result.HasCycle || len(result.SortedOrder) != 0 {
		t.Errorf("Unexpected result for empty plan: %+v", result)
	}
}

func TestDetectCyclicDependencies_UnknownDependency(t *testing.T) {
	result := DetectCyclicDependencies([]models.Subtask{st(1, 99)})
	if result.HasCycle || len(result.SortedOrder) != 1 {
		t.Errorf("Unknown dependency should be ignored: %+v", result)
	}
}
