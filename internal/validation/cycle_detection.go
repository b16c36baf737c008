// Package validation checks planner output before the orchestrator dispatches it.
package validation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// CycleDetectionResult contains the result of cycle detection
type CycleDetectionResult struct {
	HasCycle     bool
	CyclePath    []int // subtask ids involved in the cycle (if found)
	SortedOrder  []int // dispatch order (if no cycle)
	ErrorMessage string
}

// DetectCyclicDependencies checks for circular dependencies between subtasks using
// Kahn's algorithm. Ties are broken by plan order, so the result is deterministic.
// Self-dependencies and references to unknown subtasks are ignored.
func DetectCyclicDependencies(subtasks []models.Subtask) CycleDetectionResult {
	if len(subtasks) == 0 {
		return CycleDetectionResult{SortedOrder: []int{}}
	}

	inDegree := make(map[int]int, len(subtasks))
	graph := make(map[int][]int, len(subtasks)) // dependency -> dependents
	for _, st := range subtasks {
		inDegree[st.ID] = 0
	}
	for _, st := range subtasks {
		for _, dep := range st.Dependencies {
			if dep == st.ID {
				continue
			}
			if _, ok := inDegree[dep]; !ok {
				continue
			}
			graph[dep] = append(graph[dep], st.ID)
			inDegree[st.ID]++
		}
	}

	queue := make([]int, 0, len(subtasks))
	for _, st := range subtasks {
		if inDegree[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}

	sorted := make([]int, 0, len(subtasks))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)
		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(inDegree) {
		return CycleDetectionResult{SortedOrder: sorted}
	}

	var cycleNodes []int
	for _, st := range subtasks {
		if inDegree[st.ID] > 0 {
			cycleNodes = append(cycleNodes, st.ID)
		}
	}
	path := findCyclePath(graph, cycleNodes)
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = strconv.Itoa(id)
	}
	return CycleDetectionResult{
		HasCycle:     true,
		CyclePath:    path,
		ErrorMessage: fmt.Sprintf("circular dependency detected involving subtasks: %s", strings.Join(parts, " -> ")),
	}
}

// findCyclePath walks the remaining nodes depth first to name one concrete cycle.
func findCyclePath(graph map[int][]int, cycleNodes []int) []int {
	if len(cycleNodes) == 0 {
		return []int{}
	}
	inCycle := make(map[int]bool, len(cycleNodes))
	for _, n := range cycleNodes {
		inCycle[n] = true
	}

	var visited map[int]bool
	var dfs func(node int, path []int) []int
	dfs = func(node int, path []int) []int {
		if visited[node] {
			for i, n := range path {
				if n == node {
					return append(append([]int{}, path[i:]...), node)
				}
			}
			return nil
		}
		if !inCycle[node] {
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for _, next := range graph[node] {
			if res := dfs(next, path); res != nil {
				return res
			}
		}
		return nil
	}

	for _, start := range cycleNodes {
		visited = make(map[int]bool)
		if res := dfs(start, nil); len(res) > 1 {
			return res
		}
	}
	return cycleNodes
}
