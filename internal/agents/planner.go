package agents

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/research/internal/validation"
)

// Query complexity as assessed by the planner.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

var maxSubtasksFor = map[string]int{
	ComplexitySimple:   2,
	ComplexityModerate: 4,
	ComplexityComplex:  6,
}

// quickMaxSubtasks caps the plan of a quick run.
const quickMaxSubtasks = 2

// Plan is the planner's decomposition of a query.
type Plan struct {
	Complexity string
	Reasoning  string
	Subtasks   []models.Subtask
}

type planOutput struct {
	Complexity string `json:"complexity"`
	Reasoning  string `json:"reasoning"`
	Subtasks   []struct {
		ID           int      `json:"id"`
		Description  string   `json:"description"`
		Tools        []string `json:"tools"`
		Dependencies []int    `json:"dependencies"`
		Priority     string   `json:"priority"`
	} `json:"subtasks"`
}

type planData struct {
	Query       string
	Depth       models.Depth
	MaxSubtasks int
	Tools       []tools.Descriptor
}

// Plan decomposes q into subtasks using the tools in available.
//
// The plan is bounded by the assessed complexity (2/4/6 subtasks) and by depth (quick: 2).
// An answer that cannot be parsed yields an empty plan, not an error; only provider and
// configuration errors are returned.
func (a *Agents) Plan(ctx context.Context, q models.Query, available []tools.Descriptor) (Plan, error) {
	limit := maxSubtasksFor[ComplexityComplex]
	if q.Depth == models.DepthQuick {
		limit = quickMaxSubtasks
	}

	var out planOutput
	_, err := a.invoke(ctx, RolePlanner, tmplPlanner, schemaPlan, planData{
		Query:       q.Text,
		Depth:       q.Depth,
		MaxSubtasks: limit,
		Tools:       available,
	}, &out)
	if err != nil {
		if errors.Is(err, errUnparsable) {
			return Plan{Complexity: ComplexityModerate}, nil
		}
		return Plan{}, err
	}

	complexity := strings.ToLower(strings.TrimSpace(out.Complexity))
	if _, ok := maxSubtasksFor[complexity]; !ok {
		complexity = ComplexityModerate
	}
	if n := maxSubtasksFor[complexity]; n < limit {
		limit = n
	}

	known := make(map[string]bool, len(available))
	for _, d := range available {
		known[d.Name] = true
	}

	plan := Plan{Complexity: complexity, Reasoning: out.Reasoning}
	used := make(map[int]bool)
	for _, st := range out.Subtasks {
		if len(plan.Subtasks) == limit {
			break
		}
		desc := strings.TrimSpace(st.Description)
		if desc == "" {
			continue
		}
		id := st.ID
		if id <= 0 || used[id] {
			id = nextFreeID(used)
		}
		used[id] = true
		var hints []string
		for _, t := range st.Tools {
			if known[t] {
				hints = append(hints, t)
			}
		}
		plan.Subtasks = append(plan.Subtasks, models.Subtask{
			ID:           id,
			Description:  desc,
			ToolHints:    hints,
			Dependencies: st.Dependencies,
			Priority:     normalizePriority(st.Priority),
		})
	}
	pruneDependencies(plan.Subtasks)

	if res := validation.DetectCyclicDependencies(plan.Subtasks); res.HasCycle {
		a.logger.Warn("Planner produced cyclic dependencies, running subtasks independently",
			zap.String("error", res.ErrorMessage),
		)
		for i := range plan.Subtasks {
			plan.Subtasks[i].Dependencies = nil
		}
	}

	a.logger.Info("Plan created",
		zap.String("complexity", plan.Complexity),
		zap.Int("subtasks", len(plan.Subtasks)),
	)
	return plan, nil
}

// DefaultSubtask is the single subtask used when the planner returns none.
func DefaultSubtask(q models.Query) models.Subtask {
	return models.Subtask{ID: 1, Description: q.Text, Priority: models.PriorityHigh}
}

func nextFreeID(used map[int]bool) int {
	id := 1
	for used[id] {
		id++
	}
	return id
}

// pruneDependencies drops references to subtasks that are not in the plan.
func pruneDependencies(subtasks []models.Subtask) {
	ids := make(map[int]bool, len(subtasks))
	for _, st := range subtasks {
		ids[st.ID] = true
	}
	for i := range subtasks {
		var deps []int
		for _, d := range subtasks[i].Dependencies {
			if d != subtasks[i].ID && ids[d] {
				deps = append(deps, d)
			}
		}
		subtasks[i].Dependencies = deps
	}
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case models.PriorityHigh:
		return models.PriorityHigh
	case models.PriorityLow:
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}
