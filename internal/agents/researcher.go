package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

const (
	// DefaultMaxToolCalls bounds the tool loop of one subtask.
	DefaultMaxToolCalls = 3
	// QuickMaxToolCalls bounds the tool loop of a subtask in a quick run.
	QuickMaxToolCalls = 1

	maxClarifications  = 2
	maxToolOutputRunes = 12000
)

// findingNamespace derives stable finding ids from their provenance.
var findingNamespace = uuid.MustParse("6f1c1f2e-4b8a-5d33-9a1e-2c7b4e0d9f10")

// ToolRunner executes tool calls, normally *tools.Executor.
type ToolRunner interface {
	Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error)
}

// ClarifyFunc answers a clarification question raised while researching subtask.
type ClarifyFunc func(ctx context.Context, subtask models.Subtask, question string) (string, error)

// ProgressFunc receives researcher progress updates.
type ProgressFunc func(status, message string)

// ResearchInput is the work of one subtask.
type ResearchInput struct {
	Query        models.Query
	Subtask      models.Subtask
	Tools        []tools.Descriptor // tools admitted by the query allow-list
	MaxToolCalls int
	Clarify      ClarifyFunc  // optional
	Progress     ProgressFunc // optional
}

// ResearchOutput is what one subtask produced.
type ResearchOutput struct {
	SubtaskID          int
	Findings           []models.Finding
	ToolCalls          int
	Failures           []string
	Clarifications     []string
	NeedsClarification bool
}

// Resolved reports whether the subtask produced at least one finding.
func (o ResearchOutput) Resolved() bool { return len(o.Findings) > 0 }

type selection struct {
	Action    string         `json:"action"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Question  string         `json:"question"`
	Reasoning string         `json:"reasoning"`
}

type historyEntry struct {
	Tool    string
	Args    string
	Outcome string
}

type selectData struct {
	Query          string
	SubtaskID      int
	Subtask        string
	Hints          []string
	Clarifications []string
	Tools          []tools.Descriptor
	History        []historyEntry
	Remaining      int
}

type extractData struct {
	Query   string
	Subtask string
	Tool    string
	Output  string
}

type extractOutput struct {
	Findings []struct {
		Title     string   `json:"title"`
		Content   string   `json:"content"`
		Source    string   `json:"source"`
		URL       string   `json:"url"`
		Relevance string   `json:"relevance"`
		KeyPoints []string `json:"key_points"`
	} `json:"findings"`
}

// Research runs the tool loop of one subtask.
//
// Each iteration asks the model for the next tool call, executes it through runner and
// folds its result into findings before the next call is chosen, so results are folded
// strictly in request order. The loop ends when the model is done, when MaxToolCalls
// calls were made or when the subtask needs a clarification nobody can give.
// Tool failures are recorded in the output; only provider, configuration and
// cancellation errors are returned.
func (a *Agents) Research(ctx context.Context, in ResearchInput, runner ToolRunner) (ResearchOutput, error) {
	out := ResearchOutput{SubtaskID: in.Subtask.ID}
	maxCalls := in.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = DefaultMaxToolCalls
	}
	allowed := make(map[string]bool, len(in.Tools))
	for _, d := range in.Tools {
		allowed[d.Name] = true
	}
	progress := in.Progress
	if progress == nil {
		progress = func(string, string) {}
	}

	var history []historyEntry
	seen := make(map[string]bool)
	for out.ToolCalls < maxCalls {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var sel selection
		_, err := a.invoke(ctx, RoleResearcher, tmplResearcherSelect, schemaSelect, selectData{
			Query:          in.Query.Text,
			SubtaskID:      in.Subtask.ID,
			Subtask:        in.Subtask.Description,
			Hints:          in.Subtask.ToolHints,
			Clarifications: out.Clarifications,
			Tools:          in.Tools,
			History:        history,
			Remaining:      maxCalls - out.ToolCalls,
		}, &sel)
		if err != nil && !errors.Is(err, errUnparsable) {
			return out, err
		}
		if err != nil || (sel.Action == "tool" && sel.Tool == "") {
			sel = fallbackSelection(in, allowed, len(history))
		}

		switch strings.ToLower(sel.Action) {
		case "done":
			return out, nil

		case "clarify":
			if in.Clarify == nil || len(out.Clarifications) >= maxClarifications {
				out.NeedsClarification = true
				progress("progress", fmt.Sprintf("subtask %d needs clarification: %s", in.Subtask.ID, sel.Question))
				return out, nil
			}
			answer, err := in.Clarify(ctx, in.Subtask, sel.Question)
			if err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				a.logger.Warn("Clarification failed", zap.Int("subtask", in.Subtask.ID), zap.Error(err))
				out.NeedsClarification = true
				return out, nil
			}
			out.Clarifications = append(out.Clarifications, fmt.Sprintf("%s %s", sel.Question, answer))
			continue
		}

		out.ToolCalls++
		call := tools.NewCall(sel.Tool, sel.Args)
		argsText := compactJSON(call.Args)
		if !allowed[call.Name] {
			out.Failures = append(out.Failures, fmt.Sprintf("tool %q is not available", call.Name))
			history = append(history, historyEntry{Tool: call.Name, Args: argsText, Outcome: "not available"})
			continue
		}
		if seen[call.Fingerprint] {
			history = append(history, historyEntry{Tool: call.Name, Args: argsText, Outcome: "duplicate call skipped"})
			continue
		}
		seen[call.Fingerprint] = true

		progress("progress", fmt.Sprintf("calling %s %s", call.Name, argsText))
		res, err := runner.Execute(ctx, call)
		if err != nil {
			return out, err
		}
		if !res.OK {
			out.Failures = append(out.Failures, fmt.Sprintf("%s: %s", call.Name, res.Message))
			history = append(history, historyEntry{Tool: call.Name, Args: argsText, Outcome: "failed: " + string(res.Kind)})
			progress("progress", fmt.Sprintf("%s failed: %s", call.Name, res.Kind))
			continue
		}

		findings, err := a.extract(ctx, in, call, res, len(out.Findings))
		if err != nil {
			return out, err
		}
		out.Findings = append(out.Findings, findings...)
		history = append(history, historyEntry{
			Tool:    call.Name,
			Args:    argsText,
			Outcome: fmt.Sprintf("ok, %d finding(s)", len(findings)),
		})
		progress("progress", fmt.Sprintf("%s returned %d finding(s)", call.Name, len(findings)))
	}
	return out, nil
}

// fallbackSelection is used when the model's choice cannot be parsed: search for the
// subtask itself once, then stop.
func fallbackSelection(in ResearchInput, allowed map[string]bool, calls int) selection {
	if calls == 0 && allowed[tools.WebSearchName] {
		return selection{Action: "tool", Tool: tools.WebSearchName, Args: map[string]any{"query": in.Subtask.Description}}
	}
	return selection{Action: "done"}
}

// extract folds one successful tool result into findings with provenance.
func (a *Agents) extract(ctx context.Context, in ResearchInput, call models.ToolCall, res models.ToolResult, ordinal int) ([]models.Finding, error) {
	raw, err := json.MarshalIndent(res.Data, "", "  ")
	if err != nil {
		return nil, nil
	}
	var out extractOutput
	_, err = a.invoke(ctx, RoleResearcher, tmplResearcherExtract, schemaExtract, extractData{
		Query:   in.Query.Text,
		Subtask: in.Subtask.Description,
		Tool:    call.Name,
		Output:  util.Truncate(string(raw), maxToolOutputRunes, false),
	}, &out)
	if err != nil {
		if errors.Is(err, errUnparsable) {
			return nil, nil
		}
		return nil, err
	}

	findings := make([]models.Finding, 0, len(out.Findings))
	for _, f := range out.Findings {
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		url := strings.TrimSpace(f.URL)
		if norm, err := metadata.NormalizeURL(url); err == nil && url != "" {
			url = norm
		}
		domain, _ := metadata.ExtractDomain(url)
		source := util.FirstNonEmpty(f.Source, domain, call.Name)

		credibility := a.scorer.Score(domain)
		if domain == "" {
			credibility = a.scorer.Score(source)
		}
		id := uuid.NewSHA1(findingNamespace, []byte(fmt.Sprintf("%d|%s|%d", in.Subtask.ID, call.Fingerprint, ordinal+len(findings))))
		findings = append(findings, models.Finding{
			ID:          id.String(),
			Title:       util.FirstNonEmpty(f.Title, "Untitled"),
			Source:      source,
			URL:         url,
			Content:     content,
			KeyPoints:   util.UniqueStrings(f.KeyPoints),
			Relevance:   normalizeRelevance(f.Relevance),
			Credibility: credibility,
			Provenance: models.Provenance{
				SubtaskID:   in.Subtask.ID,
				Tool:        call.Name,
				Fingerprint: call.Fingerprint,
			},
		})
	}
	return findings, nil
}

func normalizeRelevance(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "high":
		return models.RelevanceHigh
	case "low":
		return models.RelevanceLow
	default:
		return models.RelevanceMedium
	}
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
