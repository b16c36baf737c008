package orchestrator

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

// Limitation thresholds
const (
	minFindings       = 3
	minAvgCredibility = 0.6
	minDiversity      = 0.5
)

// contradictions turns unresolved and resolved validator contradictions into report entries
// that carry both sides' provenance and source.
func contradictions(findings []models.Finding, annotations []models.ValidationAnnotation) []models.Contradiction {
	byID := make(map[string]models.Finding, len(findings))
	for _, f := range findings {
		byID[f.ID] = f
	}
	out := []models.Contradiction{}
	for _, a := range annotations {
		if a.Kind != models.AnnotationContradiction {
			continue
		}
		c := models.Contradiction{Note: a.Note, Resolved: a.Resolved}
		var sources []string
		for _, id := range a.FindingIDs {
			f, ok := byID[id]
			if !ok {
				continue
			}
			c.FindingIDs = append(c.FindingIDs, id)
			c.Provenances = append(c.Provenances, f.Provenance)
			sources = append(sources, util.FirstNonEmpty(f.Source, f.URL))
		}
		if len(c.FindingIDs) < 2 {
			continue
		}
		c.Sources = util.UniqueStrings(sources)
		if c.Note == "" {
			c.Note = fmt.Sprintf("%s disagree", strings.Join(c.Sources, " and "))
		}
		out = append(out, c)
	}
	return out
}

// unresolvedNotes lists the notes handed to the synthesizer.
func unresolvedNotes(cs []models.Contradiction) []string {
	var notes []string
	for _, c := range cs {
		if !c.Resolved {
			notes = append(notes, c.Note)
		}
	}
	return notes
}

// sourcesOf returns the consulted sources in finding order, URLs preferred.
func sourcesOf(findings []models.Finding) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, f := range findings {
		s := util.FirstNonEmpty(f.URL, f.Source)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

type limitationInput struct {
	findings   []models.Finding
	unresolved []int
	validated  bool
	failure    error
	stage      models.RunState
}

// limitations explains what weakens the report.
func limitations(in limitationInput) []string {
	out := []string{}
	n := len(in.findings)
	switch {
	case n == 0:
		out = append(out, "No findings were gathered, so the report cannot answer the question.")
	case n < minFindings:
		out = append(out, fmt.Sprintf("Only %d finding(s) were gathered; conclusions rest on limited evidence.", n))
	}

	if n > 0 {
		sum := 0.0
		names := make([]string, 0, n)
		for _, f := range in.findings {
			sum += f.Credibility
			names = append(names, util.FirstNonEmpty(f.Source, f.URL))
		}
		if avg := sum / float64(n); avg < minAvgCredibility {
			out = append(out, fmt.Sprintf("Average source credibility is %.2f, below %.2f.", avg, minAvgCredibility))
		}
		if n > 1 && metadata.SourceDiversity(names) < minDiversity {
			out = append(out, fmt.Sprintf("Low source diversity: %d unique source(s) across %d findings.",
				len(util.UniqueStrings(names)), n))
		}
		if !in.validated {
			out = append(out, "Findings were not independently validated.")
		}
	}

	if len(in.unresolved) > 0 {
		ids := make([]string, len(in.unresolved))
		for i, id := range in.unresolved {
			ids[i] = fmt.Sprint(id)
		}
		out = append(out, fmt.Sprintf("Subtask(s) %s produced no findings.", strings.Join(ids, ", ")))
	}
	if in.failure != nil && in.stage == models.StatePending {
		out = append(out, fmt.Sprintf("The run could not start (%s).", models.KindOf(in.failure)))
	} else if in.failure != nil {
		out = append(out, fmt.Sprintf("The run failed while %s (%s); results are partial.", in.stage, models.KindOf(in.failure)))
	}
	return out
}

// failureSummary is the executive summary of a failed run.
func failureSummary(q models.Query, stage models.RunState, err error, findings int) string {
	if stage == models.StatePending {
		return fmt.Sprintf("Research on %q could not start: %v.", q.Text, err)
	}
	return fmt.Sprintf("Research on %q stopped while %s: %v. %d finding(s) gathered before the failure are listed below.",
		q.Text, stage, err, findings)
}

// Summary renders a short plain-text overview of a result.
func Summary(res Result) string {
	r := res.Report
	var b strings.Builder
	fmt.Fprintf(&b, "Research Query: %s\n", r.Query)
	fmt.Fprintf(&b, "Duration: %.1fs\n", res.Duration.Seconds())
	fmt.Fprintf(&b, "State: %s\n", r.State)
	fmt.Fprintf(&b, "Findings: %d\n", len(r.KeyFindings))
	fmt.Fprintf(&b, "Sources: %d\n", len(r.Sources))
	fmt.Fprintf(&b, "Confidence: %s (%.2f)\n", r.Confidence, r.ConfidenceScore)
	b.WriteString("\nExecutive Summary:\n")
	b.WriteString(util.Truncate(r.Summary, 300, true))
	if len(r.KeyInsights) > 0 {
		b.WriteString("\n\nKey Insights:\n")
		for i, insight := range r.KeyInsights {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "- %s\n", insight)
		}
	}
	return strings.TrimSpace(b.String())
}
