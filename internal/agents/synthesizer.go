package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

// Synthesis is the prose of the final report.
type Synthesis struct {
	Title            string
	Summary          string
	KeyInsights      []string
	DetailedAnalysis string
}

// SynthesisInput is what the synthesizer writes about.
type SynthesisInput struct {
	Query          models.Query
	Findings       []models.Finding // with validated credibility
	Contradictions []string         // notes of unresolved contradictions
}

type synthesisData struct {
	Query          string
	Findings       []models.Finding
	Contradictions []string
}

type synthesisOutput struct {
	Title            string   `json:"title"`
	Summary          string   `json:"summary"`
	KeyInsights      []string `json:"key_insights"`
	DetailedAnalysis string   `json:"detailed_analysis"`
	// Confidence suggested by the model is read but never used.
	Confidence string `json:"confidence"`
}

// Synthesize writes the report body.
//
// With no findings the model is not called: the result explains that no data was gathered.
// An answer that cannot be parsed is used as the summary verbatim.
func (a *Agents) Synthesize(ctx context.Context, in SynthesisInput) (Synthesis, error) {
	title := "Research Report: " + in.Query.Text
	if len(in.Findings) == 0 {
		return Synthesis{Title: title, Summary: NoFindingsSummary(in.Query)}, nil
	}

	var out synthesisOutput
	raw, err := a.invoke(ctx, RoleSynthesizer, tmplSynthesizer, schemaSynthesize, synthesisData{
		Query:          in.Query.Text,
		Findings:       in.Findings,
		Contradictions: in.Contradictions,
	}, &out)
	if err != nil {
		if !errors.Is(err, errUnparsable) {
			return Synthesis{}, err
		}
		return Synthesis{
			Title:   title,
			Summary: util.FirstNonEmpty(raw, fmt.Sprintf("The synthesis of %d finding(s) could not be structured.", len(in.Findings))),
		}, nil
	}
	return Synthesis{
		Title:            util.FirstNonEmpty(out.Title, title),
		Summary:          util.FirstNonEmpty(out.Summary, fmt.Sprintf("%d finding(s) were gathered for this question.", len(in.Findings))),
		KeyInsights:      util.UniqueStrings(out.KeyInsights),
		DetailedAnalysis: strings.TrimSpace(out.DetailedAnalysis),
	}, nil
}

// NoFindingsSummary is the executive summary of a report without any findings.
func NoFindingsSummary(q models.Query) string {
	return fmt.Sprintf("No findings were gathered for %q. The research tools returned no usable "+
		"information, so this report cannot answer the question. Consider rephrasing the query, "+
		"allowing more tools or retrying later.", q.Text)
}
