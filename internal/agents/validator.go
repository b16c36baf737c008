package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Validator weights for the overall credibility of a finding.
const (
	sourceWeight        = 0.6
	contentWeight       = 0.4
	defaultContentScore = 0.5
)

// ErrNoFindings is returned by Validate when there is nothing to validate.
var ErrNoFindings = errors.New("no findings to validate")

// Validation is the validator's verdict on a finding set.
type Validation struct {
	Annotations []models.ValidationAnnotation
	Scores      map[string]float64 // finding id -> overall credibility
}

type validateData struct {
	Query    string
	Findings []models.Finding
}

type validateOutput struct {
	Findings []struct {
		ID           string   `json:"id"`
		SourceScore  *float64 `json:"source_score"`
		ContentScore *float64 `json:"content_score"`
		Corroborated bool     `json:"corroborated"`
		Note         string   `json:"note"`
	} `json:"findings"`
	Contradictions []struct {
		FindingIDs []string `json:"finding_ids"`
		Note       string   `json:"note"`
		Resolved   bool     `json:"resolved"`
	} `json:"contradictions"`
}

// Validate scores every finding and flags corroborations and contradictions.
//
// overall = 0.6*source + 0.4*content. A source score the model omits falls back to the
// finding's domain heuristic, a missing content score to 0.5. Annotations that reference
// unknown findings are dropped. It fails with ErrNoFindings for an empty set and with a
// parse error when the answer cannot be decoded; callers treat both as degraded validation.
func (a *Agents) Validate(ctx context.Context, q models.Query, findings []models.Finding) (Validation, error) {
	if len(findings) == 0 {
		return Validation{}, ErrNoFindings
	}

	var out validateOutput
	if _, err := a.invoke(ctx, RoleValidator, tmplValidator, schemaValidate, validateData{
		Query:    q.Text,
		Findings: findings,
	}, &out); err != nil {
		return Validation{}, err
	}

	byID := make(map[string]int, len(findings))
	for i, f := range findings {
		byID[f.ID] = i
	}
	verdicts := make(map[string]int, len(out.Findings))
	for i, v := range out.Findings {
		if _, ok := byID[v.ID]; ok {
			verdicts[v.ID] = i
		}
	}

	val := Validation{Scores: make(map[string]float64, len(findings))}
	var corroborations []models.ValidationAnnotation
	for _, f := range findings {
		source, content := f.Credibility, defaultContentScore
		note := ""
		if i, ok := verdicts[f.ID]; ok {
			v := out.Findings[i]
			if v.SourceScore != nil {
				source = clamp01(*v.SourceScore)
			}
			if v.ContentScore != nil {
				content = clamp01(*v.ContentScore)
			}
			note = v.Note
			if v.Corroborated {
				corroborations = append(corroborations, models.ValidationAnnotation{
					Kind:       models.AnnotationCorroboration,
					FindingIDs: []string{f.ID},
					Note:       v.Note,
				})
			}
		}
		overall := clamp01(sourceWeight*source + contentWeight*content)
		val.Scores[f.ID] = overall
		val.Annotations = append(val.Annotations, models.ValidationAnnotation{
			Kind:       models.AnnotationCredibility,
			FindingIDs: []string{f.ID},
			Note:       note,
			Score:      overall,
		})
	}
	val.Annotations = append(val.Annotations, corroborations...)

	seenPairs := make(map[string]bool)
	for _, c := range out.Contradictions {
		var ids []string
		for _, id := range c.FindingIDs {
			if _, ok := byID[id]; ok && !containsID(ids, id) {
				ids = append(ids, id)
			}
		}
		if len(ids) < 2 {
			continue
		}
		key := strings.Join(ids, "|")
		if seenPairs[key] {
			continue
		}
		seenPairs[key] = true
		val.Annotations = append(val.Annotations, models.ValidationAnnotation{
			Kind:       models.AnnotationContradiction,
			FindingIDs: ids,
			Note:       strings.TrimSpace(c.Note),
			Resolved:   c.Resolved,
		})
	}

	a.logger.Info("Validation complete",
		zap.Int("findings", len(findings)),
		zap.Int("annotations", len(val.Annotations)),
		zap.String("avg_credibility", fmt.Sprintf("%.2f", average(val.Scores))),
	)
	return val, nil
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func average(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}
