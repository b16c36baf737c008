package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

func finding(id string, subtask int, cred float64) models.Finding {
	return models.Finding{ID: id, Credibility: cred, Provenance: models.Provenance{SubtaskID: subtask}}
}

func TestScoreConfidence(t *testing.T) {
	subtasks := []models.Subtask{{ID: 1}, {ID: 2}}
	contradiction := models.ValidationAnnotation{Kind: models.AnnotationContradiction, FindingIDs: []string{"a", "b"}}

	tests := []struct {
		name      string
		in        ConfidenceInput
		wantScore float64
		wantLabel string
	}{
		{
			name:      "no findings",
			in:        ConfidenceInput{Subtasks: subtasks, Validated: true},
			wantScore: 0,
			wantLabel: models.ConfidenceLow,
		},
		{
			name: "validated and uncontested",
			in: ConfidenceInput{
				Subtasks:  subtasks,
				Findings:  []models.Finding{finding("a", 1, 0.8), finding("b", 2, 0.8)},
				Validated: true,
			},
			wantScore: 0.9,
			wantLabel: models.ConfidenceHigh,
		},
		{
			name: "unvalidated findings are not corroborated",
			in: ConfidenceInput{
				Subtasks: subtasks,
				Findings: []models.Finding{finding("a", 1, 0.8), finding("b", 2, 0.8)},
			},
			wantScore: 0.5,
			wantLabel: models.ConfidenceMedium,
		},
		{
			name: "explicit corroboration counts without validation",
			in: ConfidenceInput{
				Subtasks: subtasks,
				Findings: []models.Finding{finding("a", 1, 0.6), finding("b", 2, 0.6)},
				Annotations: []models.ValidationAnnotation{
					{Kind: models.AnnotationCorroboration, FindingIDs: []string{"a"}},
				},
			},
			wantScore: 0.6,
			wantLabel: models.ConfidenceMedium,
		},
		{
			name: "unresolved contradiction disputes both sides",
			in: ConfidenceInput{
				Subtasks:    subtasks,
				Findings:    []models.Finding{finding("a", 1, 0.8), finding("b", 2, 0.8)},
				Annotations: []models.ValidationAnnotation{contradiction},
				Validated:   true,
			},
			wantScore: 0.4,
			wantLabel: models.ConfidenceMedium,
		},
		{
			name: "resolved contradiction costs nothing",
			in: ConfidenceInput{
				Subtasks: subtasks,
				Findings: []models.Finding{finding("a", 1, 0.8), finding("b", 2, 0.8)},
				Annotations: []models.ValidationAnnotation{
					{Kind: models.AnnotationContradiction, FindingIDs: []string{"a", "b"}, Resolved: true},
				},
				Validated: true,
			},
			wantScore: 0.9,
			wantLabel: models.ConfidenceHigh,
		},
		{
			name: "contradiction penalty is capped at three",
			in: ConfidenceInput{
				Subtasks: []models.Subtask{{ID: 1}},
				Findings: []models.Finding{finding("a", 1, 1), finding("b", 1, 1)},
				Annotations: []models.ValidationAnnotation{
					contradiction, contradiction, contradiction, contradiction, contradiction,
				},
				Validated: true,
			},
			wantScore: 0.3,
			wantLabel: models.ConfidenceLow,
		},
		{
			name: "failed run is capped",
			in: ConfidenceInput{
				Subtasks:  subtasks,
				Findings:  []models.Finding{finding("a", 1, 1), finding("b", 2, 1)},
				Validated: true,
				Failed:    true,
			},
			wantScore: 0.39,
			wantLabel: models.ConfidenceLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, label := ScoreConfidence(tt.in)
			assert.InDelta(t, tt.wantScore, score, 1e-9)
			assert.Equal(t, tt.wantLabel, label)
		})
	}
}

func TestConfidenceLabel(t *testing.T) {
	assert.Equal(t, models.ConfidenceHigh, ConfidenceLabel(0.7))
	assert.Equal(t, models.ConfidenceMedium, ConfidenceLabel(0.69))
	assert.Equal(t, models.ConfidenceMedium, ConfidenceLabel(0.4))
	assert.Equal(t, models.ConfidenceLow, ConfidenceLabel(0.399))
	assert.Equal(t, models.ConfidenceLow, ConfidenceLabel(0))
}
