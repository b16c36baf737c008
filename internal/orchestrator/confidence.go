package orchestrator

import (
	"math"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Confidence thresholds
const (
	highConfidence   = 0.7
	mediumConfidence = 0.4
	// failedScoreCap keeps a failed run in the Low band.
	failedScoreCap = 0.39
	// maxContradictionPenalty is the number of unresolved contradictions that still lower the score.
	maxContradictionPenalty = 3
)

// ConfidenceInput is everything the confidence score depends on.
type ConfidenceInput struct {
	Subtasks    []models.Subtask
	Findings    []models.Finding // credibility already validated
	Annotations []models.ValidationAnnotation
	Validated   bool // validation succeeded
	Failed      bool
}

// ScoreConfidence computes the numeric confidence and its label.
//
// score = 0.5*mean credibility + 0.4*corroborated subtask ratio + 0.1 - 0.1*min(unresolved contradictions, 3),
// clamped to [0,1]. A run without findings scores 0; a failed run is always Low.
func ScoreConfidence(in ConfidenceInput) (float64, string) {
	if len(in.Findings) == 0 {
		return 0, models.ConfidenceLow
	}

	sum := 0.0
	for _, f := range in.Findings {
		sum += f.Credibility
	}
	meanCred := sum / float64(len(in.Findings))

	confirmed := make(map[string]bool)
	disputed := make(map[string]bool)
	unresolved := 0
	for _, a := range in.Annotations {
		switch a.Kind {
		case models.AnnotationCorroboration:
			for _, id := range a.FindingIDs {
				confirmed[id] = true
			}
		case models.AnnotationContradiction:
			if a.Resolved {
				continue
			}
			unresolved++
			for _, id := range a.FindingIDs {
				disputed[id] = true
			}
		}
	}

	covered := make(map[int]bool)
	for _, f := range in.Findings {
		if confirmed[f.ID] || (in.Validated && !disputed[f.ID]) {
			covered[f.Provenance.SubtaskID] = true
		}
	}
	ratio := 0.0
	if len(in.Subtasks) > 0 {
		n := 0
		for _, st := range in.Subtasks {
			if covered[st.ID] {
				n++
			}
		}
		ratio = float64(n) / float64(len(in.Subtasks))
	}

	penalty := 0.1 * float64(min(unresolved, maxContradictionPenalty))
	score := clamp01(0.5*meanCred + 0.4*ratio + 0.1 - penalty)
	if in.Failed {
		score = math.Min(score, failedScoreCap)
	}
	score = math.Round(score*1000) / 1000
	return score, ConfidenceLabel(score)
}

// ConfidenceLabel maps a score onto High, Medium or Low.
func ConfidenceLabel(score float64) string {
	switch {
	case score >= highConfidence:
		return models.ConfidenceHigh
	case score >= mediumConfidence:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
