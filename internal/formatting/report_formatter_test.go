package formatting

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

func sampleReport() models.Report {
	return models.Report{
		RunID:            "run-1",
		Query:            "Where are ECB rates heading?",
		Depth:            models.DepthComprehensive,
		State:            models.StateDone,
		Title:            "ECB Rate Outlook",
		Summary:          "Markets expect cuts [1].",
		KeyInsights:      []string{"Cuts expected", "Inflation easing"},
		DetailedAnalysis: "Analysts agree [2].\n\n## Sources\n[1] stale list written by the model",
		KeyFindings: []models.Finding{
			{ID: "a", Title: "ECB to cut", Source: "reuters.com", URL: "https://reuters.com/ecb"},
			{ID: "b", Title: "ECB on hold", Source: "ft.com", URL: "https://ft.com/ecb"},
			{ID: "c", Title: "ECB again", Source: "reuters.com", URL: "https://reuters.com/ecb"},
			{ID: "d", Title: "Blog", Source: "blog.example", URL: "https://blog.example/x"},
		},
		Contradictions: []models.Contradiction{
			{FindingIDs: []string{"a", "b"}, Sources: []string{"reuters.com", "ft.com"}, Note: "timing of the first cut"},
		},
		Limitations:     []string{"Average source credibility is 0.55, below 0.60."},
		Sources:         []string{"https://reuters.com/ecb", "https://ft.com/ecb", "https://blog.example/x"},
		Confidence:      models.ConfidenceMedium,
		ConfidenceScore: 0.52,
		Usage:           models.UsageTotals{Tokens: 1200, CostUSD: 0.0123, LLMCalls: 9, ToolCalls: 2},
		GeneratedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMarkdownSections(t *testing.T) {
	md := Markdown(sampleReport())

	for _, want := range []string{
		"# ECB Rate Outlook",
		"**Confidence Level:** Medium (0.52)",
		"## Executive Summary\n\nMarkets expect cuts [1].",
		"## Key Insights\n\n1. Cuts expected\n2. Inflation easing",
		"## Detailed Analysis\n\nAnalysts agree [2].",
		"## Contradictions & Disagreements\n\n- timing of the first cut (unresolved; sources: reuters.com, ft.com)",
		"## Limitations",
		"## Sources Consulted (3)",
		"[1] ECB to cut (https://reuters.com/ecb) - reuters.com - Used inline",
		"[2] ECB on hold (https://ft.com/ecb) - ft.com - Used inline",
		"[4] Blog (https://blog.example/x) - blog.example - Additional source",
		"*Generated: 2025-03-01T12:00:00Z*",
		"*Total Sources: 3*",
		"*Report Confidence: Medium*",
	} {
		assert.Contains(t, md, want)
	}
	assert.NotContains(t, md, "stale list", "model-written sources are replaced")
	assert.NotContains(t, md, "[3]", "duplicate sources are listed once")
}

func TestMarkdownEmptyReportIsWellFormed(t *testing.T) {
	rep := models.Report{
		Query:       "EUR/USD outlook",
		State:       models.StateDone,
		Summary:     "No findings were gathered.",
		Confidence:  models.ConfidenceLow,
		KeyFindings: []models.Finding{},
		Sources:     []string{},
	}
	md := Markdown(rep)
	assert.True(t, strings.HasPrefix(md, "# Research Report: EUR/USD outlook"))
	assert.Contains(t, md, "**Confidence Level:** Low (0.00)")
	assert.Contains(t, md, "_No key insights._")
	assert.Contains(t, md, "_No detailed analysis available._")
	assert.Contains(t, md, "## Sources Consulted (0)\n\n_No sources were consulted._")
	assert.Contains(t, md, "*Total Sources: 0*")
	assert.NotContains(t, md, "## Contradictions")
}

func TestMarkdownFailedRun(t *testing.T) {
	rep := sampleReport()
	rep.State = models.StateFailed
	assert.Contains(t, Markdown(rep), "**Status:** incomplete")
}

func TestRender(t *testing.T) {
	rep := sampleReport()
	b, err := Render(rep, FormatJSON)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "ECB Rate Outlook", decoded["title"])
	assert.Contains(t, decoded, "keyInsights")
	assert.Contains(t, decoded, "generatedAt")

	md, err := Render(rep, FormatMarkdown)
	require.NoError(t, err)
	assert.Contains(t, string(md), "## Executive Summary")

	_, err = Render(rep, "pdf")
	assert.True(t, models.IsKind(err, models.KindConfiguration))
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	mdPath, jsonPath, err := Export(dir, "ecb", sampleReport())
	require.NoError(t, err)

	md, err := os.ReadFile(mdPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "# ECB Rate Outlook")

	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var rep models.Report
	require.NoError(t, json.Unmarshal(raw, &rep))
	assert.Equal(t, "run-1", rep.RunID)
}
