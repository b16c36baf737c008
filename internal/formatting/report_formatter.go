package formatting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

// Format names an export shape.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

var citationRe = regexp.MustCompile(`\[(\d{1,3})\]`)

// Render returns rep in the requested format.
func Render(rep models.Report, f Format) ([]byte, error) {
	switch f {
	case FormatMarkdown, "md":
		return []byte(Markdown(rep)), nil
	case FormatJSON, "":
		return JSON(rep)
	}
	return nil, models.NewErrorf(models.KindConfiguration, "formatting.render", "unknown format %q", f)
}

// JSON returns the indented JSON form of rep.
func JSON(rep models.Report) ([]byte, error) {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return b, nil
}

// Markdown renders rep as a readable report. Every section is present even for an
// empty report, so a run without findings still yields a well-formed document.
func Markdown(rep models.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", util.FirstNonEmpty(rep.Title, "Research Report: "+rep.Query))
	fmt.Fprintf(&b, "**Confidence Level:** %s (%.2f)\n", rep.Confidence, rep.ConfidenceScore)
	if rep.State == models.StateFailed {
		b.WriteString("**Status:** incomplete, the run failed\n")
	}

	b.WriteString("\n## Executive Summary\n\n")
	b.WriteString(strings.TrimSpace(rep.Summary))
	b.WriteString("\n")

	b.WriteString("\n## Key Insights\n\n")
	if len(rep.KeyInsights) == 0 {
		b.WriteString("_No key insights._\n")
	}
	for i, insight := range rep.KeyInsights {
		fmt.Fprintf(&b, "%d. %s\n", i+1, insight)
	}

	b.WriteString("\n## Detailed Analysis\n\n")
	b.WriteString(util.FirstNonEmpty(strings.TrimSpace(stripSources(rep.DetailedAnalysis)), "_No detailed analysis available._"))
	b.WriteString("\n")

	if len(rep.Contradictions) > 0 {
		b.WriteString("\n## Contradictions & Disagreements\n\n")
		for _, c := range rep.Contradictions {
			status := "unresolved"
			if c.Resolved {
				status = "resolved"
			}
			fmt.Fprintf(&b, "- %s (%s; sources: %s)\n", c.Note, status, strings.Join(c.Sources, ", "))
		}
	}

	if len(rep.Limitations) > 0 {
		b.WriteString("\n## Limitations\n\n")
		for _, l := range rep.Limitations {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}

	cites := citations(rep.KeyFindings)
	fmt.Fprintf(&b, "\n## Sources Consulted (%d)\n\n", len(cites))
	if len(cites) == 0 {
		b.WriteString("_No sources were consulted._\n")
	} else {
		b.WriteString(markUsage(rep.Summary+"\n"+rep.DetailedAnalysis, cites))
		b.WriteString("\n")
	}

	b.WriteString("\n---\n\n")
	fmt.Fprintf(&b, "*Generated: %s*\n", rep.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "*Total Sources: %d*\n", len(rep.Sources))
	fmt.Fprintf(&b, "*Report Confidence: %s*\n", rep.Confidence)
	fmt.Fprintf(&b, "*Depth: %s*\n", rep.Depth)
	if rep.RunID != "" {
		fmt.Fprintf(&b, "*Run: %s*\n", rep.RunID)
	}
	u := rep.Usage
	fmt.Fprintf(&b, "*Usage: %d tokens, $%.4f, %d LLM call(s), %d tool call(s), %d cache hit(s), %s*\n",
		u.Tokens, u.CostUSD, u.LLMCalls, u.ToolCalls, u.CacheHits, u.Latency.Round(time.Millisecond))
	return b.String()
}

// citations numbers findings the way the synthesizer saw them and keeps one line per source.
func citations(findings []models.Finding) []string {
	var out []string
	seen := make(map[string]bool)
	for i, f := range findings {
		key := util.FirstNonEmpty(f.URL, f.Source)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		line := fmt.Sprintf("[%d] %s", i+1, util.FirstNonEmpty(f.Title, f.Source))
		if f.URL != "" {
			line += fmt.Sprintf(" (%s)", f.URL)
		}
		if f.Source != "" {
			line += " - " + f.Source
		}
		out = append(out, line)
	}
	return out
}

// stripSources removes a trailing "## Sources" section the model may have written itself;
// the report rebuilds it from the findings.
func stripSources(body string) string {
	lower := strings.ToLower(body)
	if idx := strings.LastIndex(lower, "## sources"); idx != -1 {
		return strings.TrimSpace(body[:idx])
	}
	return body
}

// markUsage labels each citation line with whether the prose cites it inline as [n].
func markUsage(prose string, cites []string) string {
	used := map[int]bool{}
	for _, m := range citationRe.FindAllStringSubmatch(prose, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			used[n] = true
		}
	}

	lines := make([]string, 0, len(cites))
	for _, c := range cites {
		label := "Additional source"
		if m := citationRe.FindStringSubmatch(c); m != nil {
			if n, _ := strconv.Atoi(m[1]); used[n] {
				label = "Used inline"
			}
		}
		lines = append(lines, c+" - "+label)
	}
	sort.SliceStable(lines, func(i, j int) bool { return leadingIndex(lines[i]) < leadingIndex(lines[j]) })
	return strings.Join(lines, "\n")
}

func leadingIndex(s string) int {
	if m := citationRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// Export writes <prefix>_report.md and <prefix>_full.json into dir and returns their paths.
func Export(dir, prefix string, rep models.Report) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create export dir: %w", err)
	}
	mdPath := filepath.Join(dir, prefix+"_report.md")
	if err := os.WriteFile(mdPath, []byte(Markdown(rep)), 0o644); err != nil {
		return "", "", fmt.Errorf("write markdown: %w", err)
	}
	data, err := JSON(rep)
	if err != nil {
		return "", "", err
	}
	jsonPath := filepath.Join(dir, prefix+"_full.json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write json: %w", err)
	}
	return mdPath, jsonPath, nil
}
