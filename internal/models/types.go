package models

import (
	"strings"
	"time"
)

// Depth controls how much work a research run is allowed to do.
type Depth string

const (
	DepthQuick         Depth = "quick"
	DepthComprehensive Depth = "comprehensive"
)

// ParseDepth maps user input to a Depth. Empty input selects comprehensive.
func ParseDepth(s string) (Depth, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(DepthComprehensive):
		return DepthComprehensive, true
	case string(DepthQuick):
		return DepthQuick, true
	default:
		return "", false
	}
}

// Relevance labels used by the researcher when extracting findings
const (
	RelevanceHigh   = "High"
	RelevanceMedium = "Medium"
	RelevanceLow    = "Low"
)

// Confidence labels
const (
	ConfidenceHigh   = "High"
	ConfidenceMedium = "Medium"
	ConfidenceLow    = "Low"
)

// Subtask priorities
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Query is the immutable input of one research run.
type Query struct {
	Text  string   `json:"query"`
	Depth Depth    `json:"depth"`
	Tools []string `json:"tools,omitempty"` // optional allow-list; empty means every registered tool
}

// Validate reports a configuration error for malformed queries.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return NewError(KindConfiguration, "query.validate", ErrEmptyQuery)
	}
	if _, ok := ParseDepth(string(q.Depth)); !ok {
		return NewErrorf(KindConfiguration, "query.validate", "unknown depth %q", q.Depth)
	}
	return nil
}

// Allows reports whether the allow-list admits the tool.
func (q Query) Allows(tool string) bool {
	if len(q.Tools) == 0 {
		return true
	}
	for _, t := range q.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Subtask is one decomposed unit of research work produced by the planner.
type Subtask struct {
	ID           int      `json:"id"`
	Description  string   `json:"description"`
	ToolHints    []string `json:"tool_hints,omitempty"`
	Dependencies []int    `json:"dependencies,omitempty"`
	Priority     string   `json:"priority,omitempty"`
}

// ToolCall is a request to run one named tool. Never mutated after creation.
type ToolCall struct {
	Name        string         `json:"name"`
	Args        map[string]any `json:"args"`
	Fingerprint string         `json:"fingerprint"`
}

// ToolResult is either Ok(data) or Err(kind, message).
type ToolResult struct {
	OK      bool   `json:"ok"`
	Data    any    `json:"data,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
}

// Provenance records which subtask and tool call produced a finding.
type Provenance struct {
	SubtaskID   int    `json:"subtask_id"`
	Tool        string `json:"tool"`
	Fingerprint string `json:"fingerprint"`
}

// Finding is the atomic unit of gathered evidence.
type Finding struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Source      string     `json:"source"`
	URL         string     `json:"url,omitempty"`
	Content     string     `json:"content"`
	KeyPoints   []string   `json:"key_points,omitempty"`
	Relevance   string     `json:"relevance,omitempty"`
	Credibility float64    `json:"credibility"`
	Provenance  Provenance `json:"provenance"`
}

// AnnotationKind distinguishes validator annotations.
type AnnotationKind string

const (
	AnnotationCorroboration AnnotationKind = "corroboration"
	AnnotationContradiction AnnotationKind = "contradiction"
	AnnotationCredibility   AnnotationKind = "credibility"
)

// ValidationAnnotation is produced exclusively by the validator.
type ValidationAnnotation struct {
	Kind       AnnotationKind `json:"kind"`
	FindingIDs []string       `json:"finding_ids"`
	Note       string         `json:"note,omitempty"`
	Score      float64        `json:"score,omitempty"`
	Resolved   bool           `json:"resolved,omitempty"`
}

// UsageRecord captures one LLM or tool call.
type UsageRecord struct {
	Key       string        `json:"key,omitempty"` // idempotency key; a repeated key is recorded once
	Agent     string        `json:"agent,omitempty"`
	Tool      string        `json:"tool,omitempty"`
	Model     string        `json:"model,omitempty"`
	Tokens    int           `json:"tokens"`
	CostUSD   float64       `json:"cost_usd"`
	Latency   time.Duration `json:"latency"`
	Attempts  int           `json:"attempts"`
	CacheHit  bool          `json:"cache_hit"`
	Succeeded bool          `json:"succeeded"`
}

// UsageTotals are the accumulated usage of a run.
type UsageTotals struct {
	Calls     int           `json:"calls"`
	LLMCalls  int           `json:"llm_calls"`
	ToolCalls int           `json:"tool_calls"`
	CacheHits int           `json:"cache_hits"`
	Attempts  int           `json:"attempts"`
	Tokens    int           `json:"tokens"`
	CostUSD   float64       `json:"cost"`
	Latency   time.Duration `json:"latency"`
}

// Contradiction is a contradiction surfaced in the final report.
type Contradiction struct {
	FindingIDs  []string     `json:"finding_ids"`
	Provenances []Provenance `json:"provenances"`
	Sources     []string     `json:"sources"`
	Note        string       `json:"note"`
	Resolved    bool         `json:"resolved"`
}

// Report is the final artifact of a run. Sealed once returned.
type Report struct {
	RunID              string          `json:"run_id"`
	Query              string          `json:"query"`
	Depth              Depth           `json:"depth"`
	State              RunState        `json:"state"`
	Title              string          `json:"title"`
	Summary            string          `json:"summary"`
	KeyInsights        []string        `json:"keyInsights"`
	DetailedAnalysis   string          `json:"detailedAnalysis"`
	KeyFindings        []Finding       `json:"keyFindings"`
	Contradictions     []Contradiction `json:"contradictions"`
	Limitations        []string        `json:"limitations"`
	Sources            []string        `json:"sources"`
	UnresolvedSubtasks []int           `json:"unresolvedSubtasks"`
	Confidence         string          `json:"confidence"`
	ConfidenceScore    float64         `json:"confidenceScore"`
	Usage              UsageTotals     `json:"usage"`
	GeneratedAt        time.Time       `json:"generatedAt"`
}
