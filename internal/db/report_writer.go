package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// ErrRunNotFound is returned when no report is stored for a run.
var ErrRunNotFound = errors.New("run not found")

var runColumns = []string{
	"run_id", "query", "depth", "state", "confidence", "confidence_score",
	"findings", "tokens", "cost_usd", "llm_calls", "tool_calls", "cache_hits",
	"error_kind", "error_message", "metrics", "report", "generated_at", "updated_at",
}

func buildRunMetrics(rep models.Report) JSONB {
	m := make(JSONB)
	if rep.Usage.Attempts > 0 {
		m["attempts"] = rep.Usage.Attempts
	}
	if rep.Usage.Latency > 0 {
		m["latency_ms"] = rep.Usage.Latency.Milliseconds()
	}
	if len(rep.Sources) > 0 {
		m["sources"] = len(rep.Sources)
	}
	if len(rep.Contradictions) > 0 {
		m["contradictions"] = len(rep.Contradictions)
	}
	if len(rep.UnresolvedSubtasks) > 0 {
		m["unresolved_subtasks"] = rep.UnresolvedSubtasks
	}
	return m
}

func (c *Client) upsertRunSQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(runColumns)), ", ")
	insert := fmt.Sprintf("INSERT INTO research_runs (%s) VALUES (%s)", strings.Join(runColumns, ", "), placeholders)

	sets := make([]string, 0, len(runColumns)-1)
	for _, col := range runColumns[1:] {
		if c.dialect() == DriverMySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", col, col))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	if c.dialect() == DriverMySQL {
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return insert + " ON CONFLICT (run_id) DO UPDATE SET " + strings.Join(sets, ", ")
}

// SaveReport stores rep, replacing any earlier row for the same run.
func (c *Client) SaveReport(ctx context.Context, rep models.Report, runErr error) error {
	if rep.RunID == "" {
		return models.NewErrorf(models.KindConfiguration, "db.save_report", "report has no run id")
	}
	var errKind, errMsg *string
	if runErr != nil {
		k, m := string(models.KindOf(runErr)), runErr.Error()
		errKind, errMsg = &k, &m
	}
	generated := rep.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}

	err := c.exec(ctx, c.upsertRunSQL(),
		rep.RunID, rep.Query, string(rep.Depth), string(rep.State), rep.Confidence, rep.ConfidenceScore,
		len(rep.KeyFindings), rep.Usage.Tokens, rep.Usage.CostUSD, rep.Usage.LLMCalls, rep.Usage.ToolCalls, rep.Usage.CacheHits,
		errKind, errMsg, buildRunMetrics(rep), ReportJSON{rep}, generated.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetRun loads the stored row for runID.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	query := c.db.Rebind("SELECT " + strings.Join(runColumns, ", ") + " FROM research_runs WHERE run_id = ?")
	err := c.breaker.Execute(ctx, func() error {
		err := c.db.GetContext(ctx, &rec, query, runID)
		if errors.Is(err, sql.ErrNoRows) {
			// a missing row is not a backend failure
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if rec.RunID == "" {
		return nil, ErrRunNotFound
	}
	return &rec, nil
}

// GetReport loads the stored report for runID.
func (c *Client) GetReport(ctx context.Context, runID string) (models.Report, error) {
	rec, err := c.GetRun(ctx, runID)
	if err != nil {
		return models.Report{}, err
	}
	return rec.Report.Report, nil
}

// ListRuns returns the most recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := []RunSummary{}
	query := c.db.Rebind(`SELECT run_id, query, depth, state, confidence, confidence_score, generated_at
		FROM research_runs ORDER BY generated_at DESC LIMIT ?`)
	err := c.breaker.Execute(ctx, func() error {
		return c.db.SelectContext(ctx, &out, query, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return out, nil
}
