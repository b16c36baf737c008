package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// JSONB represents a json column holding an object.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil || data == nil {
		*j = nil
		return err
	}
	return json.Unmarshal(data, j)
}

// ReportJSON stores a full report in a json column.
type ReportJSON struct {
	models.Report
}

// Value implements the driver.Valuer interface
func (r ReportJSON) Value() (driver.Value, error) {
	b, err := json.Marshal(r.Report)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (r *ReportJSON) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	if data == nil {
		r.Report = models.Report{}
		return nil
	}
	return json.Unmarshal(data, &r.Report)
}

// sqlite and mysql may hand text columns back as string rather than []byte.
func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into json column", value)
	}
}

// RunRecord is one row of research_runs.
type RunRecord struct {
	RunID           string     `db:"run_id"`
	Query           string     `db:"query"`
	Depth           string     `db:"depth"`
	State           string     `db:"state"`
	Confidence      string     `db:"confidence"`
	ConfidenceScore float64    `db:"confidence_score"`
	Findings        int        `db:"findings"`
	Tokens          int        `db:"tokens"`
	CostUSD         float64    `db:"cost_usd"`
	LLMCalls        int        `db:"llm_calls"`
	ToolCalls       int        `db:"tool_calls"`
	CacheHits       int        `db:"cache_hits"`
	ErrorKind       *string    `db:"error_kind"`
	ErrorMessage    *string    `db:"error_message"`
	Metrics         JSONB      `db:"metrics"`
	Report          ReportJSON `db:"report"`
	GeneratedAt     time.Time  `db:"generated_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// RunSummary is the listing view of a run, without the report body.
type RunSummary struct {
	RunID           string    `db:"run_id" json:"run_id"`
	Query           string    `db:"query" json:"query"`
	Depth           string    `db:"depth" json:"depth"`
	State           string    `db:"state" json:"state"`
	Confidence      string    `db:"confidence" json:"confidence"`
	ConfidenceScore float64   `db:"confidence_score" json:"confidence_score"`
	GeneratedAt     time.Time `db:"generated_at" json:"generated_at"`
}

// EventLog represents a persisted streaming event row.
type EventLog struct {
	RunID     string    `db:"run_id"`
	Seq       int64     `db:"seq"`
	Agent     string    `db:"agent"`
	Status    string    `db:"status"`
	Message   string    `db:"message"`
	Timestamp time.Time `db:"ts"`
}
