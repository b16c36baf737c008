package db

import (
	"context"
	"fmt"
)

func (c *Client) dialect() string { return c.db.DriverName() }

func (c *Client) schema() []string {
	jsonType, tsType := "JSONB", "TIMESTAMPTZ"
	idType := "TEXT"
	switch c.dialect() {
	case DriverSQLite:
		jsonType, tsType = "TEXT", "TIMESTAMP"
	case DriverMySQL:
		jsonType, tsType = "JSON", "DATETIME(6)"
		idType = "VARCHAR(64)"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS research_runs (
			run_id %[3]s PRIMARY KEY,
			query TEXT NOT NULL,
			depth VARCHAR(32) NOT NULL,
			state VARCHAR(32) NOT NULL,
			confidence VARCHAR(16) NOT NULL,
			confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			findings INTEGER NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			llm_calls INTEGER NOT NULL DEFAULT 0,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			cache_hits INTEGER NOT NULL DEFAULT 0,
			error_kind VARCHAR(64),
			error_message TEXT,
			metrics %[1]s,
			report %[1]s NOT NULL,
			generated_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL
		)`, jsonType, tsType, idType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS research_events (
			run_id %[2]s NOT NULL,
			seq BIGINT NOT NULL,
			agent VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			message TEXT,
			ts %[1]s NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`, tsType, idType),
	}
}

// Migrate creates the tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range c.schema() {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
