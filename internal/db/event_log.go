package db

import (
	"context"
	"fmt"

	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

// EventSink persists stream events so runs can be replayed after a restart.
type EventSink struct {
	c *Client
}

// Events returns a streaming.Sink backed by c.
func (c *Client) Events() *EventSink { return &EventSink{c: c} }

// Write inserts e. Redelivery of the same sequence number is ignored.
func (s *EventSink) Write(ctx context.Context, e streaming.Event) error {
	verb, suffix := "INSERT", " ON CONFLICT (run_id, seq) DO NOTHING"
	if s.c.dialect() == DriverMySQL {
		verb, suffix = "INSERT IGNORE", ""
	}
	query := verb + " INTO research_events (run_id, seq, agent, status, message, ts) VALUES (?, ?, ?, ?, ?, ?)" + suffix
	if err := s.c.exec(ctx, query, e.RunID, int64(e.Seq), e.Agent, string(e.Status), e.Message, e.Timestamp.UTC()); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// ReadSince returns the persisted events of runID with Seq > since, oldest first.
func (s *EventSink) ReadSince(ctx context.Context, runID string, since uint64) ([]streaming.Event, error) {
	var rows []EventLog
	query := s.c.db.Rebind(`SELECT run_id, seq, agent, status, message, ts
		FROM research_events WHERE run_id = ? AND seq > ? ORDER BY seq`)
	err := s.c.breaker.Execute(ctx, func() error {
		return s.c.db.SelectContext(ctx, &rows, query, runID, int64(since))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	out := make([]streaming.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, streaming.Event{
			RunID:     r.RunID,
			Seq:       uint64(r.Seq),
			Agent:     r.Agent,
			Status:    streaming.Status(r.Status),
			Message:   r.Message,
			Timestamp: r.Timestamp,
		})
	}
	return out, nil
}
