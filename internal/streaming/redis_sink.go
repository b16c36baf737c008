package streaming

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink mirrors run updates into one Redis stream per run so other processes can replay them.
type RedisSink struct {
	cli    *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSink creates a sink. maxLen bounds each stream (approximately); ttl expires finished streams.
func NewRedisSink(cli *redis.Client, maxLen int64, ttl time.Duration, logger *zap.Logger) *RedisSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxLen <= 0 {
		maxLen = DefaultCapacity
	}
	return &RedisSink{cli: cli, prefix: "research:events:", maxLen: maxLen, ttl: ttl, logger: logger}
}

func (s *RedisSink) key(runID string) string { return s.prefix + runID }

// Write appends e to the run's stream.
func (s *RedisSink) Write(ctx context.Context, e Event) error {
	key := s.key(e.RunID)
	pipe := s.cli.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"seq":     e.Seq,
			"agent":   e.Agent,
			"status":  string(e.Status),
			"message": e.Message,
			"ts":      e.Timestamp.UnixNano(),
		},
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	return nil
}

// ReadSince returns the mirrored events of runID with Seq > since, oldest first.
func (s *RedisSink) ReadSince(ctx context.Context, runID string, since uint64) ([]Event, error) {
	msgs, err := s.cli.XRange(ctx, s.key(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.key(runID), err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		e, err := decodeEvent(runID, msg.Values)
		if err != nil {
			s.logger.Debug("Skipping malformed stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func decodeEvent(runID string, values map[string]any) (Event, error) {
	str := func(k string) string {
		v, _ := values[k].(string)
		return v
	}
	seq, err := strconv.ParseUint(str("seq"), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("seq: %w", err)
	}
	ts, err := strconv.ParseInt(str("ts"), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("ts: %w", err)
	}
	return Event{
		RunID:     runID,
		Agent:     str("agent"),
		Status:    Status(str("status")),
		Message:   str("message"),
		Seq:       seq,
		Timestamp: time.Unix(0, ts).UTC(),
	}, nil
}
