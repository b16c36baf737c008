package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// ErrTokenOverflow indicates a token counter would overflow the int range.
var ErrTokenOverflow = fmt.Errorf("token count would overflow")

// Recorder receives one UsageRecord per completed LLM or tool call.
type Recorder interface {
	Record(rec models.UsageRecord) error
}

// Accumulator collects the usage of one run. Safe for concurrent use.
type Accumulator struct {
	runID  string
	logger *zap.Logger

	mu        sync.Mutex
	records   []models.UsageRecord
	totals    models.UsageTotals
	processed map[string]bool // idempotency keys already recorded
}

// NewAccumulator creates an empty accumulator for runID.
func NewAccumulator(runID string, logger *zap.Logger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accumulator{runID: runID, logger: logger, processed: make(map[string]bool)}
}

// Record adds rec to the run totals. A record whose Key was already seen is ignored,
// so a retried caller cannot double count.
func (a *Accumulator) Record(rec models.UsageRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.Key != "" {
		if a.processed[rec.Key] {
			a.logger.Debug("Usage already recorded, skipping duplicate",
				zap.String("run_id", a.runID),
				zap.String("idempotency_key", rec.Key),
			)
			return nil
		}
	}
	if rec.Tokens > 0 && a.totals.Tokens > math.MaxInt-rec.Tokens {
		a.logger.Warn("Usage record dropped",
			zap.String("run_id", a.runID),
			zap.String("idempotency_key", rec.Key),
			zap.Int("tokens", rec.Tokens),
			zap.Error(ErrTokenOverflow),
		)
		return ErrTokenOverflow
	}
	if rec.Key != "" {
		a.processed[rec.Key] = true
	}

	a.records = append(a.records, rec)
	t := &a.totals
	t.Calls++
	if rec.Tool != "" {
		t.ToolCalls++
	} else {
		t.LLMCalls++
	}
	if rec.CacheHit {
		t.CacheHits++
	}
	t.Attempts += rec.Attempts
	t.Tokens += rec.Tokens
	t.CostUSD += rec.CostUSD
	t.Latency += rec.Latency
	return nil
}

// Totals returns a snapshot of the accumulated totals.
func (a *Accumulator) Totals() models.UsageTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

// Records returns a copy of every recorded call in recording order.
func (a *Accumulator) Records() []models.UsageRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.UsageRecord, len(a.records))
	copy(out, a.records)
	return out
}

type recorderKey struct{}

// WithRecorder attaches the run's recorder to ctx.
func WithRecorder(ctx context.Context, r Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// RecordFrom records rec into the recorder attached to ctx, if any. The recorder
// logs records it drops; callers of RecordFrom have no way to act on them.
func RecordFrom(ctx context.Context, rec models.UsageRecord) {
	r, ok := ctx.Value(recorderKey{}).(Recorder)
	if !ok || r == nil {
		return
	}
	if err := r.Record(rec); err != nil && !errors.Is(err, ErrTokenOverflow) {
		zap.L().Warn("Usage record dropped", zap.String("tool", rec.Tool), zap.Error(err))
	}
}
