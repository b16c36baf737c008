package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/research/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

// Executor runs tool calls through the cache and the shared tool gate.
type Executor struct {
	registry *Registry
	gate     *ratecontrol.Gate
	cache    cache.Cache
	logger   *zap.Logger
}

// NewExecutor wires the executor to process-wide shared resources. c may be nil to disable caching.
func NewExecutor(registry *Registry, gate *ratecontrol.Gate, c cache.Cache, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: registry, gate: gate, cache: c, logger: logger}
}

// Registry exposes the tools this executor dispatches to.
func (e *Executor) Registry() *Registry { return e.registry }

// NewCall builds an immutable ToolCall with its fingerprint.
func NewCall(name string, args map[string]any) models.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return models.ToolCall{Name: name, Args: args, Fingerprint: cache.ToolFingerprint(name, args)}
}

// Execute runs call and returns its ToolResult.
//
// Tool timeouts and tool failures are reported in the result with a nil error.
// A non-nil error is returned only for an unregistered tool (configuration error,
// no gate slot consumed) or when ctx ends while waiting for the gate.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		err := models.NewError(models.KindConfiguration, "tools.execute", fmt.Errorf("%w: %s", models.ErrUnknownTool, call.Name))
		metrics.RecordToolMetrics(call.Name, "unknown", 0)
		return models.ToolResult{Kind: models.KindConfiguration, Message: err.Error()}, err
	}
	fp := call.Fingerprint
	if fp == "" {
		fp = cache.ToolFingerprint(call.Name, call.Args)
	}

	ctx, span := tracing.StartSpan(ctx, "tool.execute",
		attribute.String("tool", call.Name),
		attribute.String("fingerprint", fp),
	)
	defer span.End()

	start := time.Now()
	useCache := tool.Cacheable && tool.CacheTTL > 0 && e.cache != nil
	if useCache {
		var data any
		if cache.GetJSON(ctx, e.cache, fp, &data) {
			metrics.CacheHits.WithLabelValues(cache.NamespaceTool).Inc()
			metrics.RecordToolMetrics(call.Name, "cached", 0)
			span.SetAttributes(attribute.Bool("cache_hit", true))
			budget.RecordFrom(ctx, models.UsageRecord{
				Tool: call.Name, Latency: time.Since(start), CacheHit: true, Succeeded: true,
			})
			return models.ToolResult{OK: true, Data: data, Cached: true}, nil
		}
		metrics.CacheMisses.WithLabelValues(cache.NamespaceTool).Inc()
	}

	release, err := e.gate.Acquire(ctx, ratecontrol.CategoryTool)
	if err != nil {
		tracing.Fail(span, err)
		return models.ToolResult{Kind: models.KindOf(err), Message: err.Error()}, err
	}
	defer release()

	data, err := e.run(ctx, tool, call.Args)
	if err == nil {
		data, err = normalize(data)
	}
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			// the run was cancelled; not a tool failure
			return models.ToolResult{Kind: models.KindOf(ctx.Err()), Message: ctx.Err().Error()}, ctx.Err()
		}
		kind := models.KindToolExecution
		if models.IsKind(err, models.KindToolTimeout) {
			kind = models.KindToolTimeout
		}
		tracing.Fail(span, err)
		metrics.RecordToolMetrics(call.Name, string(kind), latency.Seconds())
		budget.RecordFrom(ctx, models.UsageRecord{Tool: call.Name, Latency: latency, Attempts: 1})
		e.logger.Warn("Tool call failed",
			zap.String("tool", call.Name),
			zap.String("fingerprint", fp),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return models.ToolResult{Kind: kind, Message: err.Error()}, nil
	}

	if useCache {
		if err := cache.SetJSON(ctx, e.cache, fp, data, tool.CacheTTL); err != nil {
			e.logger.Debug("Tool result not cacheable", zap.String("tool", call.Name), zap.Error(err))
		}
	}
	metrics.RecordToolMetrics(call.Name, "success", latency.Seconds())
	budget.RecordFrom(ctx, models.UsageRecord{Tool: call.Name, Latency: latency, Attempts: 1, Succeeded: true})
	e.logger.Debug("Tool call succeeded",
		zap.String("tool", call.Name),
		zap.String("fingerprint", fp),
		zap.Duration("latency", latency),
	)
	return models.ToolResult{OK: true, Data: data}, nil
}

// run invokes the tool under its timeout. The timeout is enforced even if the tool ignores ctx.
func (e *Executor) run(ctx context.Context, tool Tool, args map[string]any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, tool.DefaultTimeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		data, err := tool.Execute(callCtx, args)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, models.NewErrorf(models.KindToolTimeout, "tools."+tool.Name, "timed out after %s", tool.DefaultTimeout)
		}
		return out.data, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewErrorf(models.KindToolTimeout, "tools."+tool.Name, "timed out after %s", tool.DefaultTimeout)
	}
}

// normalize round-trips data through JSON so fresh and cached results have the same shape.
func normalize(data any) (any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode tool output: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode tool output: %w", err)
	}
	return out, nil
}
