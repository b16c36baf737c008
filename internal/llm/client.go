package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/research/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

// Config bounds provider calls.
type Config struct {
	MaxAttempts    int           // total attempts per invocation, including the first
	InitialBackoff time.Duration // delay before the second attempt
	MaxBackoff     time.Duration
	CallTimeout    time.Duration // per attempt
	CacheTTL       time.Duration // 0 disables response caching
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		CallTimeout:    60 * time.Second,
		CacheTTL:       24 * time.Hour,
	}
}

// Result is a completed invocation.
type Result struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Attempts     int
	CacheHit     bool
	Latency      time.Duration
}

// Tokens returns input plus output tokens.
func (r Result) Tokens() int { return r.InputTokens + r.OutputTokens }

// cachedResponse is the cache payload of a successful call.
type cachedResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// Client issues agent invocations through the shared cache and llm gate.
type Client struct {
	provider Provider
	gate     *ratecontrol.Gate
	cache    cache.Cache
	prices   *pricing.Table
	cfg      Config
	logger   *zap.Logger
}

// NewClient builds a client. c may be nil to disable caching; prices may be nil for the built-in table.
func NewClient(provider Provider, gate *ratecontrol.Gate, c cache.Cache, prices *pricing.Table, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prices == nil {
		prices = pricing.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Client{provider: provider, gate: gate, cache: c, prices: prices, cfg: cfg, logger: logger}
}

// Provider returns the wrapped provider.
func (c *Client) Provider() Provider { return c.provider }

// Invoke runs one agent request.
//
// A cache hit returns immediately without touching the gate and is recorded with zero
// tokens and cost. Otherwise every attempt acquires the llm gate; transient failures are
// retried with exponential backoff up to MaxAttempts total attempts. Exactly one
// UsageRecord is emitted per invocation whatever the outcome.
func (c *Client) Invoke(ctx context.Context, agent string, req Request) (Result, error) {
	fp := cache.LLMFingerprint(cache.LLMRequest{
		Provider:    c.provider.Name(),
		Model:       req.Model,
		System:      req.System,
		Prompt:      req.Prompt,
		Schema:      req.Schema,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})

	ctx, span := tracing.StartSpan(ctx, "llm.invoke",
		attribute.String("agent", agent),
		attribute.String("provider", c.provider.Name()),
		attribute.String("model", req.Model),
	)
	defer span.End()

	start := time.Now()
	if c.cache != nil && c.cfg.CacheTTL > 0 {
		var hit cachedResponse
		if cache.GetJSON(ctx, c.cache, fp, &hit) {
			metrics.CacheHits.WithLabelValues(cache.NamespaceLLM).Inc()
			span.SetAttributes(attribute.Bool("cache_hit", true))
			res := Result{Text: hit.Text, Model: hit.Model, CacheHit: true, Latency: time.Since(start)}
			c.record(ctx, agent, res, true)
			return res, nil
		}
		metrics.CacheMisses.WithLabelValues(cache.NamespaceLLM).Inc()
	}

	var resp Response
	attempts := 0
	op := func() error {
		attempts++
		release, err := c.gate.Acquire(ctx, ratecontrol.CategoryLLM)
		if err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		r, err := c.provider.Complete(callCtx, req)
		cancel()
		release()

		if err == nil {
			resp = r
			metrics.LLMAttempts.WithLabelValues(c.provider.Name(), "success").Inc()
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) {
			metrics.LLMAttempts.WithLabelValues(c.provider.Name(), "permanent").Inc()
			return backoff.Permanent(err)
		}
		metrics.LLMAttempts.WithLabelValues(c.provider.Name(), "transient").Inc()
		c.logger.Warn("Transient provider error",
			zap.String("agent", agent),
			zap.String("provider", c.provider.Name()),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxAttempts-1)), ctx))
	latency := time.Since(start)
	if err != nil {
		err = c.classify(ctx, err, attempts)
		tracing.Fail(span, err)
		c.record(ctx, agent, Result{Model: req.Model, Attempts: attempts, Latency: latency}, false)
		return Result{Attempts: attempts, Latency: latency}, err
	}

	res := Result{
		Text:         resp.Text,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      c.prices.CostForSplit(resp.Model, resp.InputTokens, resp.OutputTokens),
		Attempts:     attempts,
		Latency:      latency,
	}
	if c.cache != nil && c.cfg.CacheTTL > 0 {
		if err := cache.SetJSON(ctx, c.cache, fp, cachedResponse{Text: res.Text, Model: res.Model}, c.cfg.CacheTTL); err != nil {
			c.logger.Debug("LLM response not cached", zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.Int("tokens", res.Tokens()))
	c.record(ctx, agent, res, true)
	return res, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // bounded by attempts, not time
	return b
}

// classify maps a final retry error onto the run-level error kinds.
func (c *Client) classify(ctx context.Context, err error, attempts int) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	op := "llm." + c.provider.Name()
	if IsTransient(err) {
		return models.NewError(models.KindProviderTransient, op, fmt.Errorf("gave up after %d attempts: %w", attempts, err))
	}
	var pe *ProviderError
	if !errors.As(err, &pe) && models.KindOf(err) != "" {
		// already classified, e.g. a gate configuration error
		return err
	}
	return models.NewError(models.KindProviderPermanent, op, err)
}

func (c *Client) record(ctx context.Context, agent string, res Result, ok bool) {
	budget.RecordFrom(ctx, models.UsageRecord{
		Agent:     agent,
		Model:     res.Model,
		Tokens:    res.Tokens(),
		CostUSD:   res.CostUSD,
		Latency:   res.Latency,
		Attempts:  res.Attempts,
		CacheHit:  res.CacheHit,
		Succeeded: ok,
	})
	metrics.RecordLLMUsage(agent, res.Tokens(), res.CostUSD, res.Latency.Seconds())
}
