// Package app assembles the research engine from configuration. The server and the
// command line tool share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/Shannon/go/research/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/research/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/db"
	"github.com/Kocoro-lab/Shannon/go/research/internal/health"
	"github.com/Kocoro-lab/Shannon/go/research/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/research/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tools"
)

// App holds the wired components of one engine instance.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Gate         *ratecontrol.Gate
	Cache        cache.Cache
	LLM          *llm.Client
	Agents       *agents.Agents
	Tools        *tools.Registry
	Executor     *tools.Executor
	Streams      *streaming.Manager
	Orchestrator *orchestrator.Orchestrator
	Health       *health.Manager

	DB      *db.Client           // nil when storage is disabled
	Redis   *redis.Client        // nil when no Redis address is configured
	Backlog httpapi.EventBacklog // nil when events are only kept in memory

	stop    context.CancelFunc
	closers []func() error
}

// Option customises New.
type Option func(*options)

type options struct {
	provider llm.Provider
	clarify  agents.ClarifyFunc
}

// WithProvider replaces the configured model provider.
func WithProvider(p llm.Provider) Option { return func(o *options) { o.provider = p } }

// WithClarifier answers researcher clarification questions.
func WithClarifier(fn agents.ClarifyFunc) Option { return func(o *options) { o.clarify = fn } }

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, models.NewErrorf(models.KindConfiguration, "logging", "invalid level %q", cfg.Level)
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// New wires every component described by cfg. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	ctx, stop := context.WithCancel(ctx)
	a := &App{Config: cfg, Logger: logger, Health: health.NewManager(logger), stop: stop}
	if err := a.build(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg, logger := a.Config, a.Logger

	gate, err := ratecontrol.NewGate(cfg.GateLimits(), logger)
	if err != nil {
		return models.NewError(models.KindConfiguration, "app.gate", err)
	}
	a.Gate = gate

	if err := a.openRedis(ctx); err != nil {
		return err
	}
	a.buildCache(ctx)

	if dbCfg, ok := cfg.DBConfig(); ok {
		client, err := db.Open(dbCfg, logger)
		if err != nil {
			return err
		}
		a.DB = client
		a.closers = append(a.closers, client.Close)
		if err := client.Migrate(ctx); err != nil {
			return err
		}
		_ = a.Health.Register(health.NewDatabaseChecker(client, true))
	}

	a.buildStreams()

	prices, err := pricing.Load(cfg.ModelsFile)
	if err != nil {
		return models.NewError(models.KindConfiguration, "app.pricing", err)
	}
	provider := o.provider
	if provider == nil {
		if provider, err = a.selectProvider(); err != nil {
			return err
		}
	}
	a.LLM = llm.NewClient(provider, gate, a.Cache, prices, cfg.LLMConfig(), logger)

	scorer, err := metadata.LoadScorer(cfg.CredibilityRules)
	if err != nil {
		return models.NewError(models.KindConfiguration, "app.credibility", err)
	}
	a.Agents = agents.New(a.LLM, logger,
		agents.WithSpecs(cfg.AgentSpecs()),
		agents.WithPrompts(agents.NewPrompts(cfg.PromptsDir, logger)),
		agents.WithScorer(scorer),
	)

	a.Tools = tools.NewRegistry()
	if err := tools.RegisterBuiltins(a.Tools, cfg.Builtins(&http.Client{Timeout: 60 * time.Second})); err != nil {
		return models.NewError(models.KindConfiguration, "app.tools", err)
	}
	cfg.ApplyToolOverrides(a.Tools)
	a.Executor = tools.NewExecutor(a.Tools, gate, a.Cache, logger)

	orchOpts := []orchestrator.Option{orchestrator.WithStreams(a.Streams)}
	if o.clarify != nil {
		orchOpts = append(orchOpts, orchestrator.WithClarifier(o.clarify))
	}
	a.Orchestrator = orchestrator.New(a.Agents, a.Executor, cfg.OrchestratorConfig(), logger, orchOpts...)

	_ = a.Health.Register(health.NewFuncChecker("rate_gate", false, time.Second, a.gateCheck))
	logger.Info("Research engine assembled",
		zap.String("provider", provider.Name()),
		zap.Strings("tools", a.Tools.Names()),
		zap.Bool("storage", a.DB != nil),
		zap.Bool("redis", a.Redis != nil),
	)
	return nil
}

// one client serves the cache, the event mirror and the submission limiter
func (a *App) openRedis(ctx context.Context) error {
	addr := a.Config.Cache.RedisAddr
	if addr == "" {
		addr = a.Config.Streaming.RedisAddr
	}
	if addr == "" {
		return nil
	}
	cli := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return models.NewError(models.KindConfiguration, "app.redis", fmt.Errorf("redis %s unreachable: %w", addr, err))
	}
	a.Redis = cli
	a.closers = append(a.closers, cli.Close)
	_ = a.Health.Register(health.NewRedisChecker(cli))
	return nil
}

func (a *App) buildCache(ctx context.Context) {
	if a.Config.Cache.Backend == "redis" && a.Redis != nil {
		breaker := circuitbreaker.New("redis-cache", circuitbreaker.CacheBackendConfig(), a.Logger)
		a.Cache = cache.NewRedisCacheFromClient(a.Redis, breaker, a.Logger)
		return
	}
	lru := cache.NewLocalLRU(a.Config.Cache.Capacity)
	if a.Config.Cache.SweepInterval > 0 {
		lru.StartSweeper(ctx, a.Config.Cache.SweepInterval, a.Logger)
	}
	a.Cache = lru
}

func (a *App) buildStreams() {
	sc := a.Config.Streaming
	var sinks []streaming.Sink
	if a.Redis != nil && sc.RedisAddr != "" {
		rs := streaming.NewRedisSink(a.Redis, sc.MaxLen, sc.TTL, a.Logger)
		sinks = append(sinks, rs)
		a.Backlog = rs
	}
	if a.DB != nil && sc.Persist {
		es := a.DB.Events()
		sinks = append(sinks, es)
		if a.Backlog == nil {
			a.Backlog = es
		}
	}
	a.Streams = streaming.NewManager(sc.RingCapacity, a.Logger, sinks...)
	if sc.Retention > 0 {
		a.Streams.SetRetention(sc.Retention)
	}
}

func (a *App) selectProvider() (llm.Provider, error) {
	p := a.Config.Providers
	name := strings.ToLower(p.LLM)
	if name == "" {
		name = llm.DetectProvider(a.Config.AgentSpecs()[agents.RolePlanner].Model)
	}
	hc := llm.HTTPConfig{APIKey: p.APIKey, BaseURL: p.BaseURL, HTTPClient: &http.Client{Timeout: 120 * time.Second}}

	var (
		provider llm.Provider
		err      error
	)
	switch name {
	case "anthropic":
		provider, err = llm.NewAnthropic(hc)
	case "openai":
		provider, err = llm.NewOpenAI(hc)
	default:
		// other vendors are reached through their OpenAI-compatible endpoints
		if p.BaseURL == "" {
			return nil, models.NewErrorf(models.KindConfiguration, "app.provider",
				"provider %q needs providers.base_url for its OpenAI-compatible endpoint", name)
		}
		provider, err = llm.NewOpenAI(hc)
	}
	if err != nil {
		return nil, models.NewError(models.KindConfiguration, "app.provider", err)
	}
	return provider, nil
}

func (a *App) gateCheck(context.Context) health.CheckResult {
	res := health.CheckResult{Component: "rate_gate", Status: health.StatusHealthy, Details: map[string]interface{}{}}
	for _, cat := range []ratecontrol.Category{ratecontrol.CategoryLLM, ratecontrol.CategoryTool} {
		inFlight, queued := a.Gate.Stats(cat)
		res.Details[string(cat)+"_in_flight"] = inFlight
		res.Details[string(cat)+"_queued"] = queued
		if queued > 0 {
			res.Status = health.StatusDegraded
			res.Message = "requests are queued behind the rate gate"
		}
	}
	return res
}

// Reconfigure applies a reloaded configuration to the parts that can change at runtime:
// gate limits and run policy. Other settings need a restart.
func (a *App) Reconfigure(cfg *config.Config) {
	a.Gate.Reconfigure(cfg.GateLimits())
	a.Orchestrator.SetConfig(cfg.OrchestratorConfig())
	a.Config = cfg
	a.Logger.Info("Runtime limits updated",
		zap.Int("max_concurrent_llm_calls", cfg.MaxConcurrentLLMCalls),
		zap.Int("max_concurrent_tool_calls", cfg.MaxConcurrentToolCalls),
		zap.Int("max_tool_calls", cfg.MaxToolCalls),
	)
}

// Close stops background work and releases connections in reverse order of opening.
func (a *App) Close() error {
	if a.stop != nil {
		a.stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
