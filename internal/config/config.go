package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/research/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/research/internal/db"
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g. RESEARCH_REQUESTS_PER_MINUTE.
const EnvPrefix = "RESEARCH"

// Config is the full configuration surface of the research service.
type Config struct {
	Agents           map[string]agents.Spec `mapstructure:"agents"`
	PromptsDir       string                 `mapstructure:"prompts_dir"`
	ModelsFile       string                 `mapstructure:"models_file"`
	CredibilityRules string                 `mapstructure:"credibility_rules"`

	MaxToolCalls   int                   `mapstructure:"max_tool_calls"`
	Timeout        time.Duration         `mapstructure:"timeout"`
	Tools          map[string]ToolConfig `mapstructure:"tools"`
	AllowedImports []string              `mapstructure:"allowed_imports"`
	CacheTTL       time.Duration         `mapstructure:"cache_ttl"`

	MaxConcurrentLLMCalls  int `mapstructure:"max_concurrent_llm_calls"`
	MaxConcurrentToolCalls int `mapstructure:"max_concurrent_tool_calls"`
	RequestsPerMinute      int `mapstructure:"requests_per_minute"`
	LLMRequestsPerMinute   int `mapstructure:"llm_requests_per_minute"`
	ToolRequestsPerMinute  int `mapstructure:"tool_requests_per_minute"`

	MaxRetries          int           `mapstructure:"max_retries"`
	RetryInitialBackoff time.Duration `mapstructure:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `mapstructure:"retry_max_backoff"`

	SubtaskParallelism int `mapstructure:"subtask_parallelism"`
	RunParallelism     int `mapstructure:"run_parallelism"`
	RunTimeout         struct {
		Quick         time.Duration `mapstructure:"quick"`
		Comprehensive time.Duration `mapstructure:"comprehensive"`
	} `mapstructure:"run_timeout"`

	Cache     CacheConfig     `mapstructure:"cache"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Providers ProvidersConfig `mapstructure:"providers"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ToolConfig overrides one tool. MemoryLimit only applies to code_executor.
type ToolConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MemoryLimit int           `mapstructure:"memory_limit"` // MB
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type CacheConfig struct {
	Backend       string        `mapstructure:"backend"` // memory or redis
	RedisAddr     string        `mapstructure:"redis_addr"`
	Capacity      int           `mapstructure:"capacity"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type StreamingConfig struct {
	RingCapacity int           `mapstructure:"ring_capacity"`
	RedisAddr    string        `mapstructure:"redis_addr"` // empty disables the Redis mirror
	MaxLen       int64         `mapstructure:"max_len"`
	TTL          time.Duration `mapstructure:"ttl"`
	Retention    time.Duration `mapstructure:"retention"`
	Persist      bool          `mapstructure:"persist"` // also write events to storage
}

type StorageConfig struct {
	Driver         string        `mapstructure:"driver"` // empty disables persistence
	DSN            string        `mapstructure:"dsn"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
}

type ProvidersConfig struct {
	LLM          string `mapstructure:"llm"` // anthropic, openai or empty to pick by planner model
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Search       string `mapstructure:"search"` // tavily, duckduckgo or none
	SearchAPIKey string `mapstructure:"search_api_key"`
	SearchDepth  string `mapstructure:"search_depth"`
}

type HTTPConfig struct {
	Port                 int    `mapstructure:"port"`
	AuthToken            string `mapstructure:"auth_token"`
	SubmissionsPerMinute int    `mapstructure:"submissions_per_minute"` // per client, 0 disables; needs a Redis address
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

func setDefaults(v *viper.Viper) {
	for role, spec := range agents.DefaultSpecs() {
		v.SetDefault("agents."+string(role)+".model", spec.Model)
		v.SetDefault("agents."+string(role)+".temperature", spec.Temperature)
		v.SetDefault("agents."+string(role)+".max_tokens", spec.MaxTokens)
	}
	v.SetDefault("prompts_dir", "")
	v.SetDefault("models_file", "")
	v.SetDefault("credibility_rules", "")

	v.SetDefault("max_tool_calls", agents.DefaultMaxToolCalls)
	v.SetDefault("timeout", "60s")
	v.SetDefault("allowed_imports", tools.DefaultAllowedImports)
	v.SetDefault("cache_ttl", "24h")
	for _, name := range []string{tools.WebSearchName, "calculator", "code_executor", "document_reader"} {
		v.SetDefault("tools."+name+".timeout", "0s")
		v.SetDefault("tools."+name+".cache_ttl", "0s")
		v.SetDefault("tools."+name+".memory_limit", 0)
	}
	v.SetDefault("tools.code_executor.memory_limit", 256)

	v.SetDefault("max_concurrent_llm_calls", 5)
	v.SetDefault("max_concurrent_tool_calls", 10)
	v.SetDefault("requests_per_minute", 50)
	v.SetDefault("llm_requests_per_minute", 0)
	v.SetDefault("tool_requests_per_minute", 0)

	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_initial_backoff", "1s")
	v.SetDefault("retry_max_backoff", "30s")

	def := orchestrator.DefaultConfig()
	v.SetDefault("subtask_parallelism", def.SubtaskParallelism)
	v.SetDefault("run_parallelism", def.RunParallelism)
	v.SetDefault("run_timeout.quick", def.QuickTimeout)
	v.SetDefault("run_timeout.comprehensive", def.ComprehensiveTimeout)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.sweep_interval", "5m")

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.redis_addr", "")
	v.SetDefault("streaming.max_len", 1000)
	v.SetDefault("streaming.ttl", "24h")
	v.SetDefault("streaming.retention", "30m")
	v.SetDefault("streaming.persist", false)

	v.SetDefault("storage.driver", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_lifetime", "5m")

	v.SetDefault("providers.llm", "")
	v.SetDefault("providers.base_url", "")
	v.SetDefault("providers.search", "duckduckgo")
	v.SetDefault("providers.search_depth", "advanced")

	v.SetDefault("http.port", 8081)
	v.SetDefault("http.auth_token", "")
	v.SetDefault("http.submissions_per_minute", 0)
	v.SetDefault("metrics.port", 2112)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "research")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// provider keys are usually exported under their vendor names
	_ = v.BindEnv("providers.api_key", EnvPrefix+"_PROVIDERS_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("providers.search_api_key", EnvPrefix+"_PROVIDERS_SEARCH_API_KEY", "TAVILY_API_KEY")
	return v
}

// Load reads path (yaml) over the defaults and applies RESEARCH_* environment overrides.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, models.NewError(models.KindConfiguration, "config.load", fmt.Errorf("read config: %w", err))
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, models.NewError(models.KindConfiguration, "config.load", fmt.Errorf("unmarshal config: %w", err))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// PathFromEnv returns RESEARCH_CONFIG, or config/research.yaml when that file exists.
func PathFromEnv() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config/research.yaml"); err == nil {
		return "config/research.yaml"
	}
	return ""
}

// Validate rejects settings no run could work with.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return models.NewErrorf(models.KindConfiguration, "config.validate", format, args...)
	}
	switch {
	case c.MaxConcurrentLLMCalls <= 0:
		return fail("max_concurrent_llm_calls must be positive, got %d", c.MaxConcurrentLLMCalls)
	case c.MaxConcurrentToolCalls <= 0:
		return fail("max_concurrent_tool_calls must be positive, got %d", c.MaxConcurrentToolCalls)
	case c.RequestsPerMinute <= 0:
		return fail("requests_per_minute must be positive, got %d", c.RequestsPerMinute)
	case c.LLMRequestsPerMinute < 0 || c.ToolRequestsPerMinute < 0:
		return fail("per-category requests_per_minute must not be negative")
	case c.MaxToolCalls <= 0:
		return fail("max_tool_calls must be positive, got %d", c.MaxToolCalls)
	case c.SubtaskParallelism <= 0:
		return fail("subtask_parallelism must be positive, got %d", c.SubtaskParallelism)
	case c.RunParallelism <= 0:
		return fail("run_parallelism must be positive, got %d", c.RunParallelism)
	case c.MaxRetries < 0:
		return fail("max_retries must not be negative")
	case c.Timeout <= 0:
		return fail("timeout must be positive")
	}
	for role := range c.Agents {
		if !knownRole(role) {
			return fail("unknown agent role %q", role)
		}
	}
	switch c.Cache.Backend {
	case "memory", "":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fail("cache.redis_addr is required for the redis backend")
		}
	default:
		return fail("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Storage.Driver {
	case "", db.DriverPostgres, db.DriverSQLite, db.DriverMySQL:
	default:
		return fail("unsupported storage driver %q", c.Storage.Driver)
	}
	return nil
}

func knownRole(name string) bool {
	for _, r := range agents.Roles() {
		if string(r) == name {
			return true
		}
	}
	return false
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// GateLimits returns the per-category concurrency and rate limits.
func (c *Config) GateLimits() map[ratecontrol.Category]ratecontrol.Limit {
	return map[ratecontrol.Category]ratecontrol.Limit{
		ratecontrol.CategoryLLM:  {MaxConcurrent: c.MaxConcurrentLLMCalls, RPM: orDefault(c.LLMRequestsPerMinute, c.RequestsPerMinute)},
		ratecontrol.CategoryTool: {MaxConcurrent: c.MaxConcurrentToolCalls, RPM: orDefault(c.ToolRequestsPerMinute, c.RequestsPerMinute)},
	}
}

// OrchestratorConfig returns the run policy.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxToolCalls:         c.MaxToolCalls,
		SubtaskParallelism:   c.SubtaskParallelism,
		RunParallelism:       c.RunParallelism,
		QuickTimeout:         c.RunTimeout.Quick,
		ComprehensiveTimeout: c.RunTimeout.Comprehensive,
	}
}

// LLMConfig returns the retry, timeout and caching policy of model calls.
func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		MaxAttempts:    max(c.MaxRetries, 1),
		InitialBackoff: c.RetryInitialBackoff,
		MaxBackoff:     c.RetryMaxBackoff,
		CallTimeout:    c.Timeout,
		CacheTTL:       c.CacheTTL,
	}
}

// AgentSpecs returns the per-role model settings.
func (c *Config) AgentSpecs() map[agents.Role]agents.Spec {
	out := make(map[agents.Role]agents.Spec, len(c.Agents))
	for name, spec := range c.Agents {
		out[agents.Role(name)] = spec
	}
	return out
}

// Builtins returns the configuration of the built-in tools.
func (c *Config) Builtins(client *http.Client) tools.BuiltinConfig {
	code := c.Tools["code_executor"]
	return tools.BuiltinConfig{
		SearchProvider: c.Providers.Search,
		TavilyAPIKey:   c.Providers.SearchAPIKey,
		TavilyDepth:    c.Providers.SearchDepth,
		HTTPClient:     client,
		Code: tools.CodeExecutorConfig{
			AllowedImports: c.AllowedImports,
			MemoryLimitMB:  code.MemoryLimit,
			Timeout:        code.Timeout,
		},
	}
}

// ApplyToolOverrides pushes per-tool timeouts and cache TTLs into reg.
// Entries for tools that are not registered are ignored.
func (c *Config) ApplyToolOverrides(reg *tools.Registry) {
	for name, tc := range c.Tools {
		if _, ok := reg.Get(name); !ok {
			continue
		}
		_ = reg.Override(name, tc.Timeout, tc.CacheTTL)
	}
}

// DBConfig returns the database settings, or false when persistence is disabled.
func (c *Config) DBConfig() (db.Config, bool) {
	if c.Storage.Driver == "" {
		return db.Config{}, false
	}
	return db.Config{
		Driver:         c.Storage.Driver,
		DSN:            c.Storage.DSN,
		MaxConnections: c.Storage.MaxConnections,
		MaxLifetime:    c.Storage.MaxLifetime,
	}, true
}
