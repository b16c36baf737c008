package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/research/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/research/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tools"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// replaceFile swaps the file in one rename, the way editors save.
func replaceFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, body)
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxConcurrentLLMCalls)
	assert.Equal(t, 10, cfg.MaxConcurrentToolCalls)
	assert.Equal(t, 50, cfg.RequestsPerMinute)
	assert.Equal(t, 3, cfg.MaxToolCalls)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 2*time.Minute, cfg.RunTimeout.Quick)
	assert.Equal(t, 256, cfg.Tools["code_executor"].MemoryLimit)
	assert.Equal(t, tools.DefaultAllowedImports, cfg.AllowedImports)
	assert.Equal(t, agents.DefaultSpecs()[agents.RoleValidator].Model, cfg.Agents["validator"].Model)

	llmCfg := cfg.LLMConfig()
	assert.Equal(t, 3, llmCfg.MaxAttempts)
	assert.Equal(t, time.Second, llmCfg.InitialBackoff)

	_, enabled := cfg.DBConfig()
	assert.False(t, enabled)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "research.yaml")
	writeFile(t, path, `
max_concurrent_llm_calls: 2
requests_per_minute: 30
tool_requests_per_minute: 600
max_tool_calls: 5
agents:
  synthesizer:
    model: gpt-4o
    max_tokens: 4000
tools:
  web_search:
    timeout: 20s
    cache_ttl: 1h
storage:
  driver: sqlite3
  dsn: ":memory:"
run_timeout:
  quick: 90s
`)
	t.Setenv("RESEARCH_REQUESTS_PER_MINUTE", "40")
	t.Setenv("RESEARCH_CACHE_CAPACITY", "42")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.RequestsPerMinute, "env wins over file")
	assert.Equal(t, 42, cfg.Cache.Capacity)
	assert.Equal(t, 90*time.Second, cfg.RunTimeout.Quick)
	assert.Equal(t, 10*time.Minute, cfg.RunTimeout.Comprehensive)
	assert.Equal(t, 20*time.Second, cfg.Tools["web_search"].Timeout)

	limits := cfg.GateLimits()
	assert.Equal(t, ratecontrol.Limit{MaxConcurrent: 2, RPM: 40}, limits[ratecontrol.CategoryLLM])
	assert.Equal(t, ratecontrol.Limit{MaxConcurrent: 10, RPM: 600}, limits[ratecontrol.CategoryTool])

	specs := cfg.AgentSpecs()
	assert.Equal(t, "gpt-4o", specs[agents.RoleSynthesizer].Model)
	assert.Equal(t, 4000, specs[agents.RoleSynthesizer].MaxTokens)
	assert.Equal(t, 5, cfg.OrchestratorConfig().MaxToolCalls)

	dbCfg, enabled := cfg.DBConfig()
	assert.True(t, enabled)
	assert.Equal(t, "sqlite3", dbCfg.Driver)
}

type overloadedProvider struct{ calls atomic.Int32 }

func (p *overloadedProvider) Name() string { return "overloaded" }

func (p *overloadedProvider) Complete(context.Context, llm.Request) (llm.Response, error) {
	p.calls.Add(1)
	return llm.Response{}, llm.StatusError("overloaded", http.StatusServiceUnavailable, "try later")
}

func TestMaxRetriesBoundsProviderAttempts(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		path := filepath.Join(t.TempDir(), "research.yaml")
		writeFile(t, path, fmt.Sprintf("max_retries: %d\nrequests_per_minute: 60000\nretry_initial_backoff: 1ms\nretry_max_backoff: 2ms\n", n))
		cfg, err := Load(path)
		require.NoError(t, err)

		logger := zaptest.NewLogger(t)
		gate, err := ratecontrol.NewGate(cfg.GateLimits(), logger)
		require.NoError(t, err)
		p := &overloadedProvider{}
		client := llm.NewClient(p, gate, cache.NewLocalLRU(8), nil, cfg.LLMConfig(), logger)

		_, err = client.Invoke(context.Background(), "planner", llm.Request{Prompt: "q"})
		require.Error(t, err)
		assert.True(t, models.IsKind(err, models.KindProviderTransient), "got %v", err)
		assert.Equal(t, int32(n), p.calls.Load(), "max_retries=%d", n)
	}
}

func TestZeroMaxRetriesStillCallsOnce(t *testing.T) {
	cfg := &Config{MaxRetries: 0}
	assert.Equal(t, 1, cfg.LLMConfig().MaxAttempts)
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	for name, body := range map[string]string{
		"llm concurrency":  "max_concurrent_llm_calls: 0",
		"tool concurrency": "max_concurrent_tool_calls: -1",
		"rate":             "requests_per_minute: 0",
		"tool calls":       "max_tool_calls: 0",
		"role":             "agents:\n  critic:\n    model: x",
		"cache backend":    "cache:\n  backend: memcached",
		"redis addr":       "cache:\n  backend: redis",
		"driver":           "storage:\n  driver: oracle",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "research.yaml")
			writeFile(t, path, body)
			_, err := Load(path)
			assert.True(t, models.IsKind(err, models.KindConfiguration), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, models.IsKind(err, models.KindConfiguration))
}

func TestApplyToolOverrides(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.NewCalculator()))
	cfg := &Config{Tools: map[string]ToolConfig{
		"calculator": {Timeout: 3 * time.Second},
		"unknown":    {Timeout: time.Second},
	}}
	cfg.ApplyToolOverrides(reg)

	calc, ok := reg.Get("calculator")
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, calc.DefaultTimeout)
}

func TestWatcherReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "research.yaml")
	writeFile(t, path, "max_concurrent_llm_calls: 2\n")
	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	var calls atomic.Int32
	var seen atomic.Int64
	w.OnChange(func(_, current *Config) {
		seen.Store(int64(current.MaxConcurrentLLMCalls))
		calls.Add(1)
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	replaceFile(t, path, "max_concurrent_llm_calls: 7\n")
	assert.Eventually(t, func() bool { return seen.Load() == 7 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 7, w.Current().MaxConcurrentLLMCalls)

	time.Sleep(200 * time.Millisecond)
	before := calls.Load()
	replaceFile(t, path, "max_concurrent_llm_calls: 0\n")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, before, calls.Load(), "invalid edits are not applied")
	assert.Equal(t, 7, w.Current().MaxConcurrentLLMCalls)
}
