package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is anything that can verify its connection, such as a *db.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisChecker checks the shared cache and event backend.
type RedisChecker struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client, timeout: 2 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

// IsCritical is false: runs fall back to the in-process cache.
func (r *RedisChecker) IsCritical() bool { return false }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "redis ping failed", Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "redis is reachable"}
}

// DatabaseChecker checks report persistence.
type DatabaseChecker struct {
	db       Pinger
	critical bool
	timeout  time.Duration
}

func NewDatabaseChecker(db Pinger, critical bool) *DatabaseChecker {
	return &DatabaseChecker{db: db, critical: critical, timeout: 3 * time.Second}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return d.critical }
func (d *DatabaseChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := d.db.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "database ping failed", Error: err.Error()}
	}
	latency := time.Since(start)
	status := StatusHealthy
	if latency > time.Second {
		status = StatusDegraded
	}
	return CheckResult{
		Status:  status,
		Message: "database is reachable",
		Details: map[string]any{"ping_ms": latency.Milliseconds()},
	}
}

// FuncChecker adapts a function into a Checker.
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) CheckResult
}

func NewFuncChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, timeout: timeout, fn: fn}
}

func (c *FuncChecker) Name() string                          { return c.name }
func (c *FuncChecker) IsCritical() bool                      { return c.critical }
func (c *FuncChecker) Timeout() time.Duration                { return c.timeout }
func (c *FuncChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }
