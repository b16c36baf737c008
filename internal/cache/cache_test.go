package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestToolFingerprintIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"query": "eur usd", "max_results": 5, "filters": map[string]any{"lang": "en", "site": "ecb.europa.eu"}}
	b := map[string]any{"filters": map[string]any{"site": "ecb.europa.eu", "lang": "en"}, "max_results": 5, "query": "eur usd"}
	assert.Equal(t, ToolFingerprint("web_search", a), ToolFingerprint("web_search", b))
}

func TestToolFingerprintDistinguishesInputs(t *testing.T) {
	seen := make(map[string]string)
	for i := 0; i < 2000; i++ {
		fp := ToolFingerprint("web_search", map[string]any{"query": fmt.Sprintf("q-%d", i)})
		require.NotContains(t, seen, fp)
		seen[fp] = "web_search"
	}
	assert.NotEqual(t,
		ToolFingerprint("web_search", map[string]any{"query": "x"}),
		ToolFingerprint("document_reader", map[string]any{"query": "x"}),
	)
	assert.Equal(t, ToolFingerprint("calculator", nil), ToolFingerprint("calculator", map[string]any{}))
}

func TestLLMFingerprint(t *testing.T) {
	req := LLMRequest{Model: "claude-3-5-sonnet", Prompt: "plan", Schema: "{}", Temperature: 0.2}
	same := req
	other := req
	other.Temperature = 0.3
	assert.Equal(t, LLMFingerprint(req), LLMFingerprint(same))
	assert.NotEqual(t, LLMFingerprint(req), LLMFingerprint(other))
	assert.Contains(t, LLMFingerprint(req), NamespaceLLM+":")
}

func TestLocalLRUPutGetWithinTTL(t *testing.T) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	c := NewLocalLRU(8, WithClock(clock.Now))
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v1"), time.Minute)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	clock.Advance(59 * time.Second)
	_, ok = c.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "entry must expire at created_at + ttl")
	assert.Zero(t, c.Len(), "expired entry is removed lazily on read")
}

func TestLocalLRUNonPositiveTTLIsNotStored(t *testing.T) {
	c := NewLocalLRU(8)
	c.Set(context.Background(), "k", []byte("v"), 0)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestLocalLRULastWriteWins(t *testing.T) {
	c := NewLocalLRU(8)
	ctx := context.Background()
	c.Set(ctx, "k", []byte("first"), time.Minute)
	c.Set(ctx, "k", []byte("second"), time.Minute)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)
	assert.Equal(t, 1, c.Len())
}

func TestLocalLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLocalLRU(2)
	ctx := context.Background()
	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Set(ctx, "b", []byte("2"), time.Minute)
	_, _ = c.Get(ctx, "a")
	c.Set(ctx, "c", []byte("3"), time.Minute)

	_, ok := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
}

func TestLocalLRUConcurrentWriters(t *testing.T) {
	c := NewLocalLRU(128)
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d", i%32)
				c.Set(ctx, key, []byte(key), time.Minute)
				if v, ok := c.Get(ctx, key); ok {
					assert.Equal(t, key, string(v))
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 32, c.Len())
}

func TestLocalLRUSweep(t *testing.T) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	c := NewLocalLRU(8, WithClock(clock.Now))
	ctx := context.Background()
	c.Set(ctx, "short", []byte("1"), time.Second)
	c.Set(ctx, "long", []byte("2"), time.Hour)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestJSONHelpers(t *testing.T) {
	c := NewLocalLRU(8)
	ctx := context.Background()
	type payload struct {
		Title string `json:"title"`
	}
	require.NoError(t, SetJSON(ctx, c, "k", payload{Title: "ECB"}, time.Minute))
	var out payload
	require.True(t, GetJSON(ctx, c, "k", &out))
	assert.Equal(t, "ECB", out.Title)

	c.Set(ctx, "bad", []byte("{"), time.Minute)
	assert.False(t, GetJSON(ctx, c, "bad", &out))
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	logger := zaptest.NewLogger(t)
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 2
	return NewRedisCacheFromClient(cli, circuitbreaker.New("test-redis", cfg, logger), logger), mr
}

func TestRedisCacheRoundTripAndTTL(t *testing.T) {
	rc, mr := newRedisCache(t)
	ctx := context.Background()

	rc.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := rc.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	mr.FastForward(2 * time.Minute)
	_, ok = rc.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisCacheMissDoesNotTripBreaker(t *testing.T) {
	rc, _ := newRedisCache(t)
	for i := 0; i < 5; i++ {
		_, ok := rc.Get(context.Background(), "absent")
		assert.False(t, ok)
	}
	assert.Equal(t, circuitbreaker.StateClosed, rc.breaker.State())
}

func TestRedisCacheOutageDegradesToMiss(t *testing.T) {
	rc, mr := newRedisCache(t)
	ctx := context.Background()
	rc.Set(ctx, "k", []byte("v"), time.Minute)
	mr.Close()

	for i := 0; i < 3; i++ {
		_, ok := rc.Get(ctx, "k")
		assert.False(t, ok)
	}
	assert.Equal(t, circuitbreaker.StateOpen, rc.breaker.State())
	rc.Set(ctx, "k", []byte("v2"), time.Minute) // must not panic or block
}
