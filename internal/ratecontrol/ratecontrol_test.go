package ratecontrol

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

func newTestGate(t *testing.T, tool Limit) *Gate {
	t.Helper()
	g, err := NewGate(map[Category]Limit{
		CategoryLLM:  {MaxConcurrent: 2},
		CategoryTool: tool,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func TestGateConcurrencyBound(t *testing.T) {
	const n = 3
	g := newTestGate(t, Limit{MaxConcurrent: n})

	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 5*n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := g.Acquire(context.Background(), CategoryTool)
			require.NoError(t, err)
			defer rel()
			c := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if c <= p || atomic.CompareAndSwapInt64(&peak, p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int64(n))
	assert.Equal(t, int64(n), peak, "stress test should saturate the gate")
	inFlight, queued := g.Stats(CategoryTool)
	assert.Zero(t, inFlight)
	assert.Zero(t, queued)
}

func TestGateFIFOOrder(t *testing.T) {
	g := newTestGate(t, Limit{MaxConcurrent: 1})
	hold, err := g.Acquire(context.Background(), CategoryTool)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := g.Acquire(context.Background(), CategoryTool)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}(i)
		// wait until the goroutine is queued so arrival order is deterministic
		require.Eventually(t, func() bool {
			_, q := g.Stats(CategoryTool)
			return q == i+1
		}, time.Second, time.Millisecond)
	}
	hold()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestGateTryAcquireRejectsWhenFull(t *testing.T) {
	g := newTestGate(t, Limit{MaxConcurrent: 1})
	rel, err := g.TryAcquire(CategoryTool)
	require.NoError(t, err)

	_, err = g.TryAcquire(CategoryTool)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRateLimitExceeded)
	assert.True(t, models.IsKind(err, models.KindRateLimitExceeded))

	rel()
	rel() // idempotent
	rel2, err := g.TryAcquire(CategoryTool)
	require.NoError(t, err)
	rel2()
	inFlight, _ := g.Stats(CategoryTool)
	assert.Zero(t, inFlight)
}

func TestGateCancelWhileQueued(t *testing.T) {
	g := newTestGate(t, Limit{MaxConcurrent: 1})
	hold, err := g.Acquire(context.Background(), CategoryTool)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, CategoryTool)
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, q := g.Stats(CategoryTool)
		return q == 1
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	hold()
	inFlight, queued := g.Stats(CategoryTool)
	assert.Zero(t, inFlight)
	assert.Zero(t, queued)
}

func TestGateRateSpacing(t *testing.T) {
	// 1200 rpm -> one request every 50ms
	g := newTestGate(t, Limit{MaxConcurrent: 10, RPM: 1200})
	start := time.Now()
	for i := 0; i < 3; i++ {
		rel, err := g.Acquire(context.Background(), CategoryTool)
		require.NoError(t, err)
		rel()
	}
	assert.GreaterOrEqual(t, time.Since(start), 95*time.Millisecond)

	_, err := g.TryAcquire(CategoryTool)
	assert.ErrorIs(t, err, models.ErrRateLimitExceeded, "token bucket is empty right after a burst")
}

func TestGateCategoriesAreIndependent(t *testing.T) {
	g := newTestGate(t, Limit{MaxConcurrent: 1})
	relTool, err := g.Acquire(context.Background(), CategoryTool)
	require.NoError(t, err)
	defer relTool()

	relLLM, err := g.TryAcquire(CategoryLLM)
	require.NoError(t, err)
	relLLM()
}

func TestGateUnknownCategory(t *testing.T) {
	g := newTestGate(t, Limit{MaxConcurrent: 1})
	_, err := g.Acquire(context.Background(), Category("vector"))
	assert.True(t, models.IsKind(err, models.KindConfiguration))
}

func TestNewGateRejectsNonPositiveConcurrency(t *testing.T) {
	_, err := NewGate(map[Category]Limit{CategoryTool: {MaxConcurrent: 0}}, nil)
	assert.True(t, models.IsKind(err, models.KindConfiguration))
}

func TestGateReconfigureWakesWaiters(t *testing.T) {
	g := newTestGate(t, Limit{MaxConcurrent: 1})
	hold, err := g.Acquire(context.Background(), CategoryTool)
	require.NoError(t, err)
	defer hold()

	got := make(chan struct{})
	go func() {
		rel, err := g.Acquire(context.Background(), CategoryTool)
		if err == nil {
			rel()
		}
		close(got)
	}()
	require.Eventually(t, func() bool {
		_, q := g.Stats(CategoryTool)
		return q == 1
	}, time.Second, time.Millisecond)

	g.Reconfigure(map[Category]Limit{CategoryTool: {MaxConcurrent: 2}})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after raising the limit")
	}
}

func TestIntervalForRPM(t *testing.T) {
	assert.Equal(t, time.Second, IntervalForRPM(60))
	assert.Equal(t, time.Duration(0), IntervalForRPM(0))
}
