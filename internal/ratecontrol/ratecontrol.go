package ratecontrol

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Category names an independently limited class of external calls.
type Category string

const (
	CategoryLLM  Category = "llm"
	CategoryTool Category = "tool"
)

// Limit bounds one category. RPM <= 0 disables the rate ceiling.
type Limit struct {
	MaxConcurrent int
	RPM           int
}

// Release gives a slot back. Safe to call more than once.
type Release func()

// Gate is the admission control shared by every run in the process.
type Gate struct {
	mu     sync.Mutex
	lanes  map[Category]*lane
	logger *zap.Logger
}

// NewGate builds a gate with one lane per configured category.
func NewGate(limits map[Category]Limit, logger *zap.Logger) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{lanes: make(map[Category]*lane, len(limits)), logger: logger}
	for cat, l := range limits {
		if l.MaxConcurrent <= 0 {
			return nil, models.NewErrorf(models.KindConfiguration, "ratecontrol.new", "max_concurrent for %s must be positive", cat)
		}
		g.lanes[cat] = newLane(cat, l)
	}
	return g, nil
}

// Acquire blocks until a slot is free and the category's request rate allows another call.
// Waiters are admitted strictly in arrival order. The returned Release must be called on every path.
func (g *Gate) Acquire(ctx context.Context, cat Category) (Release, error) {
	ln, err := g.lane(cat)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rel, err := ln.acquire(ctx)
	metrics.GateWait.WithLabelValues(string(cat)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// TryAcquire is the non-blocking variant. It fails with models.ErrRateLimitExceeded instead of queueing.
func (g *Gate) TryAcquire(cat Category) (Release, error) {
	ln, err := g.lane(cat)
	if err != nil {
		return nil, err
	}
	rel, ok := ln.tryAcquire()
	if !ok {
		metrics.GateRejections.WithLabelValues(string(cat)).Inc()
		return nil, models.NewError(models.KindRateLimitExceeded, "ratecontrol.try_acquire", models.ErrRateLimitExceeded)
	}
	return rel, nil
}

// Reconfigure applies new limits to existing lanes (config hot reload). Waiters keep their position.
func (g *Gate) Reconfigure(limits map[Category]Limit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for cat, l := range limits {
		if l.MaxConcurrent <= 0 {
			g.logger.Warn("Ignoring non-positive concurrency limit", zap.String("category", string(cat)))
			continue
		}
		if ln, ok := g.lanes[cat]; ok {
			ln.reconfigure(l)
		} else {
			g.lanes[cat] = newLane(cat, l)
		}
		g.logger.Info("Gate limits updated",
			zap.String("category", string(cat)),
			zap.Int("max_concurrent", l.MaxConcurrent),
			zap.Int("rpm", l.RPM),
		)
	}
}

// Stats returns in-flight and queued counts for a category.
func (g *Gate) Stats(cat Category) (inFlight, queued int) {
	ln, err := g.lane(cat)
	if err != nil {
		return 0, 0
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.inFlight, ln.waiters.Len()
}

func (g *Gate) lane(cat Category) (*lane, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ln, ok := g.lanes[cat]
	if !ok {
		return nil, models.NewErrorf(models.KindConfiguration, "ratecontrol.lane", "unknown gate category %q", cat)
	}
	return ln, nil
}

type waiter struct {
	ready chan time.Duration // receives the rate delay once the slot is handed over
}

type lane struct {
	cat Category

	mu       sync.Mutex
	max      int
	inFlight int
	waiters  *list.List
	limiter  *rate.Limiter
}

func newLane(cat Category, l Limit) *lane {
	return &lane{
		cat:     cat,
		max:     l.MaxConcurrent,
		waiters: list.New(),
		limiter: newLimiter(l.RPM),
	}
}

// newLimiter spaces requests 60s/RPM apart, so any 60s window admits at most RPM requests.
func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(IntervalForRPM(rpm)), 1)
}

// IntervalForRPM returns the minimum spacing between two requests under rpm.
func IntervalForRPM(rpm int) time.Duration {
	if rpm <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(float64(time.Minute) / float64(rpm)))
}

func (l *lane) reconfigure(lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = lim.MaxConcurrent
	if lim.RPM <= 0 {
		l.limiter.SetLimit(rate.Inf)
	} else {
		l.limiter.SetLimit(rate.Every(IntervalForRPM(lim.RPM)))
	}
	l.handOffLocked()
	l.publishLocked()
}

func (l *lane) acquire(ctx context.Context) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.waiters.Len() == 0 && l.inFlight < l.max {
		l.inFlight++
		delay := l.reserveLocked()
		l.publishLocked()
		l.mu.Unlock()
		return l.waitDelay(ctx, delay)
	}
	w := &waiter{ready: make(chan time.Duration, 1)}
	el := l.waiters.PushBack(w)
	l.publishLocked()
	l.mu.Unlock()

	select {
	case delay := <-w.ready:
		return l.waitDelay(ctx, delay)
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Slot was handed over concurrently with cancellation; give it back.
			l.releaseLocked()
		default:
			l.waiters.Remove(el)
		}
		l.publishLocked()
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (l *lane) tryAcquire() (Release, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiters.Len() > 0 || l.inFlight >= l.max {
		return nil, false
	}
	r := l.limiter.Reserve()
	if !r.OK() || r.Delay() > 0 {
		r.Cancel()
		return nil, false
	}
	l.inFlight++
	l.publishLocked()
	return l.releaser(), true
}

// waitDelay sleeps out the rate reservation while holding the slot.
func (l *lane) waitDelay(ctx context.Context, delay time.Duration) (Release, error) {
	rel := l.releaser()
	if delay <= 0 {
		return rel, nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return rel, nil
	case <-ctx.Done():
		rel()
		return nil, ctx.Err()
	}
}

// reserveLocked reserves the next rate token. Reservations are taken in grant order.
func (l *lane) reserveLocked() time.Duration {
	r := l.limiter.Reserve()
	if !r.OK() {
		return 0
	}
	return r.Delay()
}

func (l *lane) releaser() Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.releaseLocked()
			l.publishLocked()
			l.mu.Unlock()
		})
	}
}

func (l *lane) releaseLocked() {
	l.inFlight--
	l.handOffLocked()
}

// handOffLocked grants free slots to waiters at the front of the queue.
func (l *lane) handOffLocked() {
	for l.inFlight < l.max && l.waiters.Len() > 0 {
		front := l.waiters.Front()
		l.waiters.Remove(front)
		w := front.Value.(*waiter)
		l.inFlight++
		w.ready <- l.reserveLocked()
	}
}

func (l *lane) publishLocked() {
	metrics.GateInFlight.WithLabelValues(string(l.cat)).Set(float64(l.inFlight))
	metrics.GateQueued.WithLabelValues(string(l.cat)).Set(float64(l.waiters.Len()))
}

// String is used in log fields.
func (l Limit) String() string {
	return fmt.Sprintf("max_concurrent=%d rpm=%d", l.MaxConcurrent, l.RPM)
}
