package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

// Cache is a content-addressed key-value store with per-entry TTL.
// Implementations must be safe for concurrent use; concurrent writes to one key resolve last-write-wins.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, v []byte, ttl time.Duration)
}

// GetJSON decodes a cached JSON value into out. Undecodable entries are misses.
func GetJSON(ctx context.Context, c Cache, key string, out any) bool {
	b, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

// SetJSON stores v as JSON. A non-positive ttl stores nothing.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Set(ctx, key, b, ttl)
	return nil
}

// LocalLRU is an in-process LRU with lazy TTL expiry
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
	now  func() time.Time
}

type lruEntry struct {
	key       string
	val       []byte
	createdAt time.Time
	ttl       time.Duration
}

func (e lruEntry) expired(now time.Time) bool {
	return !now.Before(e.createdAt.Add(e.ttl))
}

// Option configures a LocalLRU
type Option func(*LocalLRU)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *LocalLRU) { l.now = now }
}

func NewLocalLRU(capacity int, opts ...Option) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	l := &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if !ent.expired(l.now()) {
			l.list.MoveToFront(el)
			return ent.val, true
		}
		// expired: remove
		l.removeLocked(el)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, v []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ent := lruEntry{key: key, val: v, createdAt: l.now(), ttl: ttl}
	if el, ok := l.m[key]; ok {
		el.Value = ent
		l.list.MoveToFront(el)
		return
	}
	l.m[key] = l.list.PushFront(ent)
	if l.list.Len() > l.cap {
		if lru := l.list.Back(); lru != nil {
			l.removeLocked(lru)
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// Sweep drops every expired entry and returns how many were removed.
func (l *LocalLRU) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for el := l.list.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(lruEntry).expired(now) {
			l.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (l *LocalLRU) StartSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					logger.Debug("Swept expired cache entries", zap.Int("removed", n))
				}
			}
		}
	}()
}

func (l *LocalLRU) removeLocked(el *list.Element) {
	delete(l.m, el.Value.(lruEntry).key)
	l.list.Remove(el)
	metrics.CacheEvictions.Inc()
}
