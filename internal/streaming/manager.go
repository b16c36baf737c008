package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

// Status of a streamed update.
type Status string

const (
	StatusStarted   Status = "started"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AgentOrchestrator is the agent name of run-level updates.
const AgentOrchestrator = "orchestrator"

// DefaultCapacity is the per-run replay buffer size.
const DefaultCapacity = 256

// Event is one {agent, status, message} update of a run.
type Event struct {
	RunID     string    `json:"run_id"`
	Agent     string    `json:"agent"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether e is the last update of its run.
func (e Event) Terminal() bool {
	return e.Agent == AgentOrchestrator && (e.Status == StatusCompleted || e.Status == StatusFailed)
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink mirrors published events somewhere outside the process.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Manager provides in-memory pub/sub for run updates with a replay ring per run.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int

	sinks       []Sink
	sinkTimeout time.Duration
	retention   time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewManager creates a manager. capacity <= 0 selects DefaultCapacity.
func NewManager(capacity int, logger *zap.Logger, sinks ...Sink) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		sinks:       sinks,
		sinkTimeout: 2 * time.Second,
		logger:      logger,
		now:         time.Now,
	}
}

// Subscribe adds a subscriber channel for runID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns the next sequence number of the run to evt and fans it out.
// Slow subscribers miss events instead of blocking the run.
func (m *Manager) Publish(runID string, evt Event) Event {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now().UTC()
	}

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	retention := m.retention
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}
	m.mu.Unlock()

	for _, s := range m.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), m.sinkTimeout)
		if err := s.Write(ctx, evt); err != nil {
			m.logger.Debug("Event sink write failed", zap.String("run_id", runID), zap.Error(err))
		}
		cancel()
	}
	if evt.Terminal() && retention > 0 {
		time.AfterFunc(retention, func() { m.Forget(runID) })
	}
	return evt
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// SetRetention makes the manager drop a run's replay buffer d after its terminal event.
// Zero keeps buffers until Forget.
func (m *Manager) SetRetention(d time.Duration) {
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

// Subscribers returns the number of live subscribers of runID.
func (m *Manager) Subscribers(runID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[runID])
}

// Known reports whether any event was published for runID.
func (m *Manager) Known(runID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.history[runID]
	return ok
}

// Forget drops the replay buffer of runID.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
