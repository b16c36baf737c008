package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
}

func TestManagerPublishSubscribe(t *testing.T) {
	m := NewManager(8, zaptest.NewLogger(t))
	ch := m.Subscribe("run-1", 4)
	other := m.Subscribe("run-2", 4)

	m.Publish("run-1", Event{Agent: "planner", Status: StatusStarted})
	m.Publish("run-1", Event{Agent: "planner", Status: StatusCompleted, Message: "3 subtasks"})

	first := <-ch
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "run-1", first.RunID)
	assert.False(t, first.Timestamp.IsZero())
	second := <-ch
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, "3 subtasks", second.Message)

	select {
	case e := <-other:
		t.Fatalf("run-2 subscriber received %+v", e)
	default:
	}

	m.Unsubscribe("run-1", ch)
	m.Unsubscribe("run-1", ch) // no double close
	_, open := <-ch
	assert.False(t, open)
}

func TestManagerReplayAndSlowSubscriber(t *testing.T) {
	m := NewManager(5, nil)
	slow := m.Subscribe("run", 1)
	for i := 0; i < 7; i++ {
		m.Publish("run", Event{Agent: "researcher", Status: StatusProgress})
	}
	assert.Len(t, slow, 1, "events beyond the buffer are dropped, publish never blocks")

	evs := m.ReplaySince("run", 0)
	require.Len(t, evs, 5)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Len(t, m.ReplaySince("run", 6), 1)
	assert.Nil(t, m.ReplaySince("missing", 0))

	assert.True(t, m.Known("run"))
	m.Forget("run")
	assert.False(t, m.Known("run"))
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, Event{Agent: AgentOrchestrator, Status: StatusCompleted}.Terminal())
	assert.True(t, Event{Agent: AgentOrchestrator, Status: StatusFailed}.Terminal())
	assert.False(t, Event{Agent: "researcher", Status: StatusFailed}.Terminal())
	assert.False(t, Event{Agent: AgentOrchestrator, Status: StatusProgress}.Terminal())
}

type failingSink struct{ calls int }

func (s *failingSink) Write(context.Context, Event) error {
	s.calls++
	return errors.New("down")
}

func TestManagerSinkFailureDoesNotAffectPublish(t *testing.T) {
	sink := &failingSink{}
	m := NewManager(4, zaptest.NewLogger(t), sink)
	evt := m.Publish("run", Event{Agent: AgentOrchestrator, Status: StatusStarted})
	assert.Equal(t, uint64(1), evt.Seq)
	assert.Equal(t, 1, sink.calls)
	assert.Len(t, m.ReplaySince("run", 0), 1)
}

func TestRedisSinkMirrorsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cli.Close()

	sink := NewRedisSink(cli, 100, time.Hour, zaptest.NewLogger(t))
	m := NewManager(16, zaptest.NewLogger(t), sink)
	m.Publish("run-9", Event{Agent: AgentOrchestrator, Status: StatusStarted, Message: "ECB outlook"})
	m.Publish("run-9", Event{Agent: "researcher", Status: StatusProgress, Message: "calling web_search"})
	m.Publish("run-9", Event{Agent: AgentOrchestrator, Status: StatusCompleted})

	assert.True(t, mr.Exists("research:events:run-9"))
	assert.Greater(t, mr.TTL("research:events:run-9"), time.Duration(0))

	evs, err := sink.ReadSince(context.Background(), "run-9", 1)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "calling web_search", evs[0].Message)
	assert.Equal(t, StatusProgress, evs[0].Status)
	assert.Equal(t, "run-9", evs[0].RunID)
	assert.True(t, evs[1].Terminal())

	none, err := sink.ReadSince(context.Background(), "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetentionForgetsFinishedRuns(t *testing.T) {
	m := NewManager(8, zaptest.NewLogger(t))
	m.SetRetention(20 * time.Millisecond)
	m.Publish("r", Event{Agent: AgentOrchestrator, Status: StatusCompleted})
	assert.True(t, m.Known("r"))
	assert.Eventually(t, func() bool { return !m.Known("r") }, time.Second, 5*time.Millisecond)
}
