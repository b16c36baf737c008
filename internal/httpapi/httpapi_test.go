package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/research/internal/db"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

type fakeRunner struct {
	release chan struct{}
	mu      sync.Mutex
	queries []models.Query
}

func (f *fakeRunner) Run(ctx context.Context, runID string, q models.Query) (orchestrator.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	select {
	case <-f.release:
	case <-ctx.Done():
		err := models.NewError(models.KindCancelled, "orchestrator.run", ctx.Err())
		return orchestrator.Result{Query: q, Err: err, Report: models.Report{RunID: runID, Query: q.Text, State: models.StateFailed, Confidence: "Low"}}, err
	}
	rep := models.Report{RunID: runID, Query: q.Text, Depth: q.Depth, State: models.StateDone, Title: "Research Report: " + q.Text, Confidence: "Medium", ConfidenceScore: 0.5}
	return orchestrator.Result{Query: q, Report: rep}, nil
}

func (f *fakeRunner) ResearchParallel(ctx context.Context, queries []models.Query) []orchestrator.Result {
	out := make([]orchestrator.Result, len(queries))
	for i, q := range queries {
		out[i] = orchestrator.Result{Query: q, Report: models.Report{RunID: "batch-" + q.Text, Query: q.Text, State: models.StateDone, Confidence: "High"}}
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	reports map[string]models.Report
	saved   chan string
}

func newMemStore() *memStore {
	return &memStore{reports: map[string]models.Report{}, saved: make(chan string, 16)}
}

func (m *memStore) QueueReport(rep models.Report, _ error, cb func(error)) error {
	m.mu.Lock()
	m.reports[rep.RunID] = rep
	m.mu.Unlock()
	m.saved <- rep.RunID
	cb(nil)
	return nil
}

func (m *memStore) GetReport(_ context.Context, runID string) (models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.reports[runID]
	if !ok {
		return rep, db.ErrRunNotFound
	}
	return rep, nil
}

func (m *memStore) ListRuns(context.Context, int) ([]db.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []db.RunSummary{}
	for id, rep := range m.reports {
		out = append(out, db.RunSummary{RunID: id, Query: rep.Query, State: string(rep.State)})
	}
	return out, nil
}

func newResearchMux(t *testing.T, runner Runner, store ReportStore, token string) (*http.ServeMux, *ResearchHandler) {
	h := NewResearchHandler(runner, store, token, zaptest.NewLogger(t))
	h.newID = func() string { return "run-1" }
	t.Cleanup(h.Close)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, h
}

func do(mux http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStartRunAndFetchReport(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	store := newMemStore()
	mux, _ := newResearchMux(t, runner, store, "")

	rec := do(mux, http.MethodPost, "/v1/research", `{"query":"grid storage","depth":"quick","tools":["web_search"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-1"`)

	rec = do(mux, http.MethodGet, "/v1/research/run-1", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running"`)

	close(runner.release)
	select {
	case id := <-store.saved:
		assert.Equal(t, "run-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("report was not persisted")
	}

	rec = do(mux, http.MethodGet, "/v1/research/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep models.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, models.StateDone, rep.State)
	assert.Equal(t, models.DepthQuick, rep.Depth)
	assert.Equal(t, []string{"web_search"}, runner.queries[0].Tools)

	rec = do(mux, http.MethodGet, "/v1/research/run-1?format=markdown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# Research Report: grid storage"))

	rec = do(mux, http.MethodGet, "/v1/research/run-1/markdown", "")
	assert.Contains(t, rec.Body.String(), "## Executive Summary")

	rec = do(mux, http.MethodGet, "/v1/research/run-1?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRejectsInvalidQueries(t *testing.T) {
	mux, _ := newResearchMux(t, &fakeRunner{release: make(chan struct{})}, nil, "")

	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodPost, "/v1/research", `{"query":"  "}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodPost, "/v1/research", `{"query":"x","depth":"deep"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodPost, "/v1/research", `not json`).Code)
}

func TestBearerTokenRequired(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	close(runner.release)
	mux, _ := newResearchMux(t, runner, nil, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, do(mux, http.MethodPost, "/v1/research", `{"query":"x"}`).Code)
	for _, auth := range []string{"Bearer s3creT", "Bearer s3cre", "Bearer s3crets", "s3cret", "Basic s3cret"} {
		assert.Equal(t, http.StatusUnauthorized, do(mux, http.MethodPost, "/v1/research", `{"query":"x"}`, "Authorization", auth).Code, auth)
	}
	assert.Equal(t, http.StatusAccepted, do(mux, http.MethodPost, "/v1/research", `{"query":"x"}`, "Authorization", "Bearer s3cret").Code)
}

func TestCancelRunningRun(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	store := newMemStore()
	mux, _ := newResearchMux(t, runner, store, "")

	require.Equal(t, http.StatusAccepted, do(mux, http.MethodPost, "/v1/research", `{"query":"x"}`).Code)
	assert.Equal(t, http.StatusAccepted, do(mux, http.MethodDelete, "/v1/research/run-1", "").Code)

	select {
	case <-store.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run was not recorded")
	}
	rec := do(mux, http.MethodGet, "/v1/research/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"failed"`)
	assert.Equal(t, http.StatusConflict, do(mux, http.MethodDelete, "/v1/research/run-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(mux, http.MethodDelete, "/v1/research/other", "").Code)
}

func TestGetFallsBackToStore(t *testing.T) {
	store := newMemStore()
	store.reports["old"] = models.Report{RunID: "old", Query: "q", State: models.StateDone}
	mux, _ := newResearchMux(t, &fakeRunner{}, store, "")

	assert.Equal(t, http.StatusOK, do(mux, http.MethodGet, "/v1/research/old", "").Code)
	assert.Equal(t, http.StatusNotFound, do(mux, http.MethodGet, "/v1/research/missing", "").Code)

	rec := do(mux, http.MethodGet, "/v1/research?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"old"`)
}

func TestBatchKeepsInputOrder(t *testing.T) {
	store := newMemStore()
	mux, _ := newResearchMux(t, &fakeRunner{}, store, "")

	rec := do(mux, http.MethodPost, "/v1/research/batch", `{"queries":[{"query":"a"},{"query":"b"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []batchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.Equal(t, "batch-a", body.Results[0].RunID)
	assert.Equal(t, "batch-b", body.Results[1].RunID)

	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodPost, "/v1/research/batch", `{"queries":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodPost, "/v1/research/batch", `{"queries":[{"query":""}]}`).Code)
}

func publishRun(m *streaming.Manager, runID string) {
	m.Publish(runID, streaming.Event{Agent: streaming.AgentOrchestrator, Status: streaming.StatusStarted, Message: "q"})
	m.Publish(runID, streaming.Event{Agent: "planner", Status: streaming.StatusCompleted, Message: "2 subtasks"})
	m.Publish(runID, streaming.Event{Agent: "researcher-1", Status: streaming.StatusProgress, Message: "web_search"})
	m.Publish(runID, streaming.Event{Agent: streaming.AgentOrchestrator, Status: streaming.StatusCompleted, Message: "done"})
}

func TestSSEReplaysAndStopsAtTerminalEvent(t *testing.T) {
	m := streaming.NewManager(16, zaptest.NewLogger(t))
	publishRun(m, "r1")
	mux := http.NewServeMux()
	NewStreamingHandler(m, nil, zaptest.NewLogger(t)).RegisterRoutes(mux)

	rec := do(mux, http.MethodGet, "/stream/sse?run_id=r1&agents=planner", "")
	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "id: 2\nevent: completed\n")
	assert.NotContains(t, body, "researcher-1")
	assert.Contains(t, body, "id: 4\n")

	rec = do(mux, http.MethodGet, "/stream/sse?run_id=r1", "", "Last-Event-ID", "3")
	assert.NotContains(t, rec.Body.String(), "id: 3\n")
	assert.Contains(t, rec.Body.String(), "id: 4\n")

	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodGet, "/stream/sse", "").Code)
}

type fakeBacklog struct{ events []streaming.Event }

func (f fakeBacklog) ReadSince(_ context.Context, _ string, since uint64) ([]streaming.Event, error) {
	var out []streaming.Event
	for _, e := range f.events {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestSSEFallsBackToBacklog(t *testing.T) {
	m := streaming.NewManager(16, zaptest.NewLogger(t))
	backlog := fakeBacklog{events: []streaming.Event{
		{RunID: "gone", Seq: 1, Agent: streaming.AgentOrchestrator, Status: streaming.StatusStarted},
		{RunID: "gone", Seq: 2, Agent: streaming.AgentOrchestrator, Status: streaming.StatusFailed, Message: "run timeout"},
	}}
	mux := http.NewServeMux()
	NewStreamingHandler(m, backlog, zaptest.NewLogger(t)).RegisterRoutes(mux)

	rec := do(mux, http.MethodGet, "/stream/sse?run_id=gone", "")
	assert.Contains(t, rec.Body.String(), "event: failed\n")
}

func TestSSEForwardsLiveEvents(t *testing.T) {
	m := streaming.NewManager(16, zaptest.NewLogger(t))
	h := NewStreamingHandler(m, nil, zaptest.NewLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(h.handleSSE))
	defer srv.Close()

	go func() {
		// wait for the subscriber before publishing
		for i := 0; i < 100; i++ {
			time.Sleep(10 * time.Millisecond)
			if m.Subscribers("live") > 0 {
				break
			}
		}
		publishRun(m, "live")
	}()

	resp, err := http.Get(srv.URL + "?run_id=live")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "id: 1\n")
	assert.Contains(t, buf.String(), "id: 4\n")
}

func TestWebSocketStreamsEvents(t *testing.T) {
	m := streaming.NewManager(16, zaptest.NewLogger(t))
	publishRun(m, "ws")
	h := NewStreamingHandler(m, nil, zaptest.NewLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(h.handleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?run_id=ws&last_event_id=1", nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []streaming.Event
	for {
		var e streaming.Event
		if err := conn.ReadJSON(&e); err != nil {
			break
		}
		got = append(got, e)
	}
	require.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.True(t, got[2].Terminal())
}
