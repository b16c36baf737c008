package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/db"
	"github.com/Kocoro-lab/Shannon/go/research/internal/formatting"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/orchestrator"
)

const (
	maxBatchQueries = 20
	maxRetainedRuns = 512
)

// Runner executes research runs.
type Runner interface {
	Run(ctx context.Context, runID string, q models.Query) (orchestrator.Result, error)
	ResearchParallel(ctx context.Context, queries []models.Query) []orchestrator.Result
}

// ReportStore persists finished reports. *db.Client implements it.
type ReportStore interface {
	QueueReport(rep models.Report, runErr error, callback func(error)) error
	GetReport(ctx context.Context, runID string) (models.Report, error)
	ListRuns(ctx context.Context, limit int) ([]db.RunSummary, error)
}

type runEntry struct {
	id      string
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	result  orchestrator.Result
}

// ResearchHandler serves the research API.
//
//	POST   /v1/research             start a run, returns its id
//	POST   /v1/research/batch       run several queries and wait for all of them
//	GET    /v1/research             list stored runs
//	GET    /v1/research/{id}        report as json, or ?format=markdown
//	GET    /v1/research/{id}/markdown
//	DELETE /v1/research/{id}        cancel a running run
type ResearchHandler struct {
	runner    Runner
	store     ReportStore
	logger    *zap.Logger
	authToken string
	newID     func() string

	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	runs     map[string]*runEntry
	finished []string
}

// NewResearchHandler creates a handler. store may be nil; authToken empty disables auth.
func NewResearchHandler(runner Runner, store ReportStore, authToken string, logger *zap.Logger) *ResearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ResearchHandler{
		runner:    runner,
		store:     store,
		logger:    logger,
		authToken: authToken,
		newID:     orchestrator.NewRunID,
		baseCtx:   ctx,
		stop:      cancel,
		runs:      make(map[string]*runEntry),
	}
}

// RegisterRoutes registers the research endpoints on mux.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/research", h.handleStart)
	mux.HandleFunc("POST /v1/research/batch", h.handleBatch)
	mux.HandleFunc("GET /v1/research", h.handleList)
	mux.HandleFunc("GET /v1/research/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/research/{id}/markdown", h.handleMarkdown)
	mux.HandleFunc("DELETE /v1/research/{id}", h.handleCancel)
}

// Close cancels in-flight runs and waits for them to record their partial reports.
func (h *ResearchHandler) Close() {
	h.stop()
	h.wg.Wait()
}

type researchRequest struct {
	Query string   `json:"query"`
	Depth string   `json:"depth,omitempty"`
	Tools []string `json:"tools,omitempty"`
}

func (r researchRequest) toQuery() (models.Query, error) {
	q := models.Query{Text: strings.TrimSpace(r.Query), Depth: models.Depth(r.Depth), Tools: r.Tools}
	if err := q.Validate(); err != nil {
		return q, err
	}
	q.Depth, _ = models.ParseDepth(r.Depth)
	return q, nil
}

func (h *ResearchHandler) authorized(w http.ResponseWriter, r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func (h *ResearchHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var req researchRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	q, err := req.toQuery()
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
		return
	}

	id := h.newID()
	ctx, cancel := context.WithCancel(h.baseCtx)
	entry := &runEntry{id: id, cancel: cancel, done: make(chan struct{}), started: time.Now()}
	h.mu.Lock()
	h.runs[id] = entry
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		res, runErr := h.runner.Run(ctx, id, q)
		h.finish(entry, res, runErr)
	}()

	h.logger.Info("Research run accepted", zap.String("run_id", id), zap.String("depth", string(q.Depth)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":     id,
		"state":      models.StatePending,
		"stream_url": "/stream/sse?run_id=" + id,
	})
}

func (h *ResearchHandler) finish(entry *runEntry, res orchestrator.Result, runErr error) {
	h.mu.Lock()
	entry.result = res
	close(entry.done)
	h.finished = append(h.finished, entry.id)
	for len(h.finished) > maxRetainedRuns {
		delete(h.runs, h.finished[0])
		h.finished = h.finished[1:]
	}
	h.mu.Unlock()
	h.persist(res.Report, runErr)
}

func (h *ResearchHandler) persist(rep models.Report, runErr error) {
	if h.store == nil {
		return
	}
	runID := rep.RunID
	if err := h.store.QueueReport(rep, runErr, func(err error) {
		if err != nil {
			h.logger.Warn("Report not persisted", zap.String("run_id", runID), zap.Error(err))
		}
	}); err != nil {
		h.logger.Warn("Report not queued", zap.String("run_id", runID), zap.Error(err))
	}
}

func (h *ResearchHandler) lookup(id string) (*runEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.runs[id]
	return e, ok
}

func (h *ResearchHandler) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	h.serveReport(w, r, formatting.FormatMarkdown)
}

func (h *ResearchHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.serveReport(w, r, formatting.Format(r.URL.Query().Get("format")))
}

func (h *ResearchHandler) serveReport(w http.ResponseWriter, r *http.Request, format formatting.Format) {
	id := r.PathValue("id")

	if entry, ok := h.lookup(id); ok {
		select {
		case <-entry.done:
			h.writeReport(w, entry.result.Report, format)
		default:
			writeJSON(w, http.StatusAccepted, map[string]any{
				"run_id":     id,
				"state":      "running",
				"started_at": entry.started.UTC().Format(time.RFC3339),
			})
		}
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	rep, err := h.store.GetReport(r.Context(), id)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load report", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	h.writeReport(w, rep, format)
}

func (h *ResearchHandler) writeReport(w http.ResponseWriter, rep models.Report, format formatting.Format) {
	body, err := formatting.Render(rep, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
		return
	}
	if format == formatting.FormatMarkdown || format == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *ResearchHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	id := r.PathValue("id")
	entry, ok := h.lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	select {
	case <-entry.done:
		writeError(w, http.StatusConflict, "run already finished")
		return
	default:
	}
	entry.cancel()
	h.logger.Info("Research run cancelled by client", zap.String("run_id", id))
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "state": "cancelling"})
}

func (h *ResearchHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []db.RunSummary{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type batchResult struct {
	RunID      string         `json:"run_id"`
	State      string         `json:"state"`
	Confidence string         `json:"confidence"`
	Error      string         `json:"error,omitempty"`
	Report     *models.Report `json:"report"`
}

func (h *ResearchHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var req struct {
		Queries []researchRequest `json:"queries"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Queries) == 0 || len(req.Queries) > maxBatchQueries {
		writeError(w, http.StatusBadRequest, "queries must hold between 1 and "+strconv.Itoa(maxBatchQueries)+" entries")
		return
	}
	queries := make([]models.Query, 0, len(req.Queries))
	for i, rq := range req.Queries {
		q, err := rq.toQuery()
		if err != nil {
			writeError(w, http.StatusBadRequest, "query "+strconv.Itoa(i)+": "+sanitizeErr(err.Error()))
			return
		}
		queries = append(queries, q)
	}

	results := h.runner.ResearchParallel(r.Context(), queries)
	out := make([]batchResult, len(results))
	for i, res := range results {
		rep := res.Report
		out[i] = batchResult{RunID: rep.RunID, State: string(rep.State), Confidence: rep.Confidence, Report: &rep}
		if res.Err != nil {
			out[i].Error = sanitizeErr(res.Err.Error())
		}
		h.persist(rep, res.Err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
