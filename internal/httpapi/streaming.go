package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

// EventBacklog replays events of runs this process no longer holds in memory.
// streaming.RedisSink and db.EventSink implement it.
type EventBacklog interface {
	ReadSince(ctx context.Context, runID string, since uint64) ([]streaming.Event, error)
}

// StreamingHandler serves SSE and WebSocket endpoints for run events.
type StreamingHandler struct {
	mgr       *streaming.Manager
	backlog   EventBacklog
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewStreamingHandler creates a handler. backlog may be nil.
func NewStreamingHandler(mgr *streaming.Manager, backlog EventBacklog, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, backlog: backlog, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers streaming routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	mux.HandleFunc("/stream/ws", h.handleWS)
}

type streamRequest struct {
	runID  string
	lastID uint64
	agents map[string]struct{}
}

func parseStreamRequest(r *http.Request) (streamRequest, error) {
	req := streamRequest{runID: r.URL.Query().Get("run_id"), agents: map[string]struct{}{}}
	if req.runID == "" {
		return req, fmt.Errorf("run_id required")
	}
	if s := r.URL.Query().Get("agents"); s != "" {
		for _, a := range strings.Split(s, ",") {
			if a = strings.TrimSpace(a); a != "" {
				req.agents[a] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query parameter
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			req.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && req.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			req.lastID = n
		}
	}
	return req, nil
}

func (s streamRequest) wants(e streaming.Event) bool {
	if len(s.agents) == 0 || e.Terminal() {
		return true
	}
	_, ok := s.agents[e.Agent]
	return ok
}

// stream subscribes, replays everything after lastID and then forwards live events until the
// run ends, the client leaves, or send fails. Events are delivered once, in Seq order.
func (h *StreamingHandler) stream(ctx context.Context, req streamRequest, send func(streaming.Event) error, ping func() error) {
	ch := h.mgr.Subscribe(req.runID, 256)
	defer h.mgr.Unsubscribe(req.runID, ch)

	last := req.lastID
	forward := func(e streaming.Event) (bool, error) {
		if e.Seq <= last {
			return false, nil
		}
		last = e.Seq
		if req.wants(e) {
			if err := send(e); err != nil {
				return false, err
			}
		}
		return e.Terminal(), nil
	}

	backlog := h.mgr.ReplaySince(req.runID, req.lastID)
	if len(backlog) == 0 && !h.mgr.Known(req.runID) && h.backlog != nil {
		stored, err := h.backlog.ReadSince(ctx, req.runID, req.lastID)
		if err != nil {
			h.logger.Warn("Event backlog unavailable", zap.String("run_id", req.runID), zap.Error(err))
		}
		backlog = stored
	}
	for _, e := range backlog {
		if done, err := forward(e); done || err != nil {
			return
		}
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Stream client disconnected", zap.String("run_id", req.runID))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if done, err := forward(e); done || err != nil {
				return
			}
		case <-hb.C:
			if err := ping(); err != nil {
				return
			}
		}
	}
}

// handleSSE streams events for a run via Server-Sent Events.
// GET /stream/sse?run_id=<id>&agents=planner,researcher-1&last_event_id=<seq>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": connected to run %s\n\n", req.runID)
	flusher.Flush()

	h.stream(r.Context(), req, func(e streaming.Event) error {
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Status, e.Marshal()); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, func() error {
		// keeps idle connections open through proxies
		if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}
