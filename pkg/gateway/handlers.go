package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strandworks/strand/pkg/approval"
	"github.com/strandworks/strand/pkg/event"
	"github.com/strandworks/strand/pkg/runs"
)

// errorResponse is the JSON body for every non-2xx answer.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to write response body", "error", err)
	}
}

// submitRunRequest is the body for POST /v1/runs.
type submitRunRequest struct {
	Input      string            `json:"input"`
	AgentID    string            `json:"agent_id,omitempty"`
	GroupID    string            `json:"group_id,omitempty"`
	SessionKey string            `json:"session_key,omitempty"`
	Model      *runs.ModelConfig `json:"model,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	claims := claimsFrom(r)
	run := &runs.Run{
		Scope:      claims.Scope(),
		SessionKey: req.SessionKey,
		Input:      req.Input,
		Status:     runs.StatusPending,
		AgentID:    req.AgentID,
		GroupID:    req.GroupID,
		Model:      req.Model,
		Metadata:   req.Metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if run.AgentID == "" {
		run.AgentID = runs.DefaultAgentID
	}

	if err := g.scheduler.Submit(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to submit run: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// loadScopedRun fetches the run and enforces org isolation: a run owned
// by another org answers 404, not 403, so ids do not leak.
func (g *Gateway) loadScopedRun(w http.ResponseWriter, r *http.Request) *runs.Run {
	runID := chi.URLParam(r, "runID")
	run, err := g.repo.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run: %v", err))
		}
		return nil
	}
	if run.Scope.OrgID != claimsFrom(r).OrgID {
		writeError(w, http.StatusNotFound, "run not found")
		return nil
	}
	return run
}

func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run := g.loadScopedRun(w, r)
	if run == nil {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (g *Gateway) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run := g.loadScopedRun(w, r)
	if run == nil {
		return
	}
	if err := g.scheduler.Cancel(r.Context(), run.ID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to cancel run: %v", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID, "status": "cancelling"})
}

// eventPage is the body for GET /v1/runs/{id}/events.
type eventPage struct {
	Events     []*event.Event `json:"events"`
	NextCursor *int64         `json:"next_cursor,omitempty"`
}

func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	run := g.loadScopedRun(w, r)
	if run == nil {
		return
	}

	cursor, err := parseInt64(r.URL.Query().Get("cursor"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	limit64, err := parseInt64(r.URL.Query().Get("limit"), int64(g.cfg.EventPageLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit := int(limit64)
	if limit <= 0 || limit > g.cfg.EventPageLimit {
		limit = g.cfg.EventPageLimit
	}

	events, next, err := g.bus.List(r.Context(), run.ID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list events: %v", err))
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, eventPage{Events: events, NextCursor: next})
}

// handleStreamEvents serves the run's event feed as SSE: persisted
// history from the cursor first, then the live subscription. The
// subscription is attached before replay so events appended during the
// catch-up are not lost; replayed sequence numbers dedupe the overlap.
func (g *Gateway) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	run := g.loadScopedRun(w, r)
	if run == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	cursor, err := parseInt64(r.URL.Query().Get("cursor"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := g.bus.Subscribe(run.ID)
	defer sub.Unsubscribe()

	lastSeq := cursor
	for {
		events, next, err := g.bus.List(r.Context(), run.ID, lastSeq, g.cfg.EventPageLimit)
		if err != nil {
			slog.Warn("Event replay failed mid-stream", "run_id", run.ID, "error", err)
			return
		}
		for _, ev := range events {
			if err := writeSSE(w, ev); err != nil {
				return
			}
			lastSeq = ev.Seq
		}
		flusher.Flush()
		if next == nil {
			break
		}
	}

	keepalive := time.NewTicker(g.cfg.SSEKeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			// Persisted events replayed above arrive again on the live
			// feed; transient token events carry Seq 0 and always pass.
			if ev.Seq != 0 && ev.Seq <= lastSeq {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Seq != 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (g *Gateway) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	pending, err := g.broker.ListPending(r.Context(), claims.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list approvals: %v", err))
		return
	}
	if pending == nil {
		pending = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

// decisionRequest is the body for POST /v1/approvals/{run_id}/{tool_call_id}.
type decisionRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func (g *Gateway) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	toolCallID := chi.URLParam(r, "toolCallID")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	existing, err := g.broker.Get(r.Context(), runID, toolCallID)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval request not found")
		} else {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load approval: %v", err))
		}
		return
	}
	if existing.OrgID != claimsFrom(r).OrgID {
		writeError(w, http.StatusNotFound, "approval request not found")
		return
	}

	decided, err := g.broker.Decide(r.Context(), runID, toolCallID,
		approval.Decision{Approve: req.Approve, Reason: req.Reason})
	if err != nil {
		if errors.Is(err, approval.ErrAlreadyDecided) {
			writeError(w, http.StatusConflict, "approval request already decided")
		} else {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to decide approval: %v", err))
		}
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

func (g *Gateway) handleSpans(w http.ResponseWriter, r *http.Request) {
	if g.spans == nil {
		writeJSON(w, http.StatusOK, map[string]any{"spans": []any{}})
		return
	}
	limit64, err := parseInt64(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spans": g.spans.Recent(int(limit64))})
}

func parseInt64(s string, fallback int64) (int64, error) {
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}
