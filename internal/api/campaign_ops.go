package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ignite/workspace-mailer/internal/pkg/logger"
)

// PrepareCampaign handles POST /api/campaigns/{id}/prepare. It builds
// the sender pool, renders every recipient, and loads the task queue.
func (h *Handlers) PrepareCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	res, err := h.eng.PrepareCampaign(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	logger.Info("campaign prepared", "campaign_id", id, "tasks", res.TotalTasks, "senders", res.SenderCount)
	respondJSON(w, http.StatusOK, res)
}

// ResumeCampaign handles POST /api/campaigns/{id}/resume. It starts
// delivery for a prepared campaign, or picks a paused one back up.
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	res, err := h.eng.ResumeCampaign(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	logger.Info("campaign dispatch started", "campaign_id", id, "dispatch_id", res.DispatchID)
	respondJSON(w, http.StatusOK, res)
}

// ControlCampaign handles POST /api/campaigns/{id}/control with a
// body of {"action": "pause"|"resume"|"cancel"}.
func (h *Handlers) ControlCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.eng.ControlCampaign(r.Context(), id, req.Action)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	logger.Info("campaign control applied", "campaign_id", id, "action", req.Action, "status", string(res.Status))
	respondJSON(w, http.StatusOK, res)
}

// CampaignProgress handles GET /api/campaigns/{id}/progress.
func (h *Handlers) CampaignProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	report, err := h.eng.CampaignProgress(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// StreamCampaignProgress handles GET /api/campaigns/{id}/progress/stream
// as a Server-Sent Events feed. One progress event is pushed per tick
// until the campaign reaches a terminal status or the client drops.
func (h *Handlers) StreamCampaignProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	reports, err := h.eng.StreamCampaignProgress(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for report := range reports {
		data, err := json.Marshal(report)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

// CampaignLogs handles GET /api/campaigns/{id}/logs with offset and
// limit query parameters, returning a page of the live activity feed.
func (h *Handlers) CampaignLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)

	page, err := h.eng.TailCampaignLogs(r.Context(), id, offset, limit)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}
