package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/pkg/logger"
	"github.com/ignite/workspace-mailer/internal/storage/postgres"
)

// CreateCampaign handles POST /api/campaigns.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c domain.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(c.Name) == "" {
		respondError(w, http.StatusBadRequest, "Campaign name is required")
		return
	}
	if strings.TrimSpace(c.Subject) == "" {
		respondError(w, http.StatusBadRequest, "Campaign subject is required")
		return
	}
	if len(c.AccountIDs) == 0 {
		respondError(w, http.StatusBadRequest, "At least one sending account is required")
		return
	}
	for _, rcpt := range c.Recipients {
		if !strings.Contains(rcpt.Email, "@") {
			respondError(w, http.StatusBadRequest, "Invalid recipient email: "+rcpt.Email)
			return
		}
	}

	// New campaigns always start over: client-supplied lifecycle fields
	// are ignored.
	c.ID = 0
	c.Status = domain.CampaignDraft
	c.SentCount = 0
	c.FailedCount = 0
	c.PendingCount = 0
	c.DispatchID = ""

	id, err := h.store.CreateCampaign(r.Context(), &c)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	created, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	logger.Info("campaign created", "campaign_id", id, "recipients", len(c.Recipients), "accounts", len(c.AccountIDs))
	respondJSON(w, http.StatusCreated, created)
}

// ListCampaigns handles GET /api/campaigns.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := postgres.CampaignFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  int(queryInt(r, "limit", 50)),
		Offset: int(queryInt(r, "offset", 0)),
	}

	items, total, err := h.store.ListCampaigns(r.Context(), filter)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if items == nil {
		items = []domain.Campaign{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// GetCampaign handles GET /api/campaigns/{id}.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type campaignPatchRequest struct {
	Name           *string                `json:"name"`
	Subject        *string                `json:"subject"`
	BodyHTML       *string                `json:"body_html"`
	BodyPlain      *string                `json:"body_plain"`
	FromName       *string                `json:"from_name"`
	ReplyTo        *string                `json:"reply_to"`
	HeaderType     *domain.HeaderType     `json:"header_type"`
	CustomHeader   *string                `json:"custom_header"`
	CustomHeaders  *map[string]string     `json:"custom_headers"`
	TemplateEngine *domain.TemplateEngine `json:"template_engine"`
	Attachments    *[]domain.Attachment   `json:"attachments"`
	Recipients     *[]domain.Recipient    `json:"recipients"`
	RateLimit      *int                   `json:"rate_limit"`
	Concurrency    *int                   `json:"concurrency"`
	TestAfterEmail *string                `json:"test_after_email"`
	TestAfterCount *int                   `json:"test_after_count"`
	AccountIDs     *[]int64               `json:"account_ids"`
}

// UpdateCampaign handles PATCH /api/campaigns/{id}. Only draft
// campaigns accept content changes.
func (h *Handlers) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	var req campaignPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Recipients != nil {
		for _, rcpt := range *req.Recipients {
			if !strings.Contains(rcpt.Email, "@") {
				respondError(w, http.StatusBadRequest, "Invalid recipient email: "+rcpt.Email)
				return
			}
		}
	}

	patch := postgres.ContentPatch{
		Name:           req.Name,
		Subject:        req.Subject,
		BodyHTML:       req.BodyHTML,
		BodyPlain:      req.BodyPlain,
		FromName:       req.FromName,
		ReplyTo:        req.ReplyTo,
		HeaderType:     req.HeaderType,
		CustomHeader:   req.CustomHeader,
		CustomHeaders:  req.CustomHeaders,
		TemplateEngine: req.TemplateEngine,
		Attachments:    req.Attachments,
		Recipients:     req.Recipients,
		RateLimit:      req.RateLimit,
		Concurrency:    req.Concurrency,
		TestAfterEmail: req.TestAfterEmail,
		TestAfterCount: req.TestAfterCount,
		AccountIDs:     req.AccountIDs,
	}

	if err := h.store.UpdateCampaignContent(r.Context(), id, patch); err != nil {
		respondEngineError(w, err)
		return
	}

	updated, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// DeleteCampaign handles DELETE /api/campaigns/{id}. Campaigns that
// are preparing or sending cannot be deleted.
func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	if err := h.store.DeleteCampaign(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}
	logger.Info("campaign deleted", "campaign_id", id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// DuplicateCampaign handles POST /api/campaigns/{id}/duplicate. The
// copy starts as a fresh draft with zeroed counters.
func (h *Handlers) DuplicateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	dup, err := h.store.DuplicateCampaign(r.Context(), id, req.Name)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, dup)
}
