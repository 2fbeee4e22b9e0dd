package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/pkg/logger"
)

// ListAccounts handles GET /api/accounts. Key material never leaves
// the store; the Account JSON shape omits it.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": accounts,
		"total": len(accounts),
	})
}

type createAccountRequest struct {
	Name               string `json:"name"`
	Domain             string `json:"domain"`
	AdminEmail         string `json:"admin_email"`
	DailyLimit         int    `json:"daily_limit"`
	ServiceAccountJSON string `json:"service_account_json"`
}

// CreateAccount handles POST /api/accounts. The service account key
// file arrives raw, is validated, and is encrypted before it ever
// reaches the store.
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "Account name is required")
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		respondError(w, http.StatusBadRequest, "Workspace domain is required")
		return
	}
	if !strings.Contains(req.AdminEmail, "@") {
		respondError(w, http.StatusBadRequest, "Valid admin email is required")
		return
	}

	var key struct {
		Type        string `json:"type"`
		ClientEmail string `json:"client_email"`
		ProjectID   string `json:"project_id"`
	}
	if err := json.Unmarshal([]byte(req.ServiceAccountJSON), &key); err != nil {
		respondError(w, http.StatusBadRequest, "service_account_json is not valid JSON")
		return
	}
	if key.Type != "service_account" || key.ClientEmail == "" {
		respondError(w, http.StatusBadRequest, "service_account_json is not a service account key file")
		return
	}

	encrypted, err := h.creds.Encrypt(req.ServiceAccountJSON)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}

	if req.DailyLimit <= 0 {
		req.DailyLimit = h.defaultDailyLimit
	}
	account := &domain.Account{
		Name:          req.Name,
		ClientEmail:   key.ClientEmail,
		Domain:        req.Domain,
		ProjectID:     key.ProjectID,
		AdminEmail:    req.AdminEmail,
		EncryptedJSON: encrypted,
		DailyLimit:    req.DailyLimit,
	}

	id, err := h.store.CreateAccount(r.Context(), account)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	created, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	logger.Info("account created", "account_id", id, "domain", req.Domain, "admin_email", req.AdminEmail)
	respondJSON(w, http.StatusCreated, created)
}

// GetAccount handles GET /api/accounts/{id}.
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

// GetAccountStats handles GET /api/accounts/{id}/stats.
func (h *Handlers) GetAccountStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	stats, err := h.store.GetAccountStats(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// SyncAccountUsers handles POST /api/accounts/{id}/sync. It pulls the
// current mailbox list through the Directory API as the account's
// admin and replaces the stored user set. Admin mailboxes are kept but
// deactivated so the sender pool never picks them.
func (h *Handlers) SyncAccountUsers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	credentialJSON, err := h.creds.Decrypt(account.EncryptedJSON)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	users, err := h.directory.FetchWorkspaceUsers(r.Context(), credentialJSON, account.AdminEmail)
	if err != nil {
		respondError(w, http.StatusBadGateway, "Directory sync failed: "+err.Error())
		return
	}

	for i := range users {
		users[i].AccountID = id
		if strings.EqualFold(users[i].Email, account.AdminEmail) {
			users[i].IsActive = false
		}
	}

	active, err := h.store.ReplaceAccountUsers(r.Context(), id, users, h.now())
	if err != nil {
		respondEngineError(w, err)
		return
	}

	logger.Info("directory synced", "account_id", id, "synced", len(users), "active", active)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"synced": len(users),
		"active": active,
	})
}
