package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/engine"
	"github.com/ignite/workspace-mailer/internal/pkg/logger"
	"github.com/ignite/workspace-mailer/internal/storage/postgres"
)

// CampaignEngine is the slice of the engine the HTTP layer drives.
type CampaignEngine interface {
	PrepareCampaign(ctx context.Context, id int64) (*engine.PrepareResult, error)
	ResumeCampaign(ctx context.Context, id int64) (*engine.ResumeResult, error)
	ControlCampaign(ctx context.Context, id int64, action string) (*engine.ControlResult, error)
	CampaignProgress(ctx context.Context, id int64) (*engine.ProgressReport, error)
	StreamCampaignProgress(ctx context.Context, id int64) (<-chan engine.ProgressReport, error)
	TailCampaignLogs(ctx context.Context, id int64, offset, limit int64) (*engine.LogPage, error)
}

// Store is the CRUD surface behind the handlers.
type Store interface {
	GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error)
	CreateCampaign(ctx context.Context, c *domain.Campaign) (int64, error)
	ListCampaigns(ctx context.Context, f postgres.CampaignFilter) ([]domain.Campaign, int, error)
	UpdateCampaignContent(ctx context.Context, id int64, p postgres.ContentPatch) error
	DeleteCampaign(ctx context.Context, id int64) error
	DuplicateCampaign(ctx context.Context, id int64, name string) (*domain.Campaign, error)

	ListAccounts(ctx context.Context) ([]domain.Account, error)
	CreateAccount(ctx context.Context, a *domain.Account) (int64, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetAccountStats(ctx context.Context, id int64) (*postgres.AccountStats, error)
	ReplaceAccountUsers(ctx context.Context, accountID int64, users []domain.User, syncedAt time.Time) (int, error)
}

// Credentials encrypts service-account key material at rest.
type Credentials interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// Directory fetches the mailbox users of a Workspace domain.
type Directory interface {
	FetchWorkspaceUsers(ctx context.Context, credentialJSON, adminEmail string) ([]domain.User, error)
}

// Handlers carries the wired dependencies for every route.
type Handlers struct {
	eng               CampaignEngine
	store             Store
	creds             Credentials
	directory         Directory
	defaultDailyLimit int
	now               func() time.Time
}

// NewHandlers wires the HTTP handlers. defaultDailyLimit applies to
// new accounts created without an explicit limit.
func NewHandlers(eng CampaignEngine, store Store, creds Credentials, directory Directory, defaultDailyLimit int) *Handlers {
	if defaultDailyLimit <= 0 {
		defaultDailyLimit = 2000
	}
	return &Handlers{
		eng:               eng,
		store:             store,
		creds:             creds,
		directory:         directory,
		defaultDailyLimit: defaultDailyLimit,
		now:               time.Now,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondEngineError maps engine error kinds onto HTTP statuses:
// missing rows 404, state conflicts 409, bad content 400, the rest 500.
func respondEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.Is(err, engine.ErrCampaignNotFound), errors.Is(err, engine.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrNotPrepared):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("request failed", "error", err.Error())
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func queryInt(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}
