package engine

import (
	"context"
	"time"

	"github.com/ignite/workspace-mailer/internal/domain"
)

// Datastore is the relational surface the engine consumes. The
// postgres implementation lives in internal/storage/postgres; tests
// use an in-memory fake. Implementations return ErrCampaignNotFound
// and ErrAccountNotFound for missing rows and ErrInvalidTransition
// when an UpdateCampaign status precondition matches nothing.
type Datastore interface {
	GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error)
	UpdateCampaign(ctx context.Context, id int64, patch CampaignPatch) error

	// ListPendingEmailLogs returns the re-queueable rows (status
	// pending, failed, or retry) in id order.
	ListPendingEmailLogs(ctx context.Context, campaignID int64) ([]domain.EmailLog, error)
	// CountEmailLogsByStatus returns per-status row counts for one
	// campaign. Missing statuses are absent from the map.
	CountEmailLogsByStatus(ctx context.Context, campaignID int64) (map[domain.EmailStatus]int, error)
	// BulkInsertEmailLogs inserts the rows and returns them with ids
	// assigned, in input order.
	BulkInsertEmailLogs(ctx context.Context, logs []domain.EmailLog) ([]domain.EmailLog, error)
	UpdateEmailLog(ctx context.Context, id int64, patch EmailLogPatch) error
	// FailPendingEmailLogs marks every pending or retry row failed with
	// the given reason, moves the campaign counters with it, and
	// returns how many rows changed.
	FailPendingEmailLogs(ctx context.Context, campaignID int64, reason string, at time.Time) (int, error)

	GetAccountsForCampaign(ctx context.Context, campaignID int64) ([]domain.Account, error)
	GetActiveUsersForAccount(ctx context.Context, accountID int64) ([]domain.User, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)

	// CommitBatch applies one executor's results in a single
	// transaction: EmailLog rows, campaign counters, the COMPLETED
	// transition, and the sender user's stats. The account's daily_sent
	// is applied separately through the QuotaKeeper.
	CommitBatch(ctx context.Context, commit BatchCommit) (CommitOutcome, error)

	// EmailLogStatsByAccount aggregates per-account outcome counts for
	// the progress report.
	EmailLogStatsByAccount(ctx context.Context, campaignID int64) ([]AccountLogStats, error)
}

// CampaignPatch is a partial campaign update; nil fields are left
// unchanged. When ExpectStatus is non-empty the update applies only if
// the current status is in the set, otherwise ErrInvalidTransition.
type CampaignPatch struct {
	ExpectStatus []domain.CampaignStatus

	Status          *domain.CampaignStatus
	SentCount       *int
	FailedCount     *int
	PendingCount    *int
	TotalRecipients *int
	DispatchID      *string

	PreparedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	PausedAt    *time.Time
}

// EmailLogPatch is a partial EmailLog update; nil fields are left
// unchanged.
type EmailLogPatch struct {
	Status       *domain.EmailStatus
	MessageID    *string
	ErrorMessage *string
	RetryCount   *int
	SentAt       *time.Time
	FailedAt     *time.Time
}

// Result is the outcome of one task. EmailLogID is nil for test-after
// probes, which never touch rows or campaign counters.
type Result struct {
	EmailLogID *int64 `json:"email_log_id"`
	Success    bool   `json:"success"`
	MessageID  string `json:"message_id,omitempty"`
	Err        string `json:"error,omitempty"`
}

// BatchCommit is the single write a batch executor performs.
type BatchCommit struct {
	CampaignID int64
	// UserID is the sender identity whose emails_sent_today and
	// last_used move with this commit.
	UserID  int64
	Results []Result
	At      time.Time
}

// CommitOutcome reports what the commit did. Committed is false when a
// terminal campaign status froze the campaign and the results were
// discarded.
type CommitOutcome struct {
	Committed    bool
	Status       domain.CampaignStatus
	PendingCount int
	// Completed is true when this commit took the COMPLETED transition.
	Completed bool
}

// AccountLogStats is one account's slice of a campaign's EmailLog
// outcomes.
type AccountLogStats struct {
	AccountName string `json:"account_name"`
	Sent        int    `json:"sent"`
	Failed      int    `json:"failed"`
	Pending     int    `json:"pending"`
}
