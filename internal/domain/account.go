package domain

import (
	"time"
)

// AccountStatus enumerates the operational states of a service account.
type AccountStatus string

const (
	AccountActive        AccountStatus = "active"
	AccountInactive      AccountStatus = "inactive"
	AccountError         AccountStatus = "error"
	AccountQuotaExceeded AccountStatus = "quota_exceeded"
)

// Account is a Google Workspace service account with domain-wide delegation.
// One account can impersonate every user in its domain.
type Account struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	ClientEmail string `json:"client_email" db:"client_email"`
	Domain      string `json:"domain" db:"domain"`
	ProjectID   string `json:"project_id" db:"project_id"`

	// AdminEmail is the impersonation principal for directory reads and
	// the exclusion anchor for the sender pool.
	AdminEmail string `json:"admin_email" db:"admin_email"`

	// EncryptedJSON holds the fernet-encrypted service account key file.
	// Decrypted material lives only in memory, never in logs or responses.
	EncryptedJSON string `json:"-" db:"encrypted_json"`

	Status     AccountStatus `json:"status" db:"status"`
	TotalUsers int           `json:"total_users" db:"total_users"`

	DailyLimit       int       `json:"daily_limit" db:"daily_limit"`
	DailySent        int       `json:"daily_sent" db:"daily_sent"`
	DailyResetDate   time.Time `json:"daily_reset_date" db:"daily_reset_date"`
	TotalSentAllTime int64     `json:"total_sent_all_time" db:"total_sent_all_time"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	LastSynced *time.Time `json:"last_synced" db:"last_synced"`
}

// RemainingToday returns how many more emails the account may send today.
func (a *Account) RemainingToday() int {
	remaining := a.DailyLimit - a.DailySent
	if remaining < 0 {
		return 0
	}
	return remaining
}

// User is a mailbox inside an account's domain, usable as a sender identity.
type User struct {
	ID        int64 `json:"id" db:"id"`
	AccountID int64 `json:"service_account_id" db:"service_account_id"`

	Email     string `json:"email" db:"email"`
	FullName  string `json:"full_name" db:"full_name"`
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`

	EmailsSentToday int  `json:"emails_sent_today" db:"emails_sent_today"`
	QuotaLimit      int  `json:"quota_limit" db:"quota_limit"`
	IsActive        bool `json:"is_active" db:"is_active"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	LastUsed  *time.Time `json:"last_used" db:"last_used"`
}
