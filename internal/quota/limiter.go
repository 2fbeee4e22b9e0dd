// Package quota enforces the per-account daily sending limit. Each
// service account carries a rolling daily counter that resets on the
// first touch of a new local day, either lazily during a check or by
// the sweep in ResetScheduler.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// LimitExceededError is returned when a batch would push an account
// past its daily limit. The message format is matched by API clients,
// so it must not change shape.
type LimitExceededError struct {
	AccountID int64
	Over      int
	Remaining int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("Daily limit exceeded: %d over limit", e.Over)
}

// CheckResult reports whether an account can take n more sends today.
type CheckResult struct {
	CanSend   bool
	Remaining int
	Over      int
}

// Err converts a failed check into the error a caller should record.
// Returns nil when the check passed.
func (r CheckResult) Err(accountID int64) error {
	if r.CanSend {
		return nil
	}
	return &LimitExceededError{AccountID: accountID, Over: r.Over, Remaining: r.Remaining}
}

// Limiter checks and applies daily send counts against the
// service_accounts table.
type Limiter struct {
	db  *sql.DB
	now func() time.Time
}

func NewLimiter(db *sql.DB) *Limiter {
	return &Limiter{db: db, now: time.Now}
}

// Check reports whether the account can send n more emails today.
// If the account's reset date is behind the current day the counter
// is banked and zeroed in the same transaction, so a process that was
// down over midnight still starts the day fresh.
func (l *Limiter) Check(ctx context.Context, accountID int64, n int) (CheckResult, error) {
	today := dateOf(l.now())

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return CheckResult{}, err
	}
	defer tx.Rollback()

	var limit, sent int
	var resetDate time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT daily_limit, daily_sent, daily_reset_date
		FROM service_accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&limit, &sent, &resetDate)
	if err == sql.ErrNoRows {
		return CheckResult{}, fmt.Errorf("service account %d not found", accountID)
	}
	if err != nil {
		return CheckResult{}, err
	}

	if dateOf(resetDate) < today {
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_accounts
			SET total_sent_all_time = total_sent_all_time + daily_sent,
			    daily_sent = 0,
			    daily_reset_date = $2
			WHERE id = $1`, accountID, today); err != nil {
			return CheckResult{}, err
		}
		sent = 0
		log.Printf("[DailyLimit] Auto-reset daily counter for account %d", accountID)
	}

	if err := tx.Commit(); err != nil {
		return CheckResult{}, err
	}

	remaining := limit - sent
	over := sent + n - limit
	if over < 0 {
		over = 0
	}
	return CheckResult{CanSend: remaining >= n, Remaining: remaining, Over: over}, nil
}

// Apply adds a batch's successful sends to the account's daily
// counter. Test-after probes are not counted; callers pass only real
// campaign sends.
func (l *Limiter) Apply(ctx context.Context, accountID int64, sent int) error {
	if sent <= 0 {
		return nil
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE service_accounts
		SET daily_sent = daily_sent + $2
		WHERE id = $1`, accountID, sent)
	return err
}

// AccountStats is the quota panel for one account. The daily and
// all-time counts come from email_logs rather than the account
// counters, so the panel stays truthful even if a counter drifts.
type AccountStats struct {
	AccountID        int64   `json:"account_id"`
	AccountName      string  `json:"account_name"`
	DailyLimit       int     `json:"daily_limit"`
	DailySent        int     `json:"daily_sent"`
	DailyRemaining   int     `json:"daily_remaining"`
	TotalSentAllTime int     `json:"total_sent_all_time"`
	TodayFailed      int     `json:"today_failed"`
	DailyResetDate   string  `json:"daily_reset_date"`
	SuccessRate      float64 `json:"success_rate"`
}

// Stats returns the quota panel for one account, or nil when the
// account does not exist.
func (l *Limiter) Stats(ctx context.Context, accountID int64) (*AccountStats, error) {
	var s AccountStats
	var resetDate time.Time
	err := l.db.QueryRowContext(ctx, `
		SELECT id, name, daily_limit, daily_reset_date
		FROM service_accounts
		WHERE id = $1`, accountID).Scan(&s.AccountID, &s.AccountName, &s.DailyLimit, &resetDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.DailyResetDate = dateOf(resetDate)

	midnight := startOfDay(l.now())
	err = l.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'sent' AND created_at >= $2) as today_sent,
			COUNT(*) FILTER (WHERE status = 'sent') as total_sent,
			COUNT(*) FILTER (WHERE status = 'failed' AND created_at >= $2) as today_failed
		FROM email_logs
		WHERE service_account_id = $1`, accountID, midnight).Scan(&s.DailySent, &s.TotalSentAllTime, &s.TodayFailed)
	if err != nil {
		return nil, err
	}

	s.DailyRemaining = s.DailyLimit - s.DailySent
	if s.DailyRemaining < 0 {
		s.DailyRemaining = 0
	}
	if resolved := s.DailySent + s.TodayFailed; resolved > 0 {
		s.SuccessRate = round2(float64(s.DailySent) / float64(resolved) * 100)
	}
	return &s, nil
}

// AllStats returns the quota panel for every account, ordered by name.
func (l *Limiter) AllStats(ctx context.Context) ([]AccountStats, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id FROM service_accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := make([]AccountStats, 0, len(ids))
	for _, id := range ids {
		s, err := l.Stats(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			stats = append(stats, *s)
		}
	}
	return stats, nil
}

// dateOf renders the calendar day in t's own location. Daily limits
// roll on the process-local day, matching the midnight sweep.
func dateOf(t time.Time) string {
	return t.Format("2006-01-02")
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
