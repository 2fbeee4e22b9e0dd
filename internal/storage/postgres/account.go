package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/engine"
)

const accountColumns = `
	id, name, COALESCE(client_email,''), domain, COALESCE(project_id,''),
	admin_email, encrypted_json, status, total_users,
	daily_limit, daily_sent, daily_reset_date, total_sent_all_time,
	created_at, updated_at, last_synced`

func scanAccountRow(scan func(...interface{}) error) (*domain.Account, error) {
	a := &domain.Account{}
	var lastSynced sql.NullTime
	err := scan(
		&a.ID, &a.Name, &a.ClientEmail, &a.Domain, &a.ProjectID,
		&a.AdminEmail, &a.EncryptedJSON, &a.Status, &a.TotalUsers,
		&a.DailyLimit, &a.DailySent, &a.DailyResetDate, &a.TotalSentAllTime,
		&a.CreatedAt, &a.UpdatedAt, &lastSynced,
	)
	if err != nil {
		return nil, err
	}
	a.LastSynced = timePtr(lastSynced)
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM service_accounts WHERE id = $1`, id)
	a, err := scanAccountRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, engine.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetAccountsForCampaign returns the campaign's linked accounts in
// link order, which fixes the sender pool order.
func (s *Store) GetAccountsForCampaign(ctx context.Context, campaignID int64) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM service_accounts
		JOIN campaign_senders cs ON cs.service_account_id = service_accounts.id
		WHERE cs.campaign_id = $1
		ORDER BY cs.position`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccountRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) GetActiveUsersForAccount(ctx context.Context, accountID int64) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_account_id, email, COALESCE(full_name,''),
		       COALESCE(first_name,''), COALESCE(last_name,''),
		       emails_sent_today, quota_limit, is_active,
		       created_at, updated_at, last_used
		FROM workspace_users
		WHERE service_account_id = $1 AND is_active = true
		ORDER BY email`, accountID)
	if err != nil {
		return nil, fmt.Errorf("account users: %w", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var u domain.User
		var lastUsed sql.NullTime
		if err := rows.Scan(
			&u.ID, &u.AccountID, &u.Email, &u.FullName,
			&u.FirstName, &u.LastName,
			&u.EmailsSentToday, &u.QuotaLimit, &u.IsActive,
			&u.CreatedAt, &u.UpdatedAt, &lastUsed,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.LastUsed = timePtr(lastUsed)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM service_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccountRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CreateAccount stores a new service account. EncryptedJSON must
// already be encrypted by the caller; raw key material never reaches
// the store.
func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) (int64, error) {
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	if a.DailyLimit <= 0 {
		a.DailyLimit = 2000
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO service_accounts
			(name, client_email, domain, project_id, admin_email,
			 encrypted_json, status, daily_limit, daily_reset_date,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,CURRENT_DATE,NOW(),NOW())
		RETURNING id`,
		a.Name, a.ClientEmail, a.Domain, a.ProjectID, a.AdminEmail,
		a.EncryptedJSON, a.Status, a.DailyLimit).Scan(&a.ID)
	if err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}
	return a.ID, nil
}

// ReplaceAccountUsers applies a directory sync: every known user is
// first deactivated, the fetched set is upserted with its own
// is_active flags, and the account's user count and sync time move in
// the same transaction. Returns how many users are now active.
func (s *Store) ReplaceAccountUsers(ctx context.Context, accountID int64, users []domain.User, syncedAt time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE workspace_users SET is_active = false, updated_at = NOW()
		WHERE service_account_id = $1`, accountID); err != nil {
		return 0, fmt.Errorf("deactivate users: %w", err)
	}

	active := 0
	for _, u := range users {
		if u.IsActive {
			active++
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_users
				(service_account_id, email, full_name, first_name, last_name,
				 quota_limit, is_active, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
			ON CONFLICT (service_account_id, email) DO UPDATE
			SET full_name = EXCLUDED.full_name,
			    first_name = EXCLUDED.first_name,
			    last_name = EXCLUDED.last_name,
			    is_active = EXCLUDED.is_active,
			    updated_at = NOW()`,
			accountID, u.Email, u.FullName, u.FirstName, u.LastName,
			u.QuotaLimit, u.IsActive); err != nil {
			return 0, fmt.Errorf("upsert user %s: %w", u.Email, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE service_accounts
		SET total_users = $2, last_synced = $3, updated_at = NOW()
		WHERE id = $1`, accountID, active, syncedAt)
	if err != nil {
		return 0, fmt.Errorf("record sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, engine.ErrAccountNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sync users: %w", err)
	}
	return active, nil
}

// AccountStats is the daily roll-up for one service account.
type AccountStats struct {
	AccountID        int64   `json:"account_id"`
	Name             string  `json:"name"`
	DailyLimit       int     `json:"daily_limit"`
	DailySent        int     `json:"daily_sent"`
	DailyRemaining   int     `json:"daily_remaining"`
	TotalSentAllTime int64   `json:"total_sent_all_time"`
	TodaySent        int     `json:"today_sent"`
	TodayFailed      int     `json:"today_failed"`
	SuccessRate      float64 `json:"success_rate"`
}

// GetAccountStats aggregates today's EmailLog outcomes on top of the
// account's daily counters.
func (s *Store) GetAccountStats(ctx context.Context, id int64) (*AccountStats, error) {
	st := &AccountStats{AccountID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, daily_limit, daily_sent, total_sent_all_time
		FROM service_accounts WHERE id = $1`, id).Scan(
		&st.Name, &st.DailyLimit, &st.DailySent, &st.TotalSentAllTime)
	if err == sql.ErrNoRows {
		return nil, engine.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'sent' AND sent_at::date = CURRENT_DATE),
		       COUNT(*) FILTER (WHERE status = 'failed' AND failed_at::date = CURRENT_DATE)
		FROM email_logs WHERE service_account_id = $1`, id).Scan(
		&st.TodaySent, &st.TodayFailed)
	if err != nil {
		return nil, fmt.Errorf("account stats: %w", err)
	}

	st.DailyRemaining = st.DailyLimit - st.DailySent
	if st.DailyRemaining < 0 {
		st.DailyRemaining = 0
	}
	if total := st.TodaySent + st.TodayFailed; total > 0 {
		st.SuccessRate = float64(st.TodaySent) / float64(total)
	}
	return st, nil
}
