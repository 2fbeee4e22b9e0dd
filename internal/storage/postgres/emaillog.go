package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/engine"
)

const emailLogColumns = `
	id, campaign_id, recipient_email, COALESCE(recipient_name,''),
	sender_email, service_account_id, subject,
	COALESCE(message_id,''), status, COALESCE(error_message,''),
	retry_count, created_at, sent_at, failed_at`

func scanEmailLog(rows *sql.Rows) (domain.EmailLog, error) {
	var l domain.EmailLog
	var sentAt, failedAt sql.NullTime
	err := rows.Scan(
		&l.ID, &l.CampaignID, &l.RecipientEmail, &l.RecipientName,
		&l.SenderEmail, &l.AccountID, &l.Subject,
		&l.MessageID, &l.Status, &l.ErrorMessage,
		&l.RetryCount, &l.CreatedAt, &sentAt, &failedAt,
	)
	if err != nil {
		return l, fmt.Errorf("scan email log: %w", err)
	}
	l.SentAt = timePtr(sentAt)
	l.FailedAt = timePtr(failedAt)
	return l, nil
}

func (s *Store) ListPendingEmailLogs(ctx context.Context, campaignID int64) ([]domain.EmailLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+emailLogColumns+`
		FROM email_logs
		WHERE campaign_id = $1 AND status IN ('pending','failed','retry')
		ORDER BY id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list pending logs: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailLog
	for rows.Next() {
		l, err := scanEmailLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) CountEmailLogsByStatus(ctx context.Context, campaignID int64) (map[domain.EmailStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM email_logs
		WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count logs: %w", err)
	}
	defer rows.Close()

	out := map[domain.EmailStatus]int{}
	for rows.Next() {
		var st domain.EmailStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan log count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// insertChunk keeps one multi-row INSERT under the driver's parameter
// cap even for very large recipient lists.
const insertChunk = 500

func (s *Store) BulkInsertEmailLogs(ctx context.Context, logs []domain.EmailLog) ([]domain.EmailLog, error) {
	if len(logs) == 0 {
		return nil, nil
	}
	out := make([]domain.EmailLog, len(logs))
	copy(out, logs)

	for start := 0; start < len(out); start += insertChunk {
		end := start + insertChunk
		if end > len(out) {
			end = len(out)
		}
		chunk := out[start:end]

		var sb strings.Builder
		sb.WriteString(`
			INSERT INTO email_logs
				(campaign_id, recipient_email, recipient_name, sender_email,
				 service_account_id, subject, status, error_message, retry_count)
			VALUES `)
		args := make([]interface{}, 0, len(chunk)*9)
		for i, l := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 9
			fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
			args = append(args, l.CampaignID, l.RecipientEmail, l.RecipientName,
				l.SenderEmail, l.AccountID, l.Subject, l.Status, l.ErrorMessage, l.RetryCount)
		}
		sb.WriteString(" RETURNING id")

		rows, err := s.db.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return nil, fmt.Errorf("bulk insert logs: %w", err)
		}
		i := 0
		for rows.Next() {
			if err := rows.Scan(&chunk[i].ID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan inserted id: %w", err)
			}
			i++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("bulk insert logs: %w", err)
		}
		if i != len(chunk) {
			return nil, fmt.Errorf("bulk insert logs: %d ids for %d rows", i, len(chunk))
		}
	}
	return out, nil
}

func (s *Store) UpdateEmailLog(ctx context.Context, id int64, p engine.EmailLogPatch) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.MessageID != nil {
		add("message_id", *p.MessageID)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	}
	if p.RetryCount != nil {
		add("retry_count", *p.RetryCount)
	}
	if p.SentAt != nil {
		add("sent_at", *p.SentAt)
	}
	if p.FailedAt != nil {
		add("failed_at", *p.FailedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	q := fmt.Sprintf("UPDATE email_logs SET %s WHERE id = $%d", joinComma(sets), idx)
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update email log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("email log %d not found", id)
	}
	return nil
}

// FailPendingEmailLogs fails every still-sendable row in one
// transaction and moves the campaign counters with it.
func (s *Store) FailPendingEmailLogs(ctx context.Context, campaignID int64, reason string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE email_logs
		SET status = 'failed', error_message = $2, failed_at = $3
		WHERE campaign_id = $1 AND status IN ('pending','retry')`,
		campaignID, reason, at)
	if err != nil {
		return 0, fmt.Errorf("fail pending logs: %w", err)
	}
	n64, _ := res.RowsAffected()
	n := int(n64)

	if n > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns
			SET failed_count = failed_count + $2,
			    pending_count = GREATEST(pending_count - $2, 0),
			    updated_at = NOW()
			WHERE id = $1`, campaignID, n); err != nil {
			return 0, fmt.Errorf("move campaign counters: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("fail pending logs: %w", err)
	}
	return n, nil
}

func (s *Store) EmailLogStatsByAccount(ctx context.Context, campaignID int64) ([]engine.AccountLogStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(a.name, 'account-' || l.service_account_id),
		       COUNT(*) FILTER (WHERE l.status = 'sent'),
		       COUNT(*) FILTER (WHERE l.status = 'failed'),
		       COUNT(*) FILTER (WHERE l.status NOT IN ('sent','failed'))
		FROM email_logs l
		LEFT JOIN service_accounts a ON a.id = l.service_account_id
		WHERE l.campaign_id = $1
		GROUP BY l.service_account_id, a.name
		ORDER BY l.service_account_id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("log stats: %w", err)
	}
	defer rows.Close()

	var out []engine.AccountLogStats
	for rows.Next() {
		var st engine.AccountLogStats
		if err := rows.Scan(&st.AccountName, &st.Sent, &st.Failed, &st.Pending); err != nil {
			return nil, fmt.Errorf("scan log stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
