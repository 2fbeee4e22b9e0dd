package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/engine"
)

// CommitBatch lands one executor's results atomically. The campaign
// row is locked first: a terminal status means some other path already
// concluded the campaign and the whole batch is discarded unapplied.
// Counters are recounted from the rows rather than incremented, so a
// replayed or partially-applied batch can never skew them.
func (s *Store) CommitBatch(ctx context.Context, bc engine.BatchCommit) (engine.CommitOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.CommitOutcome{}, err
	}
	defer tx.Rollback()

	var status domain.CampaignStatus
	var pending int
	err = tx.QueryRowContext(ctx, `
		SELECT status, pending_count FROM campaigns
		WHERE id = $1 FOR UPDATE`, bc.CampaignID).Scan(&status, &pending)
	if err == sql.ErrNoRows {
		return engine.CommitOutcome{}, engine.ErrCampaignNotFound
	}
	if err != nil {
		return engine.CommitOutcome{}, fmt.Errorf("lock campaign: %w", err)
	}
	if status.IsTerminal() {
		return engine.CommitOutcome{Committed: false, Status: status, PendingCount: pending}, nil
	}

	succeeded := 0
	for _, r := range bc.Results {
		if r.Success {
			succeeded++
		}
		if r.EmailLogID == nil {
			continue
		}
		if r.Success {
			_, err = tx.ExecContext(ctx, `
				UPDATE email_logs
				SET status = 'sent', message_id = $2, error_message = '', sent_at = $3
				WHERE id = $1`, *r.EmailLogID, r.MessageID, bc.At)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE email_logs
				SET status = 'failed', error_message = $2, failed_at = $3
				WHERE id = $1`, *r.EmailLogID, r.Err, bc.At)
		}
		if err != nil {
			return engine.CommitOutcome{}, fmt.Errorf("write result for log %d: %w", *r.EmailLogID, err)
		}
	}

	var sent, failed int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'sent'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status NOT IN ('sent','failed'))
		FROM email_logs WHERE campaign_id = $1`, bc.CampaignID).Scan(&sent, &failed, &pending)
	if err != nil {
		return engine.CommitOutcome{}, fmt.Errorf("recount logs: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = $2, failed_count = $3, pending_count = $4, updated_at = NOW()
		WHERE id = $1`, bc.CampaignID, sent, failed, pending); err != nil {
		return engine.CommitOutcome{}, fmt.Errorf("update counters: %w", err)
	}

	if bc.UserID > 0 && succeeded > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE workspace_users
			SET emails_sent_today = emails_sent_today + $2,
			    last_used = $3, updated_at = NOW()
			WHERE id = $1`, bc.UserID, succeeded, bc.At); err != nil {
			return engine.CommitOutcome{}, fmt.Errorf("update sender stats: %w", err)
		}
	}

	out := engine.CommitOutcome{Committed: true, Status: status, PendingCount: pending}
	if pending == 0 && status == domain.CampaignSending {
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns
			SET status = 'completed', completed_at = $2, updated_at = NOW()
			WHERE id = $1`, bc.CampaignID, bc.At); err != nil {
			return engine.CommitOutcome{}, fmt.Errorf("complete campaign: %w", err)
		}
		out.Status = domain.CampaignCompleted
		out.Completed = true
	}

	if err := tx.Commit(); err != nil {
		return engine.CommitOutcome{}, fmt.Errorf("commit batch: %w", err)
	}
	return out, nil
}
