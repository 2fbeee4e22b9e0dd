package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/engine"
)

const campaignColumns = `
	id, name, subject, body_html, body_plain, from_name,
	COALESCE(reply_to,''), header_type, COALESCE(custom_header,''),
	COALESCE(custom_headers,'{}'), template_engine,
	COALESCE(attachments,'[]'), COALESCE(recipients,'[]'),
	total_recipients, rate_limit, concurrency,
	COALESCE(test_after_email,''), test_after_count,
	status, sent_count, failed_count, pending_count,
	COALESCE(dispatch_id,''),
	prepared_at, started_at, completed_at, paused_at,
	created_at, updated_at`

func scanCampaign(row *sql.Row) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var headers, attachments, recipients []byte
	var preparedAt, startedAt, completedAt, pausedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.BodyHTML, &c.BodyPlain, &c.FromName,
		&c.ReplyTo, &c.HeaderType, &c.CustomHeader,
		&headers, &c.TemplateEngine,
		&attachments, &recipients,
		&c.TotalRecipients, &c.RateLimit, &c.Concurrency,
		&c.TestAfterEmail, &c.TestAfterCount,
		&c.Status, &c.SentCount, &c.FailedCount, &c.PendingCount,
		&c.DispatchID,
		&preparedAt, &startedAt, &completedAt, &pausedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, engine.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}

	if err := json.Unmarshal(headers, &c.CustomHeaders); err != nil {
		return nil, fmt.Errorf("decode custom_headers: %w", err)
	}
	if err := json.Unmarshal(attachments, &c.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	c.PreparedAt = timePtr(preparedAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	c.PausedAt = timePtr(pausedAt)
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT service_account_id FROM campaign_senders
		WHERE campaign_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("campaign senders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var aid int64
		if err := rows.Scan(&aid); err != nil {
			return nil, fmt.Errorf("scan sender link: %w", err)
		}
		c.AccountIDs = append(c.AccountIDs, aid)
	}
	return c, rows.Err()
}

// UpdateCampaign applies a partial update. With ExpectStatus set the
// update only lands when the current status is in the set; a live row
// outside the set reports ErrInvalidTransition.
func (s *Store) UpdateCampaign(ctx context.Context, id int64, p engine.CampaignPatch) error {
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
	if p.SentCount != nil {
		add("sent_count", *p.SentCount)
	}
	if p.FailedCount != nil {
		add("failed_count", *p.FailedCount)
	}
	if p.PendingCount != nil {
		add("pending_count", *p.PendingCount)
	}
	if p.TotalRecipients != nil {
		add("total_recipients", *p.TotalRecipients)
	}
	if p.DispatchID != nil {
		add("dispatch_id", *p.DispatchID)
	}
	if p.PreparedAt != nil {
		add("prepared_at", *p.PreparedAt)
	}
	if p.StartedAt != nil {
		add("started_at", *p.StartedAt)
	}
	if p.CompletedAt != nil {
		add("completed_at", *p.CompletedAt)
	}
	if p.PausedAt != nil {
		add("paused_at", *p.PausedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	q := fmt.Sprintf("UPDATE campaigns SET %s WHERE id = $%d", joinComma(sets), idx)
	args = append(args, id)
	idx++
	if len(p.ExpectStatus) > 0 {
		q += fmt.Sprintf(" AND status = ANY($%d)", idx)
		statuses := make([]string, len(p.ExpectStatus))
		for i, st := range p.ExpectStatus {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update campaign: %w", err)
		}
		if exists {
			return engine.ErrInvalidTransition
		}
		return engine.ErrCampaignNotFound
	}
	return nil
}

// CreateCampaign inserts a draft campaign and its sender links,
// validating that every referenced account exists.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) (int64, error) {
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	if c.HeaderType == "" {
		c.HeaderType = domain.HeaderExisting
	}
	if c.TemplateEngine == "" {
		c.TemplateEngine = domain.TemplateSimple
	}
	c.TotalRecipients = len(c.Recipients)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if len(c.AccountIDs) > 0 {
		var n int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM service_accounts WHERE id = ANY($1)`,
			pq.Array(c.AccountIDs)).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("check accounts: %w", err)
		}
		if n != len(c.AccountIDs) {
			return 0, engine.ErrAccountNotFound
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO campaigns
			(name, subject, body_html, body_plain, from_name, reply_to,
			 header_type, custom_header, custom_headers, template_engine,
			 attachments, recipients, total_recipients, rate_limit,
			 concurrency, test_after_email, test_after_count,
			 status, pending_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,0,NOW(),NOW())
		RETURNING id`,
		c.Name, c.Subject, c.BodyHTML, c.BodyPlain, c.FromName, c.ReplyTo,
		c.HeaderType, c.CustomHeader, jsonColumn(c.CustomHeaders, "{}"), c.TemplateEngine,
		jsonColumn(c.Attachments, "[]"), jsonColumn(c.Recipients, "[]"), c.TotalRecipients,
		c.RateLimit, c.Concurrency, c.TestAfterEmail, c.TestAfterCount,
		c.Status).Scan(&c.ID)
	if err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}

	for i, aid := range c.AccountIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_senders (campaign_id, service_account_id, position)
			VALUES ($1, $2, $3)`, c.ID, aid, i); err != nil {
			return 0, fmt.Errorf("link account %d: %w", aid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}
	return c.ID, nil
}

// CampaignFilter narrows ListCampaigns.
type CampaignFilter struct {
	Status string
	Limit  int
	Offset int
}

// ListCampaigns returns summary rows, newest first, plus the total
// count for the filter. Recipient and attachment payloads are not
// loaded here.
func (s *Store) ListCampaigns(ctx context.Context, f CampaignFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM campaigns`
	countArgs := []interface{}{}
	if f.Status != "" {
		countQ += ` WHERE status = $1`
		countArgs = append(countArgs, f.Status)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `
		SELECT id, name, subject, from_name, template_engine,
		       COALESCE(test_after_email,''), test_after_count,
		       status, total_recipients, sent_count, failed_count, pending_count,
		       created_at, updated_at
		FROM campaigns`
	args := []interface{}{}
	idx := 1
	if f.Status != "" {
		q += fmt.Sprintf(" WHERE status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Subject, &c.FromName, &c.TemplateEngine,
			&c.TestAfterEmail, &c.TestAfterCount,
			&c.Status, &c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.PendingCount,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// ContentPatch is the API's DRAFT-only field update. Replacing
// Recipients resets the recipient counters; replacing AccountIDs
// rewrites the sender links.
type ContentPatch struct {
	Name           *string
	Subject        *string
	BodyHTML       *string
	BodyPlain      *string
	FromName       *string
	ReplyTo        *string
	HeaderType     *domain.HeaderType
	CustomHeader   *string
	CustomHeaders  *map[string]string
	TemplateEngine *domain.TemplateEngine
	Attachments    *[]domain.Attachment
	Recipients     *[]domain.Recipient
	RateLimit      *int
	Concurrency    *int
	TestAfterEmail *string
	TestAfterCount *int
	AccountIDs     *[]int64
}

// UpdateCampaignContent patches a draft campaign. Any other status is
// rejected with ErrInvalidTransition.
func (s *Store) UpdateCampaignContent(ctx context.Context, id int64, p ContentPatch) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Subject != nil {
		add("subject", *p.Subject)
	}
	if p.BodyHTML != nil {
		add("body_html", *p.BodyHTML)
	}
	if p.BodyPlain != nil {
		add("body_plain", *p.BodyPlain)
	}
	if p.FromName != nil {
		add("from_name", *p.FromName)
	}
	if p.ReplyTo != nil {
		add("reply_to", *p.ReplyTo)
	}
	if p.HeaderType != nil {
		add("header_type", *p.HeaderType)
	}
	if p.CustomHeader != nil {
		add("custom_header", *p.CustomHeader)
	}
	if p.CustomHeaders != nil {
		add("custom_headers", jsonColumn(*p.CustomHeaders, "{}"))
	}
	if p.TemplateEngine != nil {
		add("template_engine", *p.TemplateEngine)
	}
	if p.Attachments != nil {
		add("attachments", jsonColumn(*p.Attachments, "[]"))
	}
	if p.Recipients != nil {
		add("recipients", jsonColumn(*p.Recipients, "[]"))
		add("total_recipients", len(*p.Recipients))
		add("pending_count", 0)
	}
	if p.RateLimit != nil {
		add("rate_limit", *p.RateLimit)
	}
	if p.Concurrency != nil {
		add("concurrency", *p.Concurrency)
	}
	if p.TestAfterEmail != nil {
		add("test_after_email", *p.TestAfterEmail)
	}
	if p.TestAfterCount != nil {
		add("test_after_count", *p.TestAfterCount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(sets) > 0 {
		sets = append(sets, "updated_at = NOW()")
		q := fmt.Sprintf("UPDATE campaigns SET %s WHERE id = $%d AND status = 'draft'",
			joinComma(sets), idx)
		args = append(args, id)

		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("update campaign content: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("update campaign content: %w", err)
			}
			if exists {
				return engine.ErrInvalidTransition
			}
			return engine.ErrCampaignNotFound
		}
	}

	if p.AccountIDs != nil {
		ids := *p.AccountIDs
		if len(ids) > 0 {
			var n int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM service_accounts WHERE id = ANY($1)`,
				pq.Array(ids)).Scan(&n); err != nil {
				return fmt.Errorf("check accounts: %w", err)
			}
			if n != len(ids) {
				return engine.ErrAccountNotFound
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM campaign_senders WHERE campaign_id = $1`, id); err != nil {
			return fmt.Errorf("unlink accounts: %w", err)
		}
		for i, aid := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO campaign_senders (campaign_id, service_account_id, position)
				VALUES ($1, $2, $3)`, id, aid, i); err != nil {
				return fmt.Errorf("link account %d: %w", aid, err)
			}
		}
	}

	return tx.Commit()
}

// DeleteCampaign removes a campaign unless a prepare or dispatch is
// using it right now. email_logs rows go with it via ON DELETE CASCADE.
func (s *Store) DeleteCampaign(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM campaigns
		WHERE id = $1 AND status NOT IN ('preparing','sending')`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("delete campaign: %w", err)
		}
		if exists {
			return engine.ErrInvalidTransition
		}
		return engine.ErrCampaignNotFound
	}
	return nil
}

// DuplicateCampaign copies content and sender links into a fresh
// draft. An empty name gets a " (copy)" suffix of the original.
func (s *Store) DuplicateCampaign(ctx context.Context, id int64, name string) (*domain.Campaign, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var newID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO campaigns
			(name, subject, body_html, body_plain, from_name, reply_to,
			 header_type, custom_header, custom_headers, template_engine,
			 attachments, recipients, total_recipients, rate_limit,
			 concurrency, test_after_email, test_after_count,
			 status, pending_count, created_at, updated_at)
		SELECT CASE WHEN $2 = '' THEN name || ' (copy)' ELSE $2 END,
		       subject, body_html, body_plain, from_name, reply_to,
		       header_type, custom_header, custom_headers, template_engine,
		       attachments, recipients, total_recipients, rate_limit,
		       concurrency, test_after_email, test_after_count,
		       'draft', 0, NOW(), NOW()
		FROM campaigns WHERE id = $1
		RETURNING id`, id, name).Scan(&newID)
	if err == sql.ErrNoRows {
		return nil, engine.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("duplicate campaign: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO campaign_senders (campaign_id, service_account_id, position)
		SELECT $1, service_account_id, position
		FROM campaign_senders WHERE campaign_id = $2`, newID, id); err != nil {
		return nil, fmt.Errorf("duplicate sender links: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("duplicate campaign: %w", err)
	}
	return s.GetCampaign(ctx, newID)
}
