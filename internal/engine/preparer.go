package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/queue"
)

// PrepareResult is returned by PrepareCampaign.
type PrepareResult struct {
	Status      domain.CampaignStatus `json:"status"`
	TotalTasks  int                   `json:"total_tasks"`
	SenderCount int                   `json:"sender_count"`
	ElapsedMS   int64                 `json:"elapsed_ms"`
}

// PrepareCampaign materializes the campaign's work queue: sender pool,
// recipient distribution, per-recipient rendering, EmailLog rows, and
// the Redis task list. Legal from DRAFT and FAILED; re-running on a
// FAILED campaign reuses its rows and rebuilds Redis.
func (e *Engine) PrepareCampaign(ctx context.Context, id int64) (*PrepareResult, error) {
	start := e.svc.Clock.Now()
	reqID := shortID()

	c, err := e.svc.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := c.Status
	if prev != domain.CampaignDraft && prev != domain.CampaignFailed {
		return nil, fmt.Errorf("%w: prepare requires draft or failed, campaign is %s",
			ErrInvalidTransition, prev)
	}

	// Claim the campaign. A concurrent preparer loses this update and
	// fails fast.
	preparing := domain.CampaignPreparing
	if err := e.svc.Store.UpdateCampaign(ctx, id, CampaignPatch{
		ExpectStatus: []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignFailed},
		Status:       &preparing,
		PreparedAt:   &start,
	}); err != nil {
		return nil, err
	}
	log.Printf("[Preparer] [%s] Campaign %d: preparing %d recipients", reqID, id, len(c.Recipients))

	res, err := e.prepare(ctx, reqID, c)
	if err != nil {
		e.concludePrepareFailure(c.ID, reqID, prev, err)
		return nil, err
	}
	res.ElapsedMS = e.svc.Clock.Now().Sub(start).Milliseconds()
	log.Printf("[Preparer] [%s] Campaign %d: ready (%d tasks, %d senders, %dms)",
		reqID, id, res.TotalTasks, res.SenderCount, res.ElapsedMS)
	return res, nil
}

func (e *Engine) prepare(ctx context.Context, reqID string, c *domain.Campaign) (*PrepareResult, error) {
	pool, err := e.buildSenderPool(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := validateContent(c); err != nil {
		return nil, err
	}

	counts, err := e.svc.Store.CountEmailLogsByStatus(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("count email logs: %w", err)
	}
	totalLogs := 0
	for _, n := range counts {
		totalLogs += n
	}

	var assignments []assignment
	fresh := totalLogs == 0
	if fresh {
		assignments = planFresh(c, pool)
	} else {
		logs, err := e.svc.Store.ListPendingEmailLogs(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("list pending logs: %w", err)
		}
		assignments = planExisting(c, pool, logs)
	}

	tasks, err := e.renderAll(c, pool, assignments)
	if err != nil {
		return nil, err
	}

	if fresh {
		if err := e.insertLogs(ctx, assignments, tasks); err != nil {
			return nil, err
		}
	} else {
		if err := e.requeueLogs(ctx, assignments); err != nil {
			return nil, err
		}
	}
	for i := range tasks {
		logID := assignments[i].log.ID
		tasks[i].EmailLogID = &logID
	}

	batches, total := groupBatches(c, pool, assignments, tasks)

	if err := e.svc.Queue.Replace(ctx, c.ID, batches); err != nil {
		return nil, fmt.Errorf("queue batches: %w", err)
	}
	if err := e.svc.Queue.InitProgress(ctx, c.ID, queue.Progress{
		Total:            int64(total),
		Pending:          int64(total),
		TestAfterEnabled: c.TestAfterEnabled(),
		TestAfterEmail:   c.TestAfterEmail,
		TestAfterCount:   int64(c.TestAfterCount),
	}); err != nil {
		return nil, fmt.Errorf("init progress: %w", err)
	}

	// Counters are recomputed from row states, not accumulated: sent
	// rows stay counted, everything re-queued becomes pending again.
	ready := domain.CampaignReady
	sent := counts[domain.EmailSent]
	zero := 0
	pending := len(assignments)
	totalRecipients := len(c.Recipients)
	if err := e.svc.Store.UpdateCampaign(ctx, c.ID, CampaignPatch{
		ExpectStatus:    []domain.CampaignStatus{domain.CampaignPreparing},
		Status:          &ready,
		SentCount:       &sent,
		FailedCount:     &zero,
		PendingCount:    &pending,
		TotalRecipients: &totalRecipients,
	}); err != nil {
		return nil, fmt.Errorf("mark ready: %w", err)
	}

	e.appendLog(c.ID, fmt.Sprintf("Prepared %d tasks across %d senders", total, len(batches)))
	return &PrepareResult{
		Status:      domain.CampaignReady,
		TotalTasks:  total,
		SenderCount: len(batches),
	}, nil
}

// insertLogs writes one pending row per fresh assignment and binds the
// generated ids back. Rows carry the rendered subject.
func (e *Engine) insertLogs(ctx context.Context, assignments []assignment, tasks []queue.Task) error {
	logs := make([]domain.EmailLog, len(assignments))
	for i, a := range assignments {
		a.log.Subject = tasks[i].Subject
		logs[i] = a.log
	}
	inserted, err := e.svc.Store.BulkInsertEmailLogs(ctx, logs)
	if err != nil {
		return fmt.Errorf("insert email logs: %w", err)
	}
	for i := range assignments {
		assignments[i].log.ID = inserted[i].ID
	}
	return nil
}

// requeueLogs returns previously failed rows to pending so the new run
// owns them. Rows already pending are left alone.
func (e *Engine) requeueLogs(ctx context.Context, assignments []assignment) error {
	pending := domain.EmailPending
	empty := ""
	for _, a := range assignments {
		if a.log.Status == domain.EmailPending {
			continue
		}
		retries := a.log.RetryCount + 1
		if err := e.svc.Store.UpdateEmailLog(ctx, a.log.ID, EmailLogPatch{
			Status:       &pending,
			ErrorMessage: &empty,
			RetryCount:   &retries,
		}); err != nil {
			return fmt.Errorf("requeue log %d: %w", a.log.ID, err)
		}
	}
	return nil
}

func validateContent(c *domain.Campaign) error {
	if len(c.Recipients) == 0 {
		return &ValidationError{Field: "recipients", Reason: "campaign has no recipients"}
	}
	if c.HeaderType == domain.HeaderFullCustom {
		if strings.TrimSpace(c.CustomHeader) == "" {
			return &ValidationError{Field: "custom_header", Reason: "required for full_custom header mode"}
		}
		return nil
	}
	if strings.TrimSpace(c.Subject) == "" {
		return &ValidationError{Field: "subject", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.FromName) == "" {
		return &ValidationError{Field: "from_name", Reason: "must not be empty"}
	}
	return nil
}

// concludePrepareFailure rolls the status to FAILED, or back to the
// pre-prepare status for content validation errors. Runs on its own
// context so a dead request context cannot strand the campaign in
// PREPARING.
func (e *Engine) concludePrepareFailure(campaignID int64, reqID string, prev domain.CampaignStatus, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	target := domain.CampaignFailed
	var vErr *ValidationError
	if errors.As(cause, &vErr) {
		target = prev
	}
	if err := e.svc.Store.UpdateCampaign(ctx, campaignID, CampaignPatch{Status: &target}); err != nil {
		log.Printf("[Preparer] [%s] Campaign %d: status rollback failed: %v", reqID, campaignID, err)
	}
	e.appendLog(campaignID, fmt.Sprintf("Prepare failed: %v", cause))
	log.Printf("[Preparer] [%s] Campaign %d: prepare failed, status %s: %v", reqID, campaignID, target, cause)
}

// appendLog writes to the campaign's live log list, dropping the entry
// if Redis is unavailable. Log delivery never fails an operation.
func (e *Engine) appendLog(campaignID int64, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.svc.Queue.AppendLog(ctx, campaignID, message); err != nil {
		log.Printf("[Engine] Campaign %d: append log failed: %v", campaignID, err)
	}
}
