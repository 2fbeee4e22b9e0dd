package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/queue"
)

// ResumeResult reports what a resume did. Batches is zero when the
// campaign had nothing left to send or a dispatch was already running.
type ResumeResult struct {
	DispatchID string                `json:"dispatch_id,omitempty"`
	Status     domain.CampaignStatus `json:"status"`
	Batches    int                   `json:"batches"`
}

// ResumeCampaign starts (or restarts) delivery for a prepared
// campaign. It claims the SENDING status, drains the queued sender
// batches, and launches one executor goroutine per sender. The call
// returns as soon as the executors are running; progress is observed
// through CampaignProgress and the live log feed.
//
// When the Redis queue has expired, the remaining work is rebuilt from
// the rows still pending in the database. A resume that finds nothing
// left to send concludes the campaign as COMPLETED.
func (e *Engine) ResumeCampaign(ctx context.Context, id int64) (*ResumeResult, error) {
	reqID := shortID()

	c, err := e.svc.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case domain.CampaignReady, domain.CampaignPaused, domain.CampaignSending:
	case domain.CampaignDraft, domain.CampaignPreparing, domain.CampaignFailed:
		return nil, fmt.Errorf("%w: campaign is %s", ErrNotPrepared, c.Status)
	default:
		return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
	}

	// Resuming a campaign whose dispatch is still running reports the
	// running dispatch instead of starting a second one.
	if c.Status == domain.CampaignSending {
		if h := e.dispatches.lookup(id); h != nil {
			log.Printf("[Dispatcher] [%s] Campaign %d: dispatch %s already running", reqID, id, h.id[:8])
			return &ResumeResult{DispatchID: h.id, Status: c.Status}, nil
		}
	}

	prev := c.Status
	if c.Status != domain.CampaignSending {
		sending := domain.CampaignSending
		patch := CampaignPatch{
			ExpectStatus: []domain.CampaignStatus{domain.CampaignReady, domain.CampaignPaused},
			Status:       &sending,
		}
		if c.StartedAt == nil {
			now := e.svc.Clock.Now()
			patch.StartedAt = &now
		}
		if err := e.svc.Store.UpdateCampaign(ctx, id, patch); err != nil {
			return nil, err
		}
	}

	batches, err := e.svc.Queue.Drain(ctx, id)
	if err != nil {
		e.revertResume(id, reqID, prev)
		if errors.Is(err, queue.ErrEnvelopeVersion) {
			return nil, fmt.Errorf("%w: stale task queue, prepare the campaign again", ErrNotPrepared)
		}
		return nil, fmt.Errorf("drain task queue: %w", err)
	}

	if len(batches) == 0 {
		batches, err = e.rebuildBatches(ctx, reqID, c)
		if err != nil {
			e.revertResume(id, reqID, prev)
			return nil, err
		}
		if len(batches) == 0 {
			return e.concludeCompleted(ctx, reqID, id)
		}
	}

	dispatchID := uuid.NewString()
	h := e.dispatches.register(id, dispatchID, e.baseCtx)
	did := dispatchID
	if err := e.svc.Store.UpdateCampaign(ctx, id, CampaignPatch{DispatchID: &did}); err != nil {
		log.Printf("[Dispatcher] [%s] Campaign %d: recording dispatch id: %v", reqID, id, err)
	}

	total := 0
	for _, b := range batches {
		total += len(b.Tasks)
	}
	log.Printf("[Dispatcher] [%s] Campaign %d: dispatching %d tasks across %d senders (dispatch %s)",
		reqID, id, total, len(batches), dispatchID[:8])
	e.appendLog(id, fmt.Sprintf("Dispatching %d tasks across %d senders", total, len(batches)))

	var senders sync.WaitGroup
	for _, b := range batches {
		ex := &batchExecutor{eng: e, batch: b, handle: h, reqID: reqID}
		e.wg.Add(1)
		senders.Add(1)
		go func() {
			defer e.wg.Done()
			defer senders.Done()
			ex.run(h.ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		senders.Wait()
		e.dispatches.unregister(id, dispatchID)
		log.Printf("[Dispatcher] [%s] Campaign %d: dispatch %s finished", reqID, id, dispatchID[:8])
	}()

	return &ResumeResult{DispatchID: dispatchID, Status: domain.CampaignSending, Batches: len(batches)}, nil
}

// rebuildBatches regenerates sender batches from the rows still
// pending in the database. The Redis queue is ephemeral; after a key
// expiry or a restart the database is the source of truth for what
// remains unsent. Returns no batches and no error when the campaign
// has nothing left to send.
func (e *Engine) rebuildBatches(ctx context.Context, reqID string, c *domain.Campaign) ([]queue.Batch, error) {
	rows, err := e.svc.Store.ListPendingEmailLogs(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list pending logs: %w", err)
	}
	// Failed rows stay failed until a re-prepare; only unsent work is
	// rebuilt here.
	var logs []domain.EmailLog
	for _, l := range rows {
		if l.Status == domain.EmailPending || l.Status == domain.EmailRetry {
			logs = append(logs, l)
		}
	}
	if len(logs) == 0 {
		if c.PendingCount == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: task queue is empty and no pending recipients remain", ErrNotPrepared)
	}

	pool, err := e.buildSenderPool(ctx, c)
	if err != nil {
		return nil, err
	}

	assignments := planExisting(c, pool, logs)
	tasks, err := e.renderAll(c, pool, assignments)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		logID := assignments[i].log.ID
		tasks[i].EmailLogID = &logID
	}
	batches, total := groupBatches(c, pool, assignments, tasks)

	// Seed the progress mirror only when it is gone too; a surviving
	// hash already carries the counters from the earlier run.
	if prog, perr := e.svc.Queue.Progress(ctx, c.ID); perr == nil && prog == nil {
		if err := e.svc.Queue.InitProgress(ctx, c.ID, queue.Progress{
			Total:            int64(total),
			Pending:          int64(total),
			TestAfterEnabled: c.TestAfterEnabled(),
			TestAfterEmail:   c.TestAfterEmail,
			TestAfterCount:   int64(c.TestAfterCount),
		}); err != nil {
			log.Printf("[Dispatcher] [%s] Campaign %d: seeding progress mirror: %v", reqID, c.ID, err)
		}
	}

	log.Printf("[Dispatcher] [%s] Campaign %d: rebuilt %d tasks from %d pending rows",
		reqID, c.ID, total, len(logs))
	e.appendLog(c.ID, fmt.Sprintf("Rebuilt task queue from %d pending recipients", len(logs)))
	return batches, nil
}

// concludeCompleted closes out a campaign that a resume found with no
// work left.
func (e *Engine) concludeCompleted(ctx context.Context, reqID string, id int64) (*ResumeResult, error) {
	completed := domain.CampaignCompleted
	now := e.svc.Clock.Now()
	if err := e.svc.Store.UpdateCampaign(ctx, id, CampaignPatch{
		ExpectStatus: []domain.CampaignStatus{domain.CampaignSending},
		Status:       &completed,
		CompletedAt:  &now,
	}); err != nil {
		return nil, err
	}
	e.appendLog(id, "Campaign completed")
	log.Printf("[Dispatcher] [%s] Campaign %d: nothing left to send, completed", reqID, id)
	return &ResumeResult{Status: completed}, nil
}

// revertResume undoes the SENDING claim after a resume failed before
// any executor started. Best effort on a fresh context so a dead
// request context cannot strand the campaign.
func (e *Engine) revertResume(id int64, reqID string, prev domain.CampaignStatus) {
	if prev == domain.CampaignSending {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.svc.Store.UpdateCampaign(ctx, id, CampaignPatch{
		ExpectStatus: []domain.CampaignStatus{domain.CampaignSending},
		Status:       &prev,
	}); err != nil {
		log.Printf("[Dispatcher] [%s] Campaign %d: reverting to %s: %v", reqID, id, prev, err)
	}
}
