package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/queue"
	"github.com/ignite/workspace-mailer/internal/transport"
)

// batchExecutor works through one sender's tasks. Sends run on a
// bounded worker pool; results are buffered in memory and committed in
// a single transaction when the batch ends, however it ends.
type batchExecutor struct {
	eng    *Engine
	batch  queue.Batch
	handle *dispatchHandle
	reqID  string
}

func (x *batchExecutor) run(ctx context.Context) {
	b := x.batch
	n := len(b.Tasks)
	principal := b.Sender.Principal
	log.Printf("[BatchExecutor] [%s] Campaign %d: sender %s starting %d tasks",
		x.reqID, b.CampaignID, principal, n)

	nonProbe := 0
	for _, t := range b.Tasks {
		if t.EmailLogID != nil {
			nonProbe++
		}
	}

	check, err := x.eng.svc.Quota.Check(ctx, b.Sender.AccountID, nonProbe)
	if err != nil {
		x.failBatch(fmt.Sprintf("quota check failed: %v", err))
		return
	}
	if !check.CanSend {
		msg := check.Err(b.Sender.AccountID).Error()
		x.eng.appendLog(b.CampaignID, fmt.Sprintf("Sender %s: batch rejected: %s", principal, msg))
		x.failBatch(msg)
		return
	}

	snd, err := x.eng.svc.Transports.Sender(ctx, b.Sender.CredentialJSON, principal)
	if err != nil {
		x.eng.appendLog(b.CampaignID, fmt.Sprintf("Sender %s: transport init failed: %v", principal, err))
		x.failBatch(fmt.Sprintf("transport init failed: %v", err))
		return
	}

	limit := x.eng.opts.MaxParallelPerSender
	if n < limit {
		limit = n
	}
	sem := semaphore.NewWeighted(int64(limit))
	var g errgroup.Group

	results := make([]Result, n)
	submitted := 0

	// A worker slot is acquired before the pause/cancel gates so a
	// signal raised during the previous send is seen before the next
	// one starts.
	for i, t := range b.Tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if x.stopSubmitting(ctx, submitted) {
			sem.Release(1)
			break
		}

		task := t
		slot := i
		g.Go(func() error {
			defer sem.Release(1)
			if d := x.eng.opts.MicroDelay; d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
				}
			}
			results[slot] = x.sendOne(snd, task)
			return nil
		})
		submitted++
	}
	_ = g.Wait()

	x.commit(results[:submitted])
}

// stopSubmitting reports whether the submission loop should stop
// before handing out the next task.
func (x *batchExecutor) stopSubmitting(ctx context.Context, submitted int) bool {
	b := x.batch
	principal := b.Sender.Principal

	if x.handle != nil && x.handle.canceled.Load() {
		log.Printf("[BatchExecutor] [%s] Campaign %d: sender %s canceled after %d submissions",
			x.reqID, b.CampaignID, principal, submitted)
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	if x.handle != nil && x.handle.paused.Load() {
		log.Printf("[BatchExecutor] [%s] Campaign %d: sender %s paused after %d submissions",
			x.reqID, b.CampaignID, principal, submitted)
		return true
	}
	if submitted > 0 && submitted%x.eng.opts.StatusPollInterval == 0 {
		switch status, err := x.campaignStatus(); {
		case err != nil:
			log.Printf("[BatchExecutor] [%s] Campaign %d: status poll: %v", x.reqID, b.CampaignID, err)
		case status == domain.CampaignPaused:
			log.Printf("[BatchExecutor] [%s] Campaign %d: sender %s observed pause after %d submissions",
				x.reqID, b.CampaignID, principal, submitted)
			return true
		case status.IsTerminal():
			log.Printf("[BatchExecutor] [%s] Campaign %d: sender %s observed %s after %d submissions",
				x.reqID, b.CampaignID, principal, status, submitted)
			return true
		}
	}
	return false
}

// sendOne executes a single task. Transport calls run on the engine's
// base context so a cancel does not sever sends already in flight.
func (x *batchExecutor) sendOne(snd transport.Sender, t queue.Task) Result {
	ctx := x.eng.baseCtx
	res := Result{EmailLogID: t.EmailLogID}

	enabled, err := snd.IsMailEnabled(ctx)
	if err != nil {
		res.Err = fmt.Sprintf("mailbox check failed: %v", err)
		x.eng.appendLog(x.batch.CampaignID,
			fmt.Sprintf("Send to %s failed: %s", t.RecipientEmail, res.Err))
		return res
	}
	if !enabled {
		res.Err = transport.ErrMailDisabled.Error()
		x.eng.appendLog(x.batch.CampaignID,
			fmt.Sprintf("Send to %s failed: %s", t.RecipientEmail, res.Err))
		return res
	}

	id, err := snd.SendEmail(ctx, transport.Message{
		Recipient:     t.RecipientEmail,
		Subject:       t.Subject,
		BodyHTML:      t.BodyHTML,
		BodyPlain:     t.BodyPlain,
		FromName:      t.FromName,
		ReplyTo:       t.ReplyTo,
		CustomHeaders: t.CustomHeaders,
		HeaderBlock:   t.HeaderBlock,
		Attachments:   t.Attachments,
	})
	if err != nil {
		res.Err = err.Error()
		x.eng.appendLog(x.batch.CampaignID,
			fmt.Sprintf("Send to %s failed: %v", t.RecipientEmail, err))
		return res
	}

	res.Success = true
	res.MessageID = id
	if t.IsTestAfter {
		x.eng.appendLog(x.batch.CampaignID,
			fmt.Sprintf("Test-after probe #%d sent to %s", t.TestAfterCount, t.RecipientEmail))
	}
	return res
}

// failBatch resolves every task in the batch as failed with one
// reason and commits. Used when the batch cannot run at all; the
// campaign itself keeps sending through its other senders.
func (x *batchExecutor) failBatch(reason string) {
	results := make([]Result, len(x.batch.Tasks))
	for i, t := range x.batch.Tasks {
		results[i] = Result{EmailLogID: t.EmailLogID, Err: reason}
	}
	log.Printf("[BatchExecutor] [%s] Campaign %d: sender %s batch failed: %s",
		x.reqID, x.batch.CampaignID, x.batch.Sender.Principal, reason)
	x.commit(results)
}

// commit writes the resolved results in one transaction and mirrors
// the counters into Redis. Runs on its own context so results survive
// a canceled dispatch or an engine shutdown.
func (x *batchExecutor) commit(resolved []Result) {
	b := x.batch
	if len(resolved) == 0 {
		log.Printf("[BatchExecutor] [%s] Campaign %d: sender %s made no progress",
			x.reqID, b.CampaignID, b.Sender.Principal)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outcome, err := x.eng.svc.Store.CommitBatch(ctx, BatchCommit{
		CampaignID: b.CampaignID,
		UserID:     b.Sender.UserID,
		Results:    resolved,
		At:         x.eng.svc.Clock.Now(),
	})
	if err != nil {
		log.Printf("[BatchExecutor] [%s] Campaign %d: commit failed, %d results lost: %v",
			x.reqID, b.CampaignID, len(resolved), err)
		x.eng.appendLog(b.CampaignID,
			fmt.Sprintf("Sender %s: result commit failed: %v", b.Sender.Principal, err))
		return
	}
	if !outcome.Committed {
		log.Printf("[BatchExecutor] [%s] Campaign %d: status is %s, discarding %d results",
			x.reqID, b.CampaignID, outcome.Status, len(resolved))
		return
	}

	var sent, failed, sentReal int64
	for _, r := range resolved {
		if r.Success {
			sent++
			if r.EmailLogID != nil {
				sentReal++
			}
		} else {
			failed++
		}
	}

	if err := x.eng.svc.Queue.AdvanceProgress(ctx, b.CampaignID, sent, failed); err != nil {
		log.Printf("[BatchExecutor] [%s] Campaign %d: progress mirror: %v", x.reqID, b.CampaignID, err)
	}
	if sentReal > 0 {
		if err := x.eng.svc.Quota.Apply(ctx, b.Sender.AccountID, int(sentReal)); err != nil {
			log.Printf("[BatchExecutor] [%s] Campaign %d: applying quota for account %d: %v",
				x.reqID, b.CampaignID, b.Sender.AccountID, err)
		}
	}

	x.eng.appendLog(b.CampaignID,
		fmt.Sprintf("Sender %s: %d sent, %d failed", b.Sender.Principal, sent, failed))
	log.Printf("[BatchExecutor] [%s] Campaign %d: sender %s done (%d sent, %d failed)",
		x.reqID, b.CampaignID, b.Sender.Principal, sent, failed)

	if outcome.Completed {
		x.eng.appendLog(b.CampaignID, "Campaign completed")
		log.Printf("[BatchExecutor] [%s] Campaign %d: completed", x.reqID, b.CampaignID)
	}
}

// campaignStatus reloads the campaign's current status. Runs on the
// engine's base context so the poll still works once the dispatch
// context is canceled.
func (x *batchExecutor) campaignStatus() (domain.CampaignStatus, error) {
	ctx, cancel := context.WithTimeout(x.eng.baseCtx, 5*time.Second)
	defer cancel()

	c, err := x.eng.svc.Store.GetCampaign(ctx, x.batch.CampaignID)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}
