package engine

import (
	"context"
	"log"
	"time"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/queue"
)

// AccountProgress is one account's slice of a campaign's outcomes.
type AccountProgress struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
}

// ProgressReport is the live view of a campaign. Counters come from
// the Redis progress hash while it exists (those include test-after
// probes); after the hash expires the database counters stand in.
type ProgressReport struct {
	CampaignID  int64                      `json:"campaign_id"`
	Status      domain.CampaignStatus      `json:"status"`
	Total       int64                      `json:"total"`
	Sent        int64                      `json:"sent"`
	Failed      int64                      `json:"failed"`
	Pending     int64                      `json:"pending"`
	StartedAt   *time.Time                 `json:"started_at,omitempty"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
	PerAccount  map[string]AccountProgress `json:"per_account"`
}

// LogPage is one page of the live send activity feed.
type LogPage struct {
	Items      []queue.LogEntry `json:"items"`
	NextOffset int64            `json:"next_offset"`
}

// CampaignProgress assembles the current progress report for a
// campaign.
func (e *Engine) CampaignProgress(ctx context.Context, id int64) (*ProgressReport, error) {
	c, err := e.svc.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &ProgressReport{
		CampaignID:  c.ID,
		Status:      c.Status,
		Total:       int64(c.TotalRecipients),
		Sent:        int64(c.SentCount),
		Failed:      int64(c.FailedCount),
		Pending:     int64(c.PendingCount),
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
		PerAccount:  map[string]AccountProgress{},
	}

	if prog, perr := e.svc.Queue.Progress(ctx, id); perr != nil {
		log.Printf("[Progress] Campaign %d: reading progress hash: %v", id, perr)
	} else if prog != nil {
		report.Total = prog.Total
		report.Sent = prog.Sent
		report.Failed = prog.Failed
		report.Pending = prog.Pending
	}

	stats, err := e.svc.Store.EmailLogStatsByAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, s := range stats {
		report.PerAccount[s.AccountName] = AccountProgress{
			Sent:    s.Sent,
			Failed:  s.Failed,
			Pending: s.Pending,
		}
	}
	return report, nil
}

// StreamCampaignProgress emits a progress report roughly every second
// until the campaign reaches a terminal status or the context ends,
// then closes the channel. The first report is produced synchronously
// so callers learn about a missing campaign before streaming starts.
func (e *Engine) StreamCampaignProgress(ctx context.Context, id int64) (<-chan ProgressReport, error) {
	first, err := e.CampaignProgress(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan ProgressReport, 1)
	out <- *first
	if first.Status.IsTerminal() {
		close(out)
		return out, nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(out)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.baseCtx.Done():
				return
			case <-ticker.C:
			}

			report, err := e.CampaignProgress(ctx, id)
			if err != nil {
				log.Printf("[Progress] Campaign %d: stream snapshot: %v", id, err)
				return
			}
			select {
			case out <- *report:
			case <-ctx.Done():
				return
			case <-e.baseCtx.Done():
				return
			}
			if report.Status.IsTerminal() {
				return
			}
		}
	}()
	return out, nil
}

// TailCampaignLogs pages through the live activity feed. NextOffset
// can be handed back as offset to poll for new lines.
func (e *Engine) TailCampaignLogs(ctx context.Context, id int64, offset, limit int64) (*LogPage, error) {
	if _, err := e.svc.Store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}

	items, next, err := e.svc.Queue.LogsRange(ctx, id, offset, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []queue.LogEntry{}
	}
	return &LogPage{Items: items, NextOffset: next}, nil
}
