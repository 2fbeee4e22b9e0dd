package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/queue"
)

func TestCampaignProgressPrefersRedisHash(t *testing.T) {
	env := newTestEngine(t, Options{})
	ctx := context.Background()

	c := env.seedCampaign(1, 10, "alice@corp.example")
	c.Status = domain.CampaignSending
	c.SentCount = 2
	c.FailedCount = 1
	c.PendingCount = 7

	// The hash tracks probes too, so its totals may exceed the
	// database's recipient counters.
	if err := env.queue.InitProgress(ctx, 1, queue.Progress{Total: 13, Pending: 13}); err != nil {
		t.Fatalf("InitProgress: %v", err)
	}
	if err := env.queue.AdvanceProgress(ctx, 1, 5, 1); err != nil {
		t.Fatalf("AdvanceProgress: %v", err)
	}

	for i := 0; i < 3; i++ {
		env.store.seedLog(domain.EmailLog{
			CampaignID: 1, AccountID: 1, Status: domain.EmailSent,
			RecipientEmail: fmt.Sprintf("sent%d@example.com", i),
		})
	}
	env.store.seedLog(domain.EmailLog{
		CampaignID: 1, AccountID: 1, Status: domain.EmailFailed,
		RecipientEmail: "lost@example.com",
	})

	report, err := env.eng.CampaignProgress(ctx, 1)
	if err != nil {
		t.Fatalf("CampaignProgress: %v", err)
	}
	if report.Status != domain.CampaignSending {
		t.Errorf("status = %s, want sending", report.Status)
	}
	if report.Total != 13 || report.Sent != 5 || report.Failed != 1 || report.Pending != 7 {
		t.Errorf("counters = (%d,%d,%d,%d), want hash values (13,5,1,7)",
			report.Total, report.Sent, report.Failed, report.Pending)
	}
	acct, ok := report.PerAccount["corp-account"]
	if !ok {
		t.Fatalf("per-account map missing corp-account: %v", report.PerAccount)
	}
	if acct.Sent != 3 || acct.Failed != 1 || acct.Pending != 0 {
		t.Errorf("corp-account = %+v, want 3 sent 1 failed", acct)
	}
}

func TestCampaignProgressFallsBackToDatabase(t *testing.T) {
	env := newTestEngine(t, Options{})
	ctx := context.Background()

	c := env.seedCampaign(1, 10, "alice@corp.example")
	c.Status = domain.CampaignCompleted
	c.SentCount = 9
	c.FailedCount = 1
	c.PendingCount = 0

	report, err := env.eng.CampaignProgress(ctx, 1)
	if err != nil {
		t.Fatalf("CampaignProgress: %v", err)
	}
	if report.Total != 10 || report.Sent != 9 || report.Failed != 1 || report.Pending != 0 {
		t.Errorf("counters = (%d,%d,%d,%d), want database values (10,9,1,0)",
			report.Total, report.Sent, report.Failed, report.Pending)
	}

	if _, err := env.eng.CampaignProgress(ctx, 404); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("missing campaign: got %v, want ErrCampaignNotFound", err)
	}
}

func TestTailCampaignLogsPaging(t *testing.T) {
	env := newTestEngine(t, Options{})
	ctx := context.Background()

	env.seedCampaign(1, 2, "alice@corp.example")
	for i := 1; i <= 5; i++ {
		if err := env.queue.AppendLog(ctx, 1, fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	page, err := env.eng.TailCampaignLogs(ctx, 1, 0, 3)
	if err != nil {
		t.Fatalf("TailCampaignLogs: %v", err)
	}
	if len(page.Items) != 3 || page.NextOffset != 3 {
		t.Fatalf("first page = %d items next %d, want 3/3", len(page.Items), page.NextOffset)
	}
	if page.Items[0].Message != "line 1" {
		t.Errorf("first line = %q, want oldest first", page.Items[0].Message)
	}

	page, err = env.eng.TailCampaignLogs(ctx, 1, page.NextOffset, 10)
	if err != nil {
		t.Fatalf("TailCampaignLogs page 2: %v", err)
	}
	if len(page.Items) != 2 || page.NextOffset != 5 {
		t.Errorf("second page = %d items next %d, want 2/5", len(page.Items), page.NextOffset)
	}
	if page.Items[1].Message != "line 5" {
		t.Errorf("last line = %q, want line 5", page.Items[1].Message)
	}

	if _, err := env.eng.TailCampaignLogs(ctx, 404, 0, 10); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("missing campaign: got %v, want ErrCampaignNotFound", err)
	}
}

func TestStreamProgressClosesOnTerminal(t *testing.T) {
	env := newTestEngine(t, Options{})
	ctx := context.Background()

	c := env.seedCampaign(1, 4, "alice@corp.example")
	c.Status = domain.CampaignCompleted
	c.SentCount = 4

	ch, err := env.eng.StreamCampaignProgress(ctx, 1)
	if err != nil {
		t.Fatalf("StreamCampaignProgress: %v", err)
	}
	first, ok := <-ch
	if !ok {
		t.Fatal("stream closed before the first report")
	}
	if first.Status != domain.CampaignCompleted || first.Sent != 4 {
		t.Errorf("first report = %s sent %d, want completed 4", first.Status, first.Sent)
	}
	if _, ok := <-ch; ok {
		t.Error("stream stayed open after a terminal report")
	}

	if _, err := env.eng.StreamCampaignProgress(ctx, 404); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("missing campaign: got %v, want ErrCampaignNotFound", err)
	}
}
