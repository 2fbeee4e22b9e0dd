package engine

import (
	"fmt"

	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/queue"
	"github.com/ignite/workspace-mailer/internal/render"
)

// segmentSizes is the equal-distribution rule: n recipients over s
// senders, each sender gets floor(n/s), the first n mod s get one
// extra. Assignment is contiguous, so sender i's segment is a
// deterministic slice.
func segmentSizes(n, s int) []int {
	sizes := make([]int, s)
	base, extra := n/s, n%s
	for i := range sizes {
		sizes[i] = base
		if i < extra {
			sizes[i]++
		}
	}
	return sizes
}

// assignment binds one EmailLog row to the pool sender that will carry
// it, plus the recipient's substitution variables.
type assignment struct {
	log    domain.EmailLog
	vars   map[string]string
	sender int
}

// planFresh distributes the campaign's recipients contiguously over
// the pool and produces one pending log per recipient. Log ids are
// assigned later by the bulk insert.
func planFresh(c *domain.Campaign, pool []queue.SenderIdentity) []assignment {
	sizes := segmentSizes(len(c.Recipients), len(pool))

	assignments := make([]assignment, 0, len(c.Recipients))
	next := 0
	for senderIdx, size := range sizes {
		for _, r := range c.Recipients[next : next+size] {
			assignments = append(assignments, assignment{
				log: domain.EmailLog{
					CampaignID:     c.ID,
					RecipientEmail: r.Email,
					RecipientName:  r.Variables["name"],
					SenderEmail:    pool[senderIdx].Principal,
					AccountID:      pool[senderIdx].AccountID,
					Status:         domain.EmailPending,
				},
				vars:   r.Variables,
				sender: senderIdx,
			})
		}
		next += size
	}
	return assignments
}

// planExisting maps re-queueable log rows back onto the current pool.
// A row whose recorded sender left the pool folds into the first pool
// sender; the row keeps its recorded sender for history.
func planExisting(c *domain.Campaign, pool []queue.SenderIdentity, logs []domain.EmailLog) []assignment {
	senderIdx := make(map[string]int, len(pool))
	for i, s := range pool {
		senderIdx[s.Principal] = i
	}
	varsByEmail := make(map[string]map[string]string, len(c.Recipients))
	for _, r := range c.Recipients {
		if _, ok := varsByEmail[r.Email]; !ok {
			varsByEmail[r.Email] = r.Variables
		}
	}

	assignments := make([]assignment, 0, len(logs))
	for _, l := range logs {
		idx, ok := senderIdx[l.SenderEmail]
		if !ok {
			idx = 0
		}
		assignments = append(assignments, assignment{
			log:    l,
			vars:   varsByEmail[l.RecipientEmail],
			sender: idx,
		})
	}
	return assignments
}

// renderTask produces the fully rendered task for one assignment.
// Render failures come back as ValidationErrors naming the field.
func (e *Engine) renderTask(c *domain.Campaign, a assignment, principal string) (queue.Task, error) {
	renderField := func(field, text string) (string, error) {
		key := fmt.Sprintf("campaign:%d:%s", c.ID, field)
		out, err := e.svc.Renderer.Render(c.TemplateEngine, key, text, a.vars)
		if err != nil {
			return "", &ValidationError{Field: field, Reason: err.Error()}
		}
		return out, nil
	}

	subject, err := renderField("subject", c.Subject)
	if err != nil {
		return queue.Task{}, err
	}
	html, err := renderField("body_html", c.BodyHTML)
	if err != nil {
		return queue.Task{}, err
	}
	plain, err := renderField("body_plain", c.BodyPlain)
	if err != nil {
		return queue.Task{}, err
	}

	task := queue.Task{
		RecipientEmail: a.log.RecipientEmail,
		Subject:        subject,
		BodyHTML:       html,
		BodyPlain:      plain,
		FromName:       c.FromName,
		ReplyTo:        c.ReplyTo,
		CustomHeaders:  c.CustomHeaders,
		Attachments:    c.Attachments,
	}

	if c.HeaderType == domain.HeaderFullCustom {
		block, err := renderField("custom_header", c.CustomHeader)
		if err != nil {
			return queue.Task{}, err
		}
		task.HeaderBlock = render.ExpandHeaderTags(block, render.HeaderContext{
			Recipient: a.log.RecipientEmail,
			FromName:  c.FromName,
			Subject:   subject,
			Principal: principal,
			Now:       e.svc.Clock.Now(),
		})
	}
	return task, nil
}

// probeTask derives the test-after probe appended after the ordinal-th
// recipient task. The probe mirrors that task's rendered content with
// a banner, goes to the observation address through the standard
// header path, and carries no log row.
func probeTask(c *domain.Campaign, after queue.Task, ordinal int) queue.Task {
	probe := after
	probe.EmailLogID = nil
	probe.RecipientEmail = c.TestAfterEmail
	probe.Subject = fmt.Sprintf("[TEST AFTER %d] %s", ordinal, after.Subject)
	probe.BodyHTML = fmt.Sprintf(
		"<p><strong>Test After Email #%d</strong></p><p>This is a test email sent after %d campaign emails.</p>%s",
		ordinal, ordinal, after.BodyHTML)
	probe.BodyPlain = fmt.Sprintf(
		"Test After Email #%d\n\nThis is a test email sent after %d campaign emails.\n\n%s",
		ordinal, ordinal, after.BodyPlain)
	probe.HeaderBlock = ""
	probe.IsTestAfter = true
	probe.TestAfterCount = ordinal
	return probe
}

// renderAll renders one task per assignment, in order. Tasks carry no
// log id yet; the preparer binds ids after the rows exist. Rendering
// happens before any row is written so template errors leave no trace.
func (e *Engine) renderAll(c *domain.Campaign, pool []queue.SenderIdentity, assignments []assignment) ([]queue.Task, error) {
	tasks := make([]queue.Task, len(assignments))
	for i, a := range assignments {
		task, err := e.renderTask(c, a, pool[a.sender].Principal)
		if err != nil {
			return nil, err
		}
		tasks[i] = task
	}
	return tasks, nil
}

// groupBatches folds the rendered tasks into per-sender batches in
// pool order, interleaving test-after probes on a single campaign-wide
// ordinal. tasks must parallel assignments and already carry log ids.
// Returns the batches and the total task count including probes.
func groupBatches(c *domain.Campaign, pool []queue.SenderIdentity, assignments []assignment, tasks []queue.Task) ([]queue.Batch, int) {
	perSender := make([][]queue.Task, len(pool))
	testAfter := c.TestAfterEnabled()

	total := 0
	for i, task := range tasks {
		sender := assignments[i].sender
		perSender[sender] = append(perSender[sender], task)
		total++
		ordinal := i + 1
		if testAfter && ordinal%c.TestAfterCount == 0 {
			perSender[sender] = append(perSender[sender], probeTask(c, task, ordinal))
			total++
		}
	}

	batches := make([]queue.Batch, 0, len(pool))
	for i, senderTasks := range perSender {
		if len(senderTasks) == 0 {
			continue
		}
		batches = append(batches, queue.Batch{
			CampaignID: c.ID,
			Sender:     pool[i],
			Tasks:      senderTasks,
		})
	}
	return batches, total
}
