package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/workspace-mailer/internal/credstore"
	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/queue"
	"github.com/ignite/workspace-mailer/internal/quota"
	"github.com/ignite/workspace-mailer/internal/render"
	"github.com/ignite/workspace-mailer/internal/transport"
)

// =============================================================================
// IN-MEMORY FAKES
// =============================================================================

type fakeClock struct{ at time.Time }

func (c fakeClock) Now() time.Time { return c.at }

// fakeCreds decrypts any blob by prefixing it; blobs starting with
// "bad:" fail the way a corrupted fernet token does.
type fakeCreds struct{}

func (fakeCreds) Decrypt(blob string) (string, error) {
	if strings.HasPrefix(blob, "bad:") {
		return "", &credstore.DecryptError{Reason: "token verification failed"}
	}
	return "key-" + blob, nil
}

type fakeStore struct {
	mu sync.Mutex

	campaigns map[int64]*domain.Campaign
	accounts  map[int64]*domain.Account
	users     map[int64][]domain.User
	links     map[int64][]int64

	logs      map[int64]*domain.EmailLog
	nextLogID int64

	userSends map[int64]int

	commitErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: map[int64]*domain.Campaign{},
		accounts:  map[int64]*domain.Account{},
		users:     map[int64][]domain.User{},
		links:     map[int64][]int64{},
		logs:      map[int64]*domain.EmailLog{},
		userSends: map[int64]int{},
	}
}

func (s *fakeStore) GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) UpdateCampaign(ctx context.Context, id int64, p CampaignPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrCampaignNotFound
	}
	if len(p.ExpectStatus) > 0 {
		match := false
		for _, st := range p.ExpectStatus {
			if c.Status == st {
				match = true
				break
			}
		}
		if !match {
			return ErrInvalidTransition
		}
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.SentCount != nil {
		c.SentCount = *p.SentCount
	}
	if p.FailedCount != nil {
		c.FailedCount = *p.FailedCount
	}
	if p.PendingCount != nil {
		c.PendingCount = *p.PendingCount
	}
	if p.TotalRecipients != nil {
		c.TotalRecipients = *p.TotalRecipients
	}
	if p.DispatchID != nil {
		c.DispatchID = *p.DispatchID
	}
	if p.PreparedAt != nil {
		c.PreparedAt = p.PreparedAt
	}
	if p.StartedAt != nil {
		c.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		c.CompletedAt = p.CompletedAt
	}
	if p.PausedAt != nil {
		c.PausedAt = p.PausedAt
	}
	return nil
}

func (s *fakeStore) ListPendingEmailLogs(ctx context.Context, campaignID int64) ([]domain.EmailLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EmailLog
	for _, l := range s.logs {
		if l.CampaignID != campaignID {
			continue
		}
		switch l.Status {
		case domain.EmailPending, domain.EmailFailed, domain.EmailRetry:
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) CountEmailLogsByStatus(ctx context.Context, campaignID int64) (map[domain.EmailStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[domain.EmailStatus]int{}
	for _, l := range s.logs {
		if l.CampaignID == campaignID {
			counts[l.Status]++
		}
	}
	return counts, nil
}

func (s *fakeStore) BulkInsertEmailLogs(ctx context.Context, logs []domain.EmailLog) ([]domain.EmailLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EmailLog, len(logs))
	for i, l := range logs {
		s.nextLogID++
		l.ID = s.nextLogID
		cp := l
		s.logs[l.ID] = &cp
		out[i] = l
	}
	return out, nil
}

func (s *fakeStore) UpdateEmailLog(ctx context.Context, id int64, p EmailLogPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return fmt.Errorf("email log %d not found", id)
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.MessageID != nil {
		l.MessageID = *p.MessageID
	}
	if p.ErrorMessage != nil {
		l.ErrorMessage = *p.ErrorMessage
	}
	if p.RetryCount != nil {
		l.RetryCount = *p.RetryCount
	}
	if p.SentAt != nil {
		l.SentAt = p.SentAt
	}
	if p.FailedAt != nil {
		l.FailedAt = p.FailedAt
	}
	return nil
}

func (s *fakeStore) FailPendingEmailLogs(ctx context.Context, campaignID int64, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.logs {
		if l.CampaignID != campaignID {
			continue
		}
		if l.Status == domain.EmailPending || l.Status == domain.EmailRetry {
			l.Status = domain.EmailFailed
			l.ErrorMessage = reason
			failedAt := at
			l.FailedAt = &failedAt
			n++
		}
	}
	if c, ok := s.campaigns[campaignID]; ok && n > 0 {
		c.FailedCount += n
		c.PendingCount -= n
		if c.PendingCount < 0 {
			c.PendingCount = 0
		}
	}
	return n, nil
}

func (s *fakeStore) GetAccountsForCampaign(ctx context.Context, campaignID int64) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Account
	for _, id := range s.links[campaignID] {
		if a, ok := s.accounts[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) GetActiveUsersForAccount(ctx context.Context, accountID int64) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.User
	for _, u := range s.users[accountID] {
		if u.IsActive {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) CommitBatch(ctx context.Context, bc BatchCommit) (CommitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return CommitOutcome{}, s.commitErr
	}
	c, ok := s.campaigns[bc.CampaignID]
	if !ok {
		return CommitOutcome{}, ErrCampaignNotFound
	}
	if c.Status.IsTerminal() {
		return CommitOutcome{Committed: false, Status: c.Status, PendingCount: c.PendingCount}, nil
	}

	succeeded := 0
	for _, r := range bc.Results {
		if r.Success {
			succeeded++
		}
		if r.EmailLogID == nil {
			continue
		}
		l, ok := s.logs[*r.EmailLogID]
		if !ok {
			continue
		}
		at := bc.At
		if r.Success {
			l.Status = domain.EmailSent
			l.MessageID = r.MessageID
			l.ErrorMessage = ""
			l.SentAt = &at
		} else {
			l.Status = domain.EmailFailed
			l.ErrorMessage = r.Err
			l.FailedAt = &at
		}
	}

	var sent, failed, pending int
	for _, l := range s.logs {
		if l.CampaignID != bc.CampaignID {
			continue
		}
		switch l.Status {
		case domain.EmailSent:
			sent++
		case domain.EmailFailed:
			failed++
		default:
			pending++
		}
	}
	c.SentCount, c.FailedCount, c.PendingCount = sent, failed, pending
	s.userSends[bc.UserID] += succeeded

	out := CommitOutcome{Committed: true, Status: c.Status, PendingCount: pending}
	if pending == 0 && c.Status == domain.CampaignSending {
		c.Status = domain.CampaignCompleted
		at := bc.At
		c.CompletedAt = &at
		out.Status = c.Status
		out.Completed = true
	}
	return out, nil
}

func (s *fakeStore) EmailLogStatsByAccount(ctx context.Context, campaignID int64) ([]AccountLogStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := map[int64]*AccountLogStats{}
	var order []int64
	for _, l := range s.logs {
		if l.CampaignID != campaignID {
			continue
		}
		st, ok := agg[l.AccountID]
		if !ok {
			name := fmt.Sprintf("account-%d", l.AccountID)
			if a, ok := s.accounts[l.AccountID]; ok {
				name = a.Name
			}
			st = &AccountLogStats{AccountName: name}
			agg[l.AccountID] = st
			order = append(order, l.AccountID)
		}
		switch l.Status {
		case domain.EmailSent:
			st.Sent++
		case domain.EmailFailed:
			st.Failed++
		default:
			st.Pending++
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]AccountLogStats, 0, len(order))
	for _, id := range order {
		out = append(out, *agg[id])
	}
	return out, nil
}

// log snapshot helpers for assertions

func (s *fakeStore) logsByStatus(campaignID int64, status domain.EmailStatus) []domain.EmailLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EmailLog
	for _, l := range s.logs {
		if l.CampaignID == campaignID && l.Status == status {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *fakeStore) seedLog(l domain.EmailLog) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	l.ID = s.nextLogID
	s.logs[l.ID] = &l
	return l.ID
}

func (s *fakeStore) userSentCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userSends[userID]
}

type fakeQuota struct {
	mu       sync.Mutex
	limit    int
	used     map[int64]int
	checkErr error
}

func newFakeQuota() *fakeQuota {
	return &fakeQuota{used: map[int64]int{}}
}

func (q *fakeQuota) Check(ctx context.Context, accountID int64, n int) (quota.CheckResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.checkErr != nil {
		return quota.CheckResult{}, q.checkErr
	}
	if q.limit <= 0 {
		return quota.CheckResult{CanSend: true, Remaining: 1 << 30}, nil
	}
	remaining := q.limit - q.used[accountID]
	if remaining < 0 {
		remaining = 0
	}
	if n > remaining {
		return quota.CheckResult{CanSend: false, Remaining: remaining, Over: n - remaining}, nil
	}
	return quota.CheckResult{CanSend: true, Remaining: remaining - n}, nil
}

func (q *fakeQuota) Apply(ctx context.Context, accountID int64, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used[accountID] += n
	return nil
}

func (q *fakeQuota) applied(accountID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[accountID]
}

// fakeSender records what it was asked to deliver. Failures are
// scripted per recipient; onSend fires after each successful send with
// the running count; a non-nil block channel holds every send until it
// yields (or closes).
type fakeSender struct {
	mu        sync.Mutex
	principal string

	disabled   bool
	enabledErr error
	failWith   map[string]error
	block      chan struct{}

	sent   []transport.Message
	onSend func(n int)
}

func (f *fakeSender) SendEmail(ctx context.Context, m transport.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	if err, ok := f.failWith[m.Recipient]; ok {
		f.mu.Unlock()
		return "", err
	}
	f.sent = append(f.sent, m)
	n := len(f.sent)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return fmt.Sprintf("fm-%s-%d", f.principal, n), nil
}

func (f *fakeSender) IsMailEnabled(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enabledErr != nil {
		return false, f.enabledErr
	}
	return !f.disabled, nil
}

func (f *fakeSender) Principal() string { return f.principal }

func (f *fakeSender) sentMessages() []transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeFactory struct {
	mu      sync.Mutex
	senders map[string]*fakeSender
	initErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{senders: map[string]*fakeSender{}}
}

// sender returns (creating if needed) the scripted sender for a
// principal, so tests can configure failures before any dispatch runs.
func (f *fakeFactory) sender(principal string) *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.senders[principal]
	if !ok {
		s = &fakeSender{principal: principal}
		f.senders[principal] = s
	}
	return s
}

func (f *fakeFactory) Sender(ctx context.Context, credentialJSON, principal string) (transport.Sender, error) {
	f.mu.Lock()
	initErr := f.initErr
	f.mu.Unlock()
	if initErr != nil {
		return nil, initErr
	}
	if credentialJSON == "" {
		return nil, fmt.Errorf("empty credential")
	}
	return f.sender(principal), nil
}

// =============================================================================
// TEST ENVIRONMENT
// =============================================================================

type testEnv struct {
	eng     *Engine
	store   *fakeStore
	factory *fakeFactory
	quota   *fakeQuota
	queue   *queue.TaskQueue
	mr      *miniredis.Miniredis
	clock   fakeClock
}

func newTestEngine(t *testing.T, opts Options) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	env := &testEnv{
		store:   newFakeStore(),
		factory: newFakeFactory(),
		quota:   newFakeQuota(),
		queue:   queue.New(client, 500, time.Hour),
		mr:      mr,
		clock:   fakeClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.eng = New(CoreServices{
		Store:      env.store,
		Transports: env.factory,
		Creds:      fakeCreds{},
		Queue:      env.queue,
		Quota:      env.quota,
		Renderer:   render.New(),
		Clock:      env.clock,
	}, opts)

	t.Cleanup(func() {
		env.eng.Close()
		client.Close()
		mr.Close()
	})
	return env
}

// seedCampaign installs a draft campaign with nRecipients recipients,
// one account, and the given sender users.
func (env *testEnv) seedCampaign(id int64, nRecipients int, userEmails ...string) *domain.Campaign {
	c := &domain.Campaign{
		ID:             id,
		Name:           fmt.Sprintf("campaign-%d", id),
		Subject:        "Hello {{name}}",
		BodyHTML:       "<p>Hi {{name}}</p>",
		BodyPlain:      "Hi {{name}}",
		FromName:       "Outreach",
		HeaderType:     domain.HeaderExisting,
		TemplateEngine: domain.TemplateSimple,
		Status:         domain.CampaignDraft,
		AccountIDs:     []int64{1},
	}
	for i := 1; i <= nRecipients; i++ {
		c.Recipients = append(c.Recipients, domain.Recipient{
			Email:     fmt.Sprintf("rcpt%03d@example.com", i),
			Variables: map[string]string{"name": fmt.Sprintf("Recipient %d", i)},
		})
	}
	c.TotalRecipients = nRecipients

	acct := &domain.Account{
		ID:            1,
		Name:          "corp-account",
		Domain:        "corp.example",
		AdminEmail:    "admin@corp.example",
		EncryptedJSON: "blob-1",
		Status:        domain.AccountActive,
		DailyLimit:    2000,
	}
	var users []domain.User
	for i, email := range userEmails {
		users = append(users, domain.User{
			ID:        int64(100 + i),
			AccountID: 1,
			Email:     email,
			FullName:  fmt.Sprintf("User %d", i+1),
			IsActive:  true,
		})
	}

	env.store.mu.Lock()
	env.store.campaigns[id] = c
	env.store.accounts[1] = acct
	env.store.users[1] = users
	env.store.links[id] = []int64{1}
	env.store.mu.Unlock()
	return c
}

func (env *testEnv) campaign(t *testing.T, id int64) *domain.Campaign {
	t.Helper()
	c, err := env.store.GetCampaign(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCampaign(%d): %v", id, err)
	}
	return c
}

// waitIdle blocks until the campaign's dispatch goroutines have
// finished and unregistered.
func (env *testEnv) waitIdle(t *testing.T, campaignID int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.eng.dispatches.lookup(campaignID) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dispatch for campaign %d did not finish", campaignID)
}

func (env *testEnv) waitStatus(t *testing.T, campaignID int64, want domain.CampaignStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.campaign(t, campaignID).Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("campaign %d never reached %s (now %s)",
		campaignID, want, env.campaign(t, campaignID).Status)
}

// allRecipients flattens every message delivered by every fake sender.
func (env *testEnv) allRecipients() []string {
	env.factory.mu.Lock()
	senders := make([]*fakeSender, 0, len(env.factory.senders))
	for _, s := range env.factory.senders {
		senders = append(senders, s)
	}
	env.factory.mu.Unlock()

	var out []string
	for _, s := range senders {
		for _, m := range s.sentMessages() {
			out = append(out, m.Recipient)
		}
	}
	sort.Strings(out)
	return out
}
