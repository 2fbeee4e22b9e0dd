// Package queue is the Redis handoff between campaign preparation and
// dispatch. Prepared batches wait in a per-campaign list, live counters
// sit in a hash the UI polls, and a capped list keeps the recent send
// activity. Every key expires on its own so finished campaigns leave
// nothing behind.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/workspace-mailer/internal/domain"
)

// Redis key patterns
const (
	keyTasks    = "campaign:%d:tasks"    // campaign_id
	keyProgress = "campaign:%d:progress" // campaign_id
	keyLogs     = "campaign:%d:logs"     // campaign_id
)

// envelopeVersion is bumped whenever the batch wire format changes.
// Decoding rejects any other version so a dispatcher never runs a
// payload written by an incompatible build.
const envelopeVersion = 1

var ErrEnvelopeVersion = errors.New("unsupported task envelope version")

// SenderIdentity is the delegated identity one batch sends through.
type SenderIdentity struct {
	AccountID int64 `json:"service_account_id"`
	// CredentialJSON is the decrypted service-account key. It exists
	// only inside queued payloads and process memory; it is never
	// written to the database or to logs.
	CredentialJSON string `json:"service_account_json"`
	Principal      string `json:"user_email"`
	UserID         int64  `json:"user_id"`
}

// Task is one fully rendered send. All template work happened at
// prepare time; the executor only moves bytes.
type Task struct {
	// EmailLogID is nil for test-after probes, which have no database
	// row and never touch campaign counters.
	EmailLogID     *int64              `json:"email_log_id"`
	RecipientEmail string              `json:"recipient_email"`
	Subject        string              `json:"subject"`
	BodyHTML       string              `json:"body_html"`
	BodyPlain      string              `json:"body_plain"`
	FromName       string              `json:"from_name"`
	ReplyTo        string              `json:"reply_to,omitempty"`
	CustomHeaders  map[string]string   `json:"custom_headers,omitempty"`
	HeaderBlock    string              `json:"header_block,omitempty"`
	Attachments    []domain.Attachment `json:"attachments,omitempty"`
	IsTestAfter    bool                `json:"is_test_after,omitempty"`
	TestAfterCount int                 `json:"test_after_count,omitempty"`
}

// Batch is the unit a dispatcher hands to one executor: every queued
// task for a single sender.
type Batch struct {
	CampaignID int64
	Sender     SenderIdentity
	Tasks      []Task
}

// envelope wraps a Batch on the wire.
type envelope struct {
	Version    int            `json:"v"`
	CampaignID int64          `json:"campaign_id"`
	Sender     SenderIdentity `json:"sender"`
	Tasks      []Task         `json:"tasks"`
}

// Progress mirrors campaign counters into Redis for cheap polling
// while a send is live. Unlike the database counters these include
// test-after probes.
type Progress struct {
	Total            int64
	Sent             int64
	Failed           int64
	Pending          int64
	TestAfterEnabled bool
	TestAfterEmail   string
	TestAfterCount   int64
}

// LogEntry is one line of the live send activity feed.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Message   string    `json:"message"`
}

// TaskQueue stores prepared batches, live progress, and the send
// activity log for campaigns.
type TaskQueue struct {
	redis       *redis.Client
	logCap      int64
	progressTTL time.Duration
}

func New(redisClient *redis.Client, logCap int, progressTTL time.Duration) *TaskQueue {
	if logCap <= 0 {
		logCap = 5000
	}
	if progressTTL <= 0 {
		progressTTL = 24 * time.Hour
	}
	return &TaskQueue{
		redis:       redisClient,
		logCap:      int64(logCap),
		progressTTL: progressTTL,
	}
}

// Replace swaps the queued batches for a campaign. Preparing twice is
// safe: the old list is dropped in the same pipeline that writes the
// new one, so a dispatcher can never see a mix of both runs.
func (q *TaskQueue) Replace(ctx context.Context, campaignID int64, batches []Batch) error {
	payloads := make([]interface{}, 0, len(batches))
	for _, b := range batches {
		data, err := json.Marshal(envelope{
			Version:    envelopeVersion,
			CampaignID: campaignID,
			Sender:     b.Sender,
			Tasks:      b.Tasks,
		})
		if err != nil {
			return fmt.Errorf("marshal batch: %w", err)
		}
		payloads = append(payloads, data)
	}

	key := fmt.Sprintf(keyTasks, campaignID)
	pipe := q.redis.Pipeline()
	pipe.Del(ctx, key)
	if len(payloads) > 0 {
		pipe.RPush(ctx, key, payloads...)
		pipe.Expire(ctx, key, q.progressTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Pop removes and returns the next batch, or nil when the queue is
// empty.
func (q *TaskQueue) Pop(ctx context.Context, campaignID int64) (*Batch, error) {
	data, err := q.redis.LPop(ctx, fmt.Sprintf(keyTasks, campaignID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeBatch(data)
}

// Drain pops every queued batch in queue order.
func (q *TaskQueue) Drain(ctx context.Context, campaignID int64) ([]Batch, error) {
	var batches []Batch
	for {
		b, err := q.Pop(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return batches, nil
		}
		batches = append(batches, *b)
	}
}

// Len reports how many batches remain queued.
func (q *TaskQueue) Len(ctx context.Context, campaignID int64) (int64, error) {
	return q.redis.LLen(ctx, fmt.Sprintf(keyTasks, campaignID)).Result()
}

// Clear drops any queued batches without touching progress or logs.
func (q *TaskQueue) Clear(ctx context.Context, campaignID int64) error {
	return q.redis.Del(ctx, fmt.Sprintf(keyTasks, campaignID)).Err()
}

// Purge removes every key for a campaign. Used when a campaign is
// deleted.
func (q *TaskQueue) Purge(ctx context.Context, campaignID int64) error {
	return q.redis.Del(ctx,
		fmt.Sprintf(keyTasks, campaignID),
		fmt.Sprintf(keyProgress, campaignID),
		fmt.Sprintf(keyLogs, campaignID),
	).Err()
}

func decodeBatch(data []byte) (*Batch, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: got v%d, want v%d", ErrEnvelopeVersion, env.Version, envelopeVersion)
	}
	return &Batch{CampaignID: env.CampaignID, Sender: env.Sender, Tasks: env.Tasks}, nil
}

// InitProgress seeds the live counters for a campaign run.
func (q *TaskQueue) InitProgress(ctx context.Context, campaignID int64, p Progress) error {
	enabled := "0"
	if p.TestAfterEnabled {
		enabled = "1"
	}

	key := fmt.Sprintf(keyProgress, campaignID)
	pipe := q.redis.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"total":              p.Total,
		"sent":               p.Sent,
		"failed":             p.Failed,
		"pending":            p.Pending,
		"test_after_enabled": enabled,
		"test_after_email":   p.TestAfterEmail,
		"test_after_count":   p.TestAfterCount,
	})
	pipe.Expire(ctx, key, q.progressTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// AdvanceProgress applies one batch commit to the live counters.
// Every resolved task moves from pending to sent or failed.
func (q *TaskQueue) AdvanceProgress(ctx context.Context, campaignID int64, sent, failed int64) error {
	if sent == 0 && failed == 0 {
		return nil
	}

	key := fmt.Sprintf(keyProgress, campaignID)
	pipe := q.redis.Pipeline()
	if sent != 0 {
		pipe.HIncrBy(ctx, key, "sent", sent)
	}
	if failed != 0 {
		pipe.HIncrBy(ctx, key, "failed", failed)
	}
	pipe.HIncrBy(ctx, key, "pending", -(sent + failed))
	pipe.Expire(ctx, key, q.progressTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Progress returns the live counters, or nil when no run has them.
func (q *TaskQueue) Progress(ctx context.Context, campaignID int64) (*Progress, error) {
	vals, err := q.redis.HGetAll(ctx, fmt.Sprintf(keyProgress, campaignID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return &Progress{
		Total:            parseCount(vals["total"]),
		Sent:             parseCount(vals["sent"]),
		Failed:           parseCount(vals["failed"]),
		Pending:          parseCount(vals["pending"]),
		TestAfterEnabled: vals["test_after_enabled"] == "1",
		TestAfterEmail:   vals["test_after_email"],
		TestAfterCount:   parseCount(vals["test_after_count"]),
	}, nil
}

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// AppendLog records one line of send activity. The list is capped so a
// large campaign cannot grow it without bound.
func (q *TaskQueue) AppendLog(ctx context.Context, campaignID int64, message string) error {
	entry, err := json.Marshal(LogEntry{Timestamp: time.Now().UTC(), Message: message})
	if err != nil {
		return err
	}

	key := fmt.Sprintf(keyLogs, campaignID)
	pipe := q.redis.Pipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, -q.logCap, -1)
	pipe.Expire(ctx, key, q.progressTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// TailLogs returns the most recent limit entries, oldest first.
// Entries that fail to decode are skipped.
func (q *TaskQueue) TailLogs(ctx context.Context, campaignID int64, limit int64) ([]LogEntry, error) {
	if limit <= 0 || limit > q.logCap {
		limit = q.logCap
	}

	raw, err := q.redis.LRange(ctx, fmt.Sprintf(keyLogs, campaignID), -limit, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeLogEntries(raw), nil
}

// LogsRange pages through the log list from the oldest retained entry.
// nextOffset is the index to pass on the next call; it equals the list
// length when the caller has seen everything. Offsets shift as the cap
// trims old entries, which is acceptable for a live tail.
func (q *TaskQueue) LogsRange(ctx context.Context, campaignID int64, offset, limit int64) ([]LogEntry, int64, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > q.logCap {
		limit = q.logCap
	}

	key := fmt.Sprintf(keyLogs, campaignID)
	pipe := q.redis.Pipeline()
	rangeCmd := pipe.LRange(ctx, key, offset, offset+limit-1)
	lenCmd := pipe.LLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, err
	}

	raw := rangeCmd.Val()
	nextOffset := offset + int64(len(raw))
	if total := lenCmd.Val(); nextOffset > total {
		nextOffset = total
	}
	return decodeLogEntries(raw), nextOffset, nil
}

func decodeLogEntries(raw []string) []LogEntry {
	entries := make([]LogEntry, 0, len(raw))
	for _, r := range raw {
		var e LogEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}
