package quota

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/workspace-mailer/internal/pkg/distlock"
)

// =============================================================================
// DAILY LIMIT RESET SCHEDULER
// =============================================================================
// Sweeps service accounts whose daily_reset_date is behind the current
// day: banks the day's count into total_sent_all_time and zeroes
// daily_sent. The sweep runs hourly, once at startup, and once at each
// local midnight, so a process that was down over midnight catches up
// on its first tick. Limiter also resets lazily per account, which
// makes the sweep a backstop rather than a correctness requirement.

const DefaultSweepInterval = time.Hour

// ResetScheduler periodically resets daily send counters.
type ResetScheduler struct {
	db          *sql.DB
	redisClient *redis.Client // optional; nil falls back to PG advisory locks
	interval    time.Duration
	now         func() time.Time

	// Stats
	sweeps        int64
	accountsReset int64
	errors        int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

func NewResetScheduler(db *sql.DB) *ResetScheduler {
	return &ResetScheduler{
		db:       db,
		interval: DefaultSweepInterval,
		now:      time.Now,
	}
}

// SetRedisClient sets the Redis client for distributed locking.
// If set, the scheduler uses Redis-based locks; otherwise it falls
// back to PostgreSQL advisory locks.
func (rs *ResetScheduler) SetRedisClient(client *redis.Client) {
	rs.redisClient = client
}

// Start begins the sweep loop.
func (rs *ResetScheduler) Start() error {
	rs.mu.Lock()
	if rs.running {
		rs.mu.Unlock()
		return fmt.Errorf("reset scheduler already running")
	}
	rs.running = true
	rs.ctx, rs.cancel = context.WithCancel(context.Background())
	rs.mu.Unlock()

	log.Printf("[ResetScheduler] Starting with sweep interval: %v", rs.interval)

	rs.wg.Add(1)
	go rs.sweepLoop()

	return nil
}

// Stop gracefully stops the scheduler.
func (rs *ResetScheduler) Stop() {
	rs.mu.Lock()
	if !rs.running {
		rs.mu.Unlock()
		return
	}
	rs.running = false
	rs.mu.Unlock()

	rs.cancel()
	rs.wg.Wait()
	log.Printf("[ResetScheduler] Stopped. Sweeps: %d, Accounts reset: %d",
		atomic.LoadInt64(&rs.sweeps), atomic.LoadInt64(&rs.accountsReset))
}

// Stats returns current statistics.
func (rs *ResetScheduler) Stats() map[string]int64 {
	return map[string]int64{
		"sweeps":         atomic.LoadInt64(&rs.sweeps),
		"accounts_reset": atomic.LoadInt64(&rs.accountsReset),
		"errors":         atomic.LoadInt64(&rs.errors),
	}
}

func (rs *ResetScheduler) sweepLoop() {
	defer rs.wg.Done()

	// First sweep runs immediately so restarts never wait an hour to
	// catch up on a missed midnight.
	rs.runSweep()

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	// Accounts with no traffic only roll over when a sweep finds them,
	// so one sweep is pinned to the midnight boundary itself.
	midnight := time.NewTimer(untilNextMidnight(rs.now()))
	defer midnight.Stop()

	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
			rs.runSweep()
		case <-midnight.C:
			rs.runSweep()
			midnight.Reset(untilNextMidnight(rs.now()))
		}
	}
}

// untilNextMidnight reports the wait until the next local midnight.
func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
	return next.Sub(now)
}

func (rs *ResetScheduler) runSweep() {
	ctx, cancel := context.WithTimeout(rs.ctx, 30*time.Second)
	defer cancel()

	// Only one instance sweeps at a time across the fleet.
	lock := distlock.NewLock(rs.redisClient, rs.db, "daily-limit-reset", 5*time.Minute)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[ResetScheduler] Error acquiring sweep lock: %v", err)
		atomic.AddInt64(&rs.errors, 1)
		return
	}
	if !acquired {
		return
	}
	defer lock.Release(ctx)

	n, err := rs.Sweep(ctx)
	if err != nil {
		log.Printf("[ResetScheduler] Sweep failed: %v", err)
		atomic.AddInt64(&rs.errors, 1)
		return
	}

	atomic.AddInt64(&rs.sweeps, 1)
	if n > 0 {
		atomic.AddInt64(&rs.accountsReset, n)
		log.Printf("[ResetScheduler] Reset daily counters for %d accounts", n)
	}
}

// Sweep resets every account whose reset date is behind the current
// day and reports how many were touched. The per-user counters of a
// rolled-over account reset with it. Exported so an admin endpoint
// can trigger it on demand.
func (rs *ResetScheduler) Sweep(ctx context.Context) (int64, error) {
	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE service_accounts
		SET total_sent_all_time = total_sent_all_time + daily_sent,
		    daily_sent = 0,
		    daily_reset_date = $1
		WHERE daily_reset_date < $1
		RETURNING id`, dateOf(rs.now()))
	if err != nil {
		return 0, fmt.Errorf("reset accounts: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reset accounts: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE workspace_users
			SET emails_sent_today = 0
			WHERE service_account_id = ANY($1)`, pq.Array(ids)); err != nil {
			return 0, fmt.Errorf("reset user counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}
	return int64(len(ids)), nil
}
