// Package engine is the campaign execution core: sender-pool
// construction, recipient distribution, prepare, dispatch, per-sender
// batch execution, and lifecycle control. Everything the engine touches
// arrives through CoreServices; there is no package-level state.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/workspace-mailer/internal/queue"
	"github.com/ignite/workspace-mailer/internal/quota"
	"github.com/ignite/workspace-mailer/internal/render"
	"github.com/ignite/workspace-mailer/internal/transport"
)

// Clock supplies engine time so tests can fix it. All engine
// timestamps are UTC.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// CredentialStore opens encrypted service-account blobs. Decrypted
// material lives only on the stack of a prepare run and inside the
// transport handle bound to one executor.
type CredentialStore interface {
	Decrypt(blob string) (string, error)
}

// QuotaKeeper enforces per-account daily limits. *quota.Limiter is the
// production implementation.
type QuotaKeeper interface {
	Check(ctx context.Context, accountID int64, n int) (quota.CheckResult, error)
	Apply(ctx context.Context, accountID int64, n int) error
}

// CoreServices carries every collaborator the engine needs. One value
// is constructed at process startup and shared by all operations.
type CoreServices struct {
	Store      Datastore
	Transports transport.Factory
	Creds      CredentialStore
	Queue      *queue.TaskQueue
	Quota      QuotaKeeper
	Renderer   *render.Renderer
	Clock      Clock
}

// Options are the process-wide engine knobs.
type Options struct {
	// MaxParallelPerSender bounds each batch executor's worker pool.
	MaxParallelPerSender int
	// MicroDelay is slept inside a worker before each transport call.
	MicroDelay time.Duration
	// StatusPollInterval is the number of submissions between
	// pause/cancel status reloads.
	StatusPollInterval int
}

func (o Options) withDefaults() Options {
	if o.MaxParallelPerSender <= 0 {
		o.MaxParallelPerSender = 50
	}
	if o.StatusPollInterval <= 0 {
		o.StatusPollInterval = 10
	}
	return o
}

// Engine exposes the campaign operations. Dispatched work runs on
// goroutines owned by the engine and stops on Close.
type Engine struct {
	svc  CoreServices
	opts Options

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	dispatches *dispatchRegistry
}

// New builds an engine around svc. Zero option fields take the
// defaults (50 workers, no micro-delay, poll every 10).
func New(svc CoreServices, opts Options) *Engine {
	if svc.Clock == nil {
		svc.Clock = SystemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		svc:        svc,
		opts:       opts.withDefaults(),
		baseCtx:    ctx,
		cancel:     cancel,
		dispatches: newDispatchRegistry(),
	}
}

// Close stops all in-flight dispatch work and waits for executors to
// commit what they already resolved.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// shortID returns the 8-char request id used to correlate log lines of
// one prepare or dispatch run.
func shortID() string {
	return uuid.NewString()[:8]
}
