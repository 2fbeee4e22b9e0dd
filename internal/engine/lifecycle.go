package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ignite/workspace-mailer/internal/domain"
)

// canceledMessage is the error_message written on every task abandoned
// by a cancel.
const canceledMessage = "Campaign canceled"

// dispatchHandle is the in-process control surface of one running
// dispatch. Pause is a submission gate; cancel additionally cancels
// the dispatch context. Cross-process signaling goes through the
// periodic status poll instead.
type dispatchHandle struct {
	id         string
	campaignID int64
	ctx        context.Context
	cancel     context.CancelFunc
	paused     atomic.Bool
	canceled   atomic.Bool
}

type dispatchRegistry struct {
	mu     sync.Mutex
	active map[int64]*dispatchHandle
}

func newDispatchRegistry() *dispatchRegistry {
	return &dispatchRegistry{active: make(map[int64]*dispatchHandle)}
}

// register creates and installs the handle for a new dispatch,
// replacing any stale one left by a paused run that is still winding
// down.
func (r *dispatchRegistry) register(campaignID int64, id string, parent context.Context) *dispatchHandle {
	ctx, cancel := context.WithCancel(parent)
	h := &dispatchHandle{id: id, campaignID: campaignID, ctx: ctx, cancel: cancel}

	r.mu.Lock()
	r.active[campaignID] = h
	r.mu.Unlock()
	return h
}

// unregister removes the handle if it is still the current one for the
// campaign and releases its context.
func (r *dispatchRegistry) unregister(campaignID int64, id string) {
	r.mu.Lock()
	if h, ok := r.active[campaignID]; ok && h.id == id {
		delete(r.active, campaignID)
		h.cancel()
	}
	r.mu.Unlock()
}

func (r *dispatchRegistry) lookup(campaignID int64) *dispatchHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[campaignID]
}

func (r *dispatchRegistry) pause(campaignID int64) bool {
	if h := r.lookup(campaignID); h != nil {
		h.paused.Store(true)
		return true
	}
	return false
}

func (r *dispatchRegistry) cancelDispatch(campaignID int64) bool {
	if h := r.lookup(campaignID); h != nil {
		h.canceled.Store(true)
		h.cancel()
		return true
	}
	return false
}

// ControlResult is returned by ControlCampaign.
type ControlResult struct {
	Status     domain.CampaignStatus `json:"status"`
	DispatchID string                `json:"dispatch_id,omitempty"`
}

// ControlCampaign applies a lifecycle action: pause (SENDING only),
// resume (delegates to ResumeCampaign), or cancel (READY, SENDING, or
// PAUSED; idempotent once canceled).
func (e *Engine) ControlCampaign(ctx context.Context, id int64, action string) (*ControlResult, error) {
	switch action {
	case "pause":
		return e.pauseCampaign(ctx, id)
	case "resume":
		res, err := e.ResumeCampaign(ctx, id)
		if err != nil {
			return nil, err
		}
		return &ControlResult{Status: res.Status, DispatchID: res.DispatchID}, nil
	case "cancel":
		return e.cancelCampaign(ctx, id)
	default:
		return nil, &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}
}

func (e *Engine) pauseCampaign(ctx context.Context, id int64) (*ControlResult, error) {
	paused := domain.CampaignPaused
	now := e.svc.Clock.Now()
	if err := e.svc.Store.UpdateCampaign(ctx, id, CampaignPatch{
		ExpectStatus: []domain.CampaignStatus{domain.CampaignSending},
		Status:       &paused,
		PausedAt:     &now,
	}); err != nil {
		return nil, err
	}

	e.dispatches.pause(id)
	e.appendLog(id, "Campaign paused")
	log.Printf("[Lifecycle] Campaign %d: paused", id)
	return &ControlResult{Status: paused}, nil
}

// cancelCampaign stops the campaign for good. Remaining pending rows
// are failed here, in one place, so executor commits that race the
// cancel can be discarded wholesale by the terminal-status guard.
func (e *Engine) cancelCampaign(ctx context.Context, id int64) (*ControlResult, error) {
	c, err := e.svc.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.CampaignCanceled {
		return &ControlResult{Status: c.Status}, nil
	}

	canceled := domain.CampaignCanceled
	if err := e.svc.Store.UpdateCampaign(ctx, id, CampaignPatch{
		ExpectStatus: []domain.CampaignStatus{
			domain.CampaignReady, domain.CampaignSending, domain.CampaignPaused,
		},
		Status: &canceled,
	}); err != nil {
		return nil, err
	}

	e.dispatches.cancelDispatch(id)

	failed, err := e.svc.Store.FailPendingEmailLogs(ctx, id, canceledMessage, e.svc.Clock.Now())
	if err != nil {
		log.Printf("[Lifecycle] Campaign %d: failing pending rows: %v", id, err)
	} else if failed > 0 {
		if err := e.svc.Queue.AdvanceProgress(ctx, id, 0, int64(failed)); err != nil {
			log.Printf("[Lifecycle] Campaign %d: progress mirror: %v", id, err)
		}
	}
	if err := e.svc.Queue.Clear(ctx, id); err != nil {
		log.Printf("[Lifecycle] Campaign %d: clearing task queue: %v", id, err)
	}

	e.appendLog(id, "Campaign canceled")
	log.Printf("[Lifecycle] Campaign %d: canceled (%d tasks abandoned)", id, failed)
	return &ControlResult{Status: canceled}, nil
}
