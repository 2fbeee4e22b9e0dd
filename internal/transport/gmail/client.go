// Package gmail delivers mail through the Gmail API under domain-wide
// delegation and reads the Workspace directory through the Admin SDK.
// Every handle impersonates exactly one principal; the JWT token
// source lives inside the handle's HTTP client, so a batch reuses one
// token for its whole run.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ignite/workspace-mailer/internal/transport"
)

// gmailScopes must match what the domain admin authorized for the
// service account's client ID in the Admin Console.
var gmailScopes = []string{
	gmailapi.GmailSendScope,
	gmailapi.GmailComposeScope,
	gmailapi.GmailInsertScope,
	gmailapi.GmailModifyScope,
	gmailapi.GmailReadonlyScope,
}

// Factory opens delegated Gmail handles.
type Factory struct {
	timeout        time.Duration
	disableBreaker bool
}

func NewFactory(timeout time.Duration, disableBreaker bool) *Factory {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Factory{timeout: timeout, disableBreaker: disableBreaker}
}

// Sender opens a handle impersonating principal with the given
// decrypted credential. The credential is parsed, never stored or
// logged.
func (f *Factory) Sender(ctx context.Context, credentialJSON, principal string) (transport.Sender, error) {
	client, err := f.delegatedClient(ctx, credentialJSON, principal, gmailScopes)
	if err != nil {
		return nil, err
	}
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return newHandle(svc, principal, !f.disableBreaker), nil
}

func newHandle(svc *gmailapi.Service, principal string, withBreaker bool) *Handle {
	h := &Handle{svc: svc, principal: principal}
	if withBreaker {
		h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        principal,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		})
	}
	return h
}

func (f *Factory) delegatedClient(ctx context.Context, credentialJSON, principal string, scopes []string) (*http.Client, error) {
	cfg, err := google.JWTConfigFromJSON([]byte(credentialJSON), scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account credential: %w", err)
	}
	cfg.Subject = principal

	client := cfg.Client(ctx)
	client.Timeout = f.timeout
	return client, nil
}

// Handle sends as one impersonated principal.
type Handle struct {
	svc       *gmailapi.Service
	principal string
	breaker   *gobreaker.CircuitBreaker // nil when disabled
}

func (h *Handle) Principal() string { return h.principal }

// SendEmail delivers one message and returns the provider message ID.
// Full-custom messages take the insert path; everything else goes
// through the normal send endpoint.
func (h *Handle) SendEmail(ctx context.Context, m transport.Message) (string, error) {
	if m.HeaderBlock != "" {
		return h.insertRaw(ctx, m)
	}

	payload, err := transport.BuildMIME(m, h.principal)
	if err != nil {
		return "", err
	}

	res, err := h.execute(func() (interface{}, error) {
		return h.svc.Users.Messages.Send("me", &gmailapi.Message{
			Raw: base64.URLEncoding.EncodeToString(payload),
		}).Context(ctx).Do()
	})
	if err != nil {
		return "", mapRemoteError(err)
	}
	return res.(*gmailapi.Message).Id, nil
}

// insertRaw files the full-custom message via messages.insert, which
// bypasses Gmail's header rewriting. The SENT label keeps the message
// visible in the sender's outbox.
func (h *Handle) insertRaw(ctx context.Context, m transport.Message) (string, error) {
	raw, err := transport.BuildRaw(m, h.principal)
	if err != nil {
		return "", err
	}

	res, err := h.execute(func() (interface{}, error) {
		return h.svc.Users.Messages.Insert("me", &gmailapi.Message{
			Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
			LabelIds: []string{"SENT"},
		}).Context(ctx).Do()
	})
	if err != nil {
		return "", mapRemoteError(err)
	}
	return res.(*gmailapi.Message).Id, nil
}

// IsMailEnabled probes the principal's mailbox. Gmail rejects profile
// reads for users without the mail service, which is exactly the
// population the executor must skip.
func (h *Handle) IsMailEnabled(ctx context.Context) (bool, error) {
	_, err := h.execute(func() (interface{}, error) {
		return h.svc.Users.GetProfile("me").Context(ctx).Do()
	})
	if err == nil {
		return true, nil
	}
	if isMailDisabled(err) {
		return false, nil
	}
	return false, mapRemoteError(err)
}

func (h *Handle) execute(call func() (interface{}, error)) (interface{}, error) {
	if h.breaker == nil {
		return call()
	}
	res, err := h.breaker.Execute(call)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &transport.SendError{
			StatusCode: http.StatusServiceUnavailable,
			Remote:     fmt.Sprintf("%s: %v", h.principal, err),
		}
	}
	return res, err
}

// mapRemoteError folds remote failures into the transport error kinds.
func mapRemoteError(err error) error {
	var sendErr *transport.SendError
	if errors.As(err, &sendErr) {
		return err
	}
	if isMailDisabled(err) {
		return transport.ErrMailDisabled
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &transport.SendError{StatusCode: gerr.Code, Remote: gerr.Message}
	}
	return &transport.SendError{Remote: err.Error()}
}

func isMailDisabled(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code != http.StatusBadRequest && gerr.Code != http.StatusForbidden {
		return false
	}
	msg := strings.ToLower(gerr.Message + " " + gerr.Body)
	return strings.Contains(msg, "mail service not enabled") ||
		strings.Contains(msg, "failedprecondition")
}
