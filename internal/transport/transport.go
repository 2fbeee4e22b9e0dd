// Package transport defines the outbound mail contract and the MIME
// composition shared by every adapter. Adapters impersonate a single
// delegated principal; the engine picks which principal a batch uses.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/workspace-mailer/internal/domain"
)

// ErrMailDisabled marks a principal whose mailbox rejects API sends
// because the Gmail service is not enabled for that user.
var ErrMailDisabled = errors.New("mail service not enabled for user")

// SendError is a remote rejection other than the disabled-mailbox
// case. StatusCode is 0 when the failure never reached the remote.
type SendError struct {
	StatusCode int
	Remote     string
}

func (e *SendError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport error: %s", e.Remote)
	}
	return fmt.Sprintf("transport error (HTTP %d): %s", e.StatusCode, e.Remote)
}

// Message is one fully rendered send. No template or macro work
// happens past this point.
type Message struct {
	Recipient string
	Subject   string
	BodyHTML  string
	BodyPlain string
	FromName  string
	// ReplyTo overrides the reply address; empty means replies go to
	// the sending principal.
	ReplyTo       string
	CustomHeaders map[string]string
	// HeaderBlock switches the send to full-custom mode when set: the
	// block is placed verbatim as the message headers and the adapter
	// bypasses the provider's own header handling.
	HeaderBlock string
	Attachments []domain.Attachment
}

// Sender delivers messages as one impersonated principal.
type Sender interface {
	// SendEmail delivers one message and returns the provider message
	// ID.
	SendEmail(ctx context.Context, m Message) (string, error)
	// IsMailEnabled probes whether the principal's mailbox accepts API
	// sends. A false return is a stable property of the mailbox, not a
	// transient failure.
	IsMailEnabled(ctx context.Context) (bool, error)
	Principal() string
}

// Factory opens senders for a credential and principal pair. The
// credential JSON is decrypted material; implementations must not log
// or persist it.
type Factory interface {
	Sender(ctx context.Context, credentialJSON, principal string) (Sender, error)
}
