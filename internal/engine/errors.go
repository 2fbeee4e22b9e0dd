package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle operations. Callers branch with
// errors.Is; the API layer maps them onto HTTP status codes.
var (
	// ErrCampaignNotFound means the campaign id resolves to nothing.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrAccountNotFound means the service account id resolves to nothing.
	ErrAccountNotFound = errors.New("service account not found")

	// ErrNotPrepared means resume was called with no queued work and no
	// pending rows to rebuild from.
	ErrNotPrepared = errors.New("campaign is not prepared")

	// ErrNoSendersAvailable means the pool was empty after decryption
	// failures and admin filtering.
	ErrNoSendersAvailable = errors.New("no senders available")

	// ErrInvalidTransition means the campaign's current status does not
	// allow the requested operation.
	ErrInvalidTransition = errors.New("operation not allowed in current campaign status")

	// ErrCampaignCanceled marks work abandoned because the campaign was
	// canceled.
	ErrCampaignCanceled = errors.New("campaign canceled")
)

// ValidationError reports campaign content that cannot be prepared.
// The campaign returns to its pre-prepare status.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
