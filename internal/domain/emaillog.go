package domain

import (
	"time"
)

// EmailStatus enumerates the delivery states of a single recipient email.
type EmailStatus string

const (
	EmailPending EmailStatus = "pending"
	EmailSending EmailStatus = "sending"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
	EmailRetry   EmailStatus = "retry"
)

// EmailLog records the outcome of one recipient within one campaign.
// There is exactly one row per (campaign, recipient).
type EmailLog struct {
	ID         int64 `json:"id" db:"id"`
	CampaignID int64 `json:"campaign_id" db:"campaign_id"`

	RecipientEmail string `json:"recipient_email" db:"recipient_email"`
	RecipientName  string `json:"recipient_name" db:"recipient_name"`

	SenderEmail string `json:"sender_email" db:"sender_email"`
	AccountID   int64  `json:"service_account_id" db:"service_account_id"`

	Subject string `json:"subject" db:"subject"`
	// MessageID is assigned by the transport on successful delivery.
	MessageID string `json:"message_id" db:"message_id"`

	Status       EmailStatus `json:"status" db:"status"`
	ErrorMessage string      `json:"error_message" db:"error_message"`
	RetryCount   int         `json:"retry_count" db:"retry_count"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	SentAt    *time.Time `json:"sent_at" db:"sent_at"`
	FailedAt  *time.Time `json:"failed_at" db:"failed_at"`
}
