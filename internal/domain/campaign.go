package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignPreparing CampaignStatus = "preparing"
	CampaignReady     CampaignStatus = "ready"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCanceled  CampaignStatus = "canceled"
)

// IsTerminal returns true if the status is a final state.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignCanceled
}

// HeaderType selects how message headers are produced for a campaign.
type HeaderType string

const (
	// HeaderExisting lets the transport compose standard headers.
	HeaderExisting HeaderType = "existing"
	// HeaderFullCustom sends the campaign's custom header block verbatim.
	HeaderFullCustom HeaderType = "full_custom"
)

// TemplateEngine selects how campaign content is rendered per recipient.
type TemplateEngine string

const (
	// TemplateSimple is literal {{var}} substitution; unknown tokens survive.
	TemplateSimple TemplateEngine = "simple"
	// TemplateLiquid renders content through the Liquid engine.
	TemplateLiquid TemplateEngine = "liquid"
)

// Recipient is one campaign recipient with its substitution variables.
type Recipient struct {
	Email     string            `json:"email"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Campaign represents an email campaign with its content and delivery config.
type Campaign struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	Subject   string `json:"subject" db:"subject"`
	BodyHTML  string `json:"body_html" db:"body_html"`
	BodyPlain string `json:"body_plain" db:"body_plain"`
	FromName  string `json:"from_name" db:"from_name"`
	ReplyTo   string `json:"reply_to" db:"reply_to"`

	HeaderType     HeaderType        `json:"header_type" db:"header_type"`
	CustomHeader   string            `json:"custom_header" db:"custom_header"`
	CustomHeaders  map[string]string `json:"custom_headers,omitempty" db:"custom_headers"`
	TemplateEngine TemplateEngine    `json:"template_engine" db:"template_engine"`
	Attachments    []Attachment      `json:"attachments,omitempty" db:"attachments"`

	Recipients      []Recipient `json:"recipients,omitempty" db:"recipients"`
	TotalRecipients int         `json:"total_recipients" db:"total_recipients"`

	// Many-to-many with Account via campaign_senders.
	AccountIDs []int64 `json:"account_ids,omitempty" db:"-"`

	RateLimit   int `json:"rate_limit" db:"rate_limit"`
	Concurrency int `json:"concurrency" db:"concurrency"`

	TestAfterEmail string `json:"test_after_email" db:"test_after_email"`
	TestAfterCount int    `json:"test_after_count" db:"test_after_count"`

	Status       CampaignStatus `json:"status" db:"status"`
	SentCount    int            `json:"sent_count" db:"sent_count"`
	FailedCount  int            `json:"failed_count" db:"failed_count"`
	PendingCount int            `json:"pending_count" db:"pending_count"`

	// DispatchID is the opaque handle of the running dispatcher, if any.
	DispatchID string `json:"dispatch_id" db:"dispatch_id"`

	PreparedAt  *time.Time `json:"prepared_at" db:"prepared_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	PausedAt    *time.Time `json:"paused_at" db:"paused_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// TestAfterEnabled reports whether the campaign interleaves test-after probes.
func (c *Campaign) TestAfterEnabled() bool {
	return c.TestAfterEmail != "" && c.TestAfterCount > 0
}

// Attachment is an inline file attachment, content base64-encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}
