package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCampaignNotFound is returned by CampaignStore.GetCampaign. It is never
// transient: the message that referenced the campaign is counted failed.
var ErrCampaignNotFound = errors.New("campaign not found")

type CampaignStatus string

const (
	StatusQueued    CampaignStatus = "queued"
	StatusSending   CampaignStatus = "sending"
	StatusCompleted CampaignStatus = "completed"
	StatusFailed    CampaignStatus = "failed"
)

type EmailService string

const (
	EmailServiceAPI  EmailService = "api"
	EmailServiceSMTP EmailService = "smtp"
)

type Role string

const (
	RoleNone Role = ""
	RoleTo   Role = "to"
	RoleCC   Role = "cc"
	RoleBCC  Role = "bcc"
)

// Valid reports whether r is empty or one of to/cc/bcc.
func (r Role) Valid() bool {
	switch r {
	case RoleNone, RoleTo, RoleCC, RoleBCC:
		return true
	}
	return false
}

// Recipient is one targeted address of a campaign, optionally a dedicated
// to/cc/bcc single send.
type Recipient struct {
	Email string
	Role  Role
}

type Attachment struct {
	Filename    string `json:"filename"`
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type"`
	Inline      bool   `json:"inline,omitempty"`
}

type Campaign struct {
	ID            string
	Subject       string
	Body          string
	FromEmail     string
	Attachments   []Attachment
	CC            []string
	BCC           []string
	TotalContacts int64
	SentCount     int64
	FailedCount   int64
	Status        CampaignStatus
	CreatedAt     time.Time
	SentAt        *time.Time
	LaunchedBy    string

	EmailService   EmailService
	SMTPServer     string
	SMTPPort       int
	SMTPSecretName string
}

// UsesSMTP reports whether the campaign is configured for the SMTP relay.
func (c Campaign) UsesSMTP() bool {
	return EmailService(strings.ToLower(string(c.EmailService))) == EmailServiceSMTP
}

type Contact struct {
	Email      string
	FirstName  string
	LastName   string
	Company    string
	Title      string
	Attributes map[string]string
}

// Fields flattens the contact into placeholder values.
func (c Contact) Fields() map[string]string {
	out := make(map[string]string, len(c.Attributes)+6)
	for k, v := range c.Attributes {
		out[k] = v
	}
	out["email"] = c.Email
	out["first_name"] = c.FirstName
	out["last_name"] = c.LastName
	out["company"] = c.Company
	out["title"] = c.Title
	out["name"] = strings.TrimSpace(c.FirstName + " " + c.LastName)
	return out
}

type CounterField string

const (
	CounterSent   CounterField = "sent_count"
	CounterFailed CounterField = "failed_count"
)

// Progress is a point-in-time read of a campaign's counters.
type Progress struct {
	CampaignID    string
	TotalContacts int64
	SentCount     int64
	FailedCount   int64
	Status        CampaignStatus
}

// Completion is the share of targeted contacts with a final outcome, in [0,1].
func (p Progress) Completion() float64 {
	if p.TotalContacts <= 0 {
		return 0
	}
	done := float64(p.SentCount + p.FailedCount)
	if done > float64(p.TotalContacts) {
		return 1
	}
	return done / float64(p.TotalContacts)
}

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	IncrementCounter(ctx context.Context, id string, field CounterField, delta int64) error
	SetSentAtIfAbsent(ctx context.Context, id string, at time.Time) error
	MarkSending(ctx context.Context, id string) error
	CampaignProgress(ctx context.Context, id string) (Progress, error)
}

type ContactStore interface {
	GetContact(ctx context.Context, email string) (Contact, error)
}
