package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailworker/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) GetCampaign(ctx context.Context, id string) (store.Campaign, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT campaign_id, subject, body, from_email, attachments_json,
		       cc, bcc, total_contacts, sent_count, failed_count, status,
		       created_at, sent_at, COALESCE(launched_by,''),
		       COALESCE(email_service,'api'), COALESCE(smtp_server,''), COALESCE(smtp_port,0),
		       COALESCE(smtp_secret_name,'')
		FROM campaigns WHERE campaign_id=$1
	`, id)

	var (
		c           store.Campaign
		attachments []byte
		status      string
		service     string
		smtpPort    int32
	)
	err := row.Scan(&c.ID, &c.Subject, &c.Body, &c.FromEmail, &attachments,
		&c.CC, &c.BCC, &c.TotalContacts, &c.SentCount, &c.FailedCount, &status,
		&c.CreatedAt, &c.SentAt, &c.LaunchedBy,
		&service, &c.SMTPServer, &smtpPort, &c.SMTPSecretName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Campaign{}, fmt.Errorf("%w: %s", store.ErrCampaignNotFound, id)
		}
		return store.Campaign{}, err
	}
	c.Status = store.CampaignStatus(status)
	c.EmailService = store.EmailService(service)
	c.SMTPPort = int(smtpPort)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &c.Attachments); err != nil {
			return store.Campaign{}, fmt.Errorf("decode attachments for %s: %w", id, err)
		}
	}
	return c, nil
}

// IncrementCounter applies an additive server-side update, so concurrent
// workers never lose increments.
func (s *Store) IncrementCounter(ctx context.Context, id string, field store.CounterField, delta int64) error {
	var q string
	switch field {
	case store.CounterSent:
		q = `UPDATE campaigns SET sent_count = sent_count + $2 WHERE campaign_id=$1`
	case store.CounterFailed:
		q = `UPDATE campaigns SET failed_count = failed_count + $2 WHERE campaign_id=$1`
	default:
		return fmt.Errorf("unknown counter field %q", field)
	}
	_, err := s.DB.Exec(ctx, q, id, delta)
	return err
}

func (s *Store) SetSentAtIfAbsent(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET sent_at=$2 WHERE campaign_id=$1 AND sent_at IS NULL
	`, id, at)
	return err
}

// MarkSending only moves queued campaigns forward; status never regresses.
func (s *Store) MarkSending(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2 WHERE campaign_id=$1 AND status=$3
	`, id, string(store.StatusSending), string(store.StatusQueued))
	return err
}

func (s *Store) CampaignProgress(ctx context.Context, id string) (store.Progress, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT total_contacts, sent_count, failed_count, status FROM campaigns WHERE campaign_id=$1
	`, id)
	p := store.Progress{CampaignID: id}
	var status string
	if err := row.Scan(&p.TotalContacts, &p.SentCount, &p.FailedCount, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Progress{}, fmt.Errorf("%w: %s", store.ErrCampaignNotFound, id)
		}
		return store.Progress{}, err
	}
	p.Status = store.CampaignStatus(status)
	return p, nil
}

// GetContact never fails on a missing row: the worker sends to the bare
// address in that case.
func (s *Store) GetContact(ctx context.Context, email string) (store.Contact, error) {
	email = strings.TrimSpace(email)
	row := s.DB.QueryRow(ctx, `
		SELECT email, COALESCE(first_name,''), COALESCE(last_name,''), COALESCE(company,''),
		       COALESCE(title,''), attributes_json
		FROM contacts WHERE lower(email)=lower($1)
	`, email)

	var (
		c     store.Contact
		attrs []byte
	)
	err := row.Scan(&c.Email, &c.FirstName, &c.LastName, &c.Company, &c.Title, &attrs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Contact{Email: email}, nil
		}
		return store.Contact{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return store.Contact{}, fmt.Errorf("decode attributes for %s: %w", email, err)
		}
	}
	return c, nil
}

// Recipients lists the contacts targeted by a campaign. Used by the enqueue
// tool to fan a launched campaign out into send requests.
func (s *Store) Recipients(ctx context.Context, campaignID string) ([]store.Recipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT contact_email, COALESCE(role,'') FROM campaign_recipients WHERE campaign_id=$1 ORDER BY contact_email
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Recipient
	for rows.Next() {
		var r store.Recipient
		var role string
		if err := rows.Scan(&r.Email, &role); err != nil {
			return nil, err
		}
		r.Role = store.Role(role)
		out = append(out, r)
	}
	return out, rows.Err()
}
