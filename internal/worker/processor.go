// Package worker runs one batch of send requests through resolve, assemble,
// rate control and dispatch, isolating every failure to its own message.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"mailworker/internal/compose"
	"mailworker/internal/observability"
	sqsqueue "mailworker/internal/queue/sqs"
	"mailworker/internal/ratecontrol"
	"mailworker/internal/store"
)

// DefaultIncompleteThreshold is the completion share below which a touched
// campaign counts as incomplete.
const DefaultIncompleteThreshold = 0.9

type Assembler interface {
	Build(ctx context.Context, c store.Campaign, contact store.Contact, env compose.Envelope) (*compose.Message, error)
}

type Dispatcher interface {
	Send(ctx context.Context, c store.Campaign, msg *compose.Message) (string, error)
}

type Processor struct {
	Campaigns  store.CampaignStore
	Contacts   store.ContactStore
	Assembler  Assembler
	Dispatcher Dispatcher

	// Rate is owned by the invocation running this processor; never share it.
	Rate *ratecontrol.Controller
	// Limiter is an optional hard ceiling on sends per second.
	Limiter *rate.Limiter

	IncompleteThreshold float64

	// Sleep and Now are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	logger *slog.Logger
}

func NewProcessor(campaigns store.CampaignStore, contacts store.ContactStore, asm Assembler, d Dispatcher, rc *ratecontrol.Controller, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		Campaigns:           campaigns,
		Contacts:            contacts,
		Assembler:           asm,
		Dispatcher:          d,
		Rate:                rc,
		IncompleteThreshold: DefaultIncompleteThreshold,
		Sleep:               ratecontrol.Sleep,
		Now:                 time.Now,
		logger:              logger.With("component", "worker"),
	}
}

// ProcessBatch handles every message in order and never fails as a whole:
// the caller deletes the batch regardless of the individual outcomes.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []sqsqueue.Message) BatchSummary {
	ctx, span := otel.Tracer("mailworker/worker").Start(ctx, "worker.ProcessBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(msgs)))

	start := p.Now()
	sum := BatchSummary{Results: make([]Result, 0, len(msgs))}
	campaigns := map[string]campaignLookup{}

	var prevErr error
	for _, m := range msgs {
		res := p.processOne(ctx, m, campaigns, prevErr)
		sum.add(res)

		// A throttle was already fed to the controller; only pass on errors
		// it has not seen.
		prevErr = res.Err
		if res.Status == StatusThrottled {
			prevErr = nil
		}
	}
	sum.Duration = p.Now().Sub(start)

	p.emitBatchMetrics(ctx, &sum, campaigns)
	span.SetAttributes(
		attribute.Int("batch.sent", sum.Sent),
		attribute.Int("batch.failed", sum.Failed),
		attribute.Int("batch.throttled", sum.Throttled),
	)
	p.logger.Info("batch processed",
		"processed", sum.Processed,
		"sent", sum.Sent,
		"failed", sum.Failed,
		"throttled", sum.Throttled,
		"duration", sum.Duration,
		"current_delay", p.Rate.Snapshot().CurrentDelay,
		"throttles_in_window", p.Rate.ThrottlesInWindow(),
	)
	return sum
}

type campaignLookup struct {
	campaign store.Campaign
	err      error
}

// processOne turns anything that goes wrong, panics included, into a failed
// Result for this message alone. A message is counted against its campaign
// at most once: a panic after the outcome was recorded keeps that outcome.
func (p *Processor) processOne(ctx context.Context, m sqsqueue.Message, campaigns map[string]campaignLookup, prevErr error) (res Result) {
	req := m.Request
	res = Result{MessageID: m.ID, CampaignID: req.CampaignID, ContactEmail: req.ContactEmail}
	log := p.logger.With("message_id", m.ID, "campaign_id", req.CampaignID, "contact_email", req.ContactEmail)

	var counted bool
	defer func() {
		if r := recover(); r != nil {
			if counted {
				log.Error("panic after outcome was counted", "status", res.Status, "panic", r, "stack", string(debug.Stack()))
				return
			}
			res.Status = StatusFailed
			res.Reason = ReasonPanic
			res.Err = fmt.Errorf("panic: %v", r)
			log.Error("panic while processing message", "panic", r, "stack", string(debug.Stack()))
			p.countFailure(ctx, req.CampaignID, log)
		}
	}()

	observability.EmailsProcessed.Inc()

	lookup, ok := campaigns[req.CampaignID]
	if !ok {
		c, err := p.Campaigns.GetCampaign(ctx, req.CampaignID)
		lookup = campaignLookup{campaign: c, err: err}
		campaigns[req.CampaignID] = lookup
	}
	if lookup.err != nil {
		res = res.fail(reasonForLookup(lookup.err), lookup.err)
		log.Error("campaign lookup failed, skipping message", "err", lookup.err)
		// A missing campaign has no row to count against.
		if !errors.Is(lookup.err, store.ErrCampaignNotFound) {
			counted = true
			p.countFailure(ctx, req.CampaignID, log)
		}
		return res
	}
	c := lookup.campaign

	contact, err := p.Contacts.GetContact(ctx, req.ContactEmail)
	if err != nil {
		log.Warn("contact lookup failed, sending without personalization", "err", err)
		contact = store.Contact{Email: req.ContactEmail}
	}
	if contact.Email == "" {
		contact.Email = req.ContactEmail
	}

	env := Envelope(c, req)
	msg, err := p.Assembler.Build(ctx, c, contact, env)
	if err != nil {
		res = res.fail(ReasonAssemble, err)
		log.Error("message assembly failed", "err", err)
		counted = true
		p.countFailure(ctx, c.ID, log)
		return res
	}
	if len(msg.FailedImages) > 0 {
		log.Warn("sending with unresolved images", "failed_images", len(msg.FailedImages), "inlined", msg.Inlined)
	}

	delay := p.Rate.DelayForEmail(ctx, c.Attachments, prevErr)
	if len(c.Attachments) > 0 {
		observability.AttachmentDelays.Inc()
	}
	res.Delay = delay
	if err := p.wait(ctx, delay); err != nil {
		res = res.fail(ReasonCanceled, err)
		log.Warn("wait interrupted before send", "err", err)
		counted = true
		p.countFailure(ctx, c.ID, log)
		return res
	}

	providerID, err := p.Dispatcher.Send(ctx, c, msg)
	if err != nil {
		if ratecontrol.DetectThrottle(err) {
			res = res.fail(ReasonThrottled, err)
			res.Status = StatusThrottled
			observability.ThrottleExceptions.Inc()
			next := p.Rate.HandleThrottleDetected()
			log.Warn("send throttled", "err", err, "next_delay", next)
		} else {
			res = res.fail(ReasonSend, err)
			log.Error("send failed", "err", err)
		}
		counted = true
		p.countFailure(ctx, c.ID, log)
		return res
	}

	res.Status = StatusSent
	res.ProviderID = providerID
	observability.EmailsSent.Inc()
	counted = true
	p.countSuccess(ctx, c.ID, log)
	log.Info("email sent", "provider_id", providerID, "delay", delay, "inlined", msg.Inlined, "attached", msg.Attached)
	return res
}

// Envelope resolves the recipients of one send. A request with a role is a
// dedicated single send and never carries the campaign's bulk cc/bcc lists.
func Envelope(c store.Campaign, req sqsqueue.SendRequest) compose.Envelope {
	env := compose.Envelope{From: c.FromEmail}
	switch req.Role {
	case store.RoleCC:
		env.Cc = []string{req.ContactEmail}
	case store.RoleBCC:
		env.Bcc = []string{req.ContactEmail}
	case store.RoleTo:
		env.To = []string{req.ContactEmail}
	default:
		env.To = []string{req.ContactEmail}
		env.Cc = excluding(c.CC, req.ContactEmail)
		env.Bcc = excluding(c.BCC, req.ContactEmail)
	}
	return env
}

func excluding(list []string, addr string) []string {
	var out []string
	for _, a := range list {
		if a = strings.TrimSpace(a); a != "" && !strings.EqualFold(a, addr) {
			out = append(out, a)
		}
	}
	return out
}

func (p *Processor) wait(ctx context.Context, delay time.Duration) error {
	if err := p.Sleep(ctx, delay); err != nil {
		return err
	}
	if p.Limiter != nil {
		return p.Limiter.Wait(ctx)
	}
	return nil
}

// Counter writes must land even when shutdown cancels ctx mid-batch: the
// message is deleted either way.
func (p *Processor) countSuccess(ctx context.Context, campaignID string, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := p.Campaigns.IncrementCounter(ctx, campaignID, store.CounterSent, 1); err != nil {
		log.Error("sent_count update failed", "err", err)
	}
	if err := p.Campaigns.SetSentAtIfAbsent(ctx, campaignID, p.Now().UTC()); err != nil {
		log.Error("sent_at update failed", "err", err)
	}
	if err := p.Campaigns.MarkSending(ctx, campaignID); err != nil {
		log.Error("status update failed", "err", err)
	}
}

func (p *Processor) countFailure(ctx context.Context, campaignID string, log *slog.Logger) {
	if campaignID == "" {
		return
	}
	if err := p.Campaigns.IncrementCounter(context.WithoutCancel(ctx), campaignID, store.CounterFailed, 1); err != nil {
		log.Error("failed_count update failed", "err", err)
	}
}

func (p *Processor) emitBatchMetrics(ctx context.Context, sum *BatchSummary, campaigns map[string]campaignLookup) {
	for _, r := range sum.Results {
		if r.Status != StatusSent {
			observability.EmailsFailed.WithLabelValues(string(r.Reason)).Inc()
		}
	}
	observability.FailureRate.Set(sum.FailureRate())
	observability.SuccessRate.Set(sum.SuccessRate())
	observability.ThrottleExceptionsInBatch.Set(float64(sum.Throttled))
	perSecond := sum.SendsPerSecond()
	observability.SendRatePerSecond.Set(perSecond)
	observability.SendRatePerMinute.Set(perSecond * 60)
	observability.ProcessingDuration.Observe(sum.Duration.Seconds())

	// Live snapshot of the campaigns this batch touched. Other workers may be
	// mid-flight, so the figure is approximate.
	ids := make([]string, 0, len(campaigns))
	for id, l := range campaigns {
		if l.err == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	threshold := p.IncompleteThreshold
	if threshold <= 0 {
		threshold = DefaultIncompleteThreshold
	}
	incomplete := 0
	for _, id := range ids {
		prog, err := p.Campaigns.CampaignProgress(context.WithoutCancel(ctx), id)
		if err != nil {
			p.logger.Warn("campaign progress read failed", "campaign_id", id, "err", err)
			continue
		}
		completion := prog.Completion()
		observability.CampaignProgress.WithLabelValues(id).Set(completion * 100)
		if completion < threshold {
			incomplete++
		}
		sum.Progress = append(sum.Progress, prog)
	}
	sum.Incomplete = incomplete
	observability.IncompleteCampaigns.Set(float64(incomplete))
}
