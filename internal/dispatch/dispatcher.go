// Package dispatch submits assembled messages to the email API or an SMTP
// relay and reports throttling as *ThrottleError.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mailworker/internal/compose"
	"mailworker/internal/observability"
	"mailworker/internal/store"
)

const (
	TransportAPI  = "api"
	TransportSMTP = "smtp"
)

type Sender interface {
	Transport() string
	Send(ctx context.Context, env compose.Envelope, raw []byte) (providerID string, err error)
}

// SMTPDefaults applies when a campaign does not name its own relay.
type SMTPDefaults struct {
	Host       string
	Port       int
	Username   string
	Password   string
	SecretName string
	HelloName  string
	Timeout    time.Duration
	RequireTLS bool
}

type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker; 0 disables it.
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

type Dispatcher struct {
	API     Sender
	SMTP    SMTPDefaults
	Secrets *SecretStore
	Signer  *DKIMSigner

	// NewSMTP builds the relay sender for a campaign; tests swap it out.
	NewSMTP func(c store.Campaign) Sender

	breakers map[string]*gobreaker.CircuitBreaker
	tracer   trace.Tracer
	logger   *slog.Logger
}

func New(api Sender, smtpDefaults SMTPDefaults, secrets *SecretStore, signer *DKIMSigner, bs BreakerSettings, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		API:      api,
		SMTP:     smtpDefaults,
		Secrets:  secrets,
		Signer:   signer,
		breakers: map[string]*gobreaker.CircuitBreaker{},
		tracer:   otel.Tracer("mailworker/dispatch"),
		logger:   logger.With("component", "dispatch"),
	}
	d.NewSMTP = d.smtpSender
	if bs.ConsecutiveFailures > 0 {
		for _, t := range []string{TransportAPI, TransportSMTP} {
			d.breakers[t] = newBreaker(t, bs, d.logger)
		}
	}
	return d
}

func newBreaker(name string, bs BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker {
	timeout := bs.OpenTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= bs.ConsecutiveFailures },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker state change", "transport", name, "from", from.String(), "to", to.String())
		},
	})
}

// SenderFor picks the transport configured on the campaign: "smtp" goes to
// the relay, anything else to the API.
func (d *Dispatcher) SenderFor(c store.Campaign) Sender {
	if c.UsesSMTP() {
		return d.NewSMTP(c)
	}
	return d.API
}

func (d *Dispatcher) smtpSender(c store.Campaign) Sender {
	s := &SMTPSender{
		Host:       d.SMTP.Host,
		Port:       d.SMTP.Port,
		HelloName:  d.SMTP.HelloName,
		Timeout:    d.SMTP.Timeout,
		RequireTLS: d.SMTP.RequireTLS,
	}
	if c.SMTPServer != "" {
		s.Host = c.SMTPServer
	}
	if c.SMTPPort != 0 {
		s.Port = c.SMTPPort
	}

	secret := d.SMTP.SecretName
	if c.SMTPSecretName != "" {
		secret = c.SMTPSecretName
	}
	switch {
	case secret != "" && d.Secrets != nil:
		s.Creds = d.Secrets.Named(secret)
	case d.SMTP.Username != "":
		s.Creds = StaticCredentials{Username: d.SMTP.Username, Password: d.SMTP.Password}
	}
	return s
}

// Send signs (when configured) and submits the message. Errors that mean the
// service is pushing back come back as *ThrottleError, including an open
// breaker.
func (d *Dispatcher) Send(ctx context.Context, c store.Campaign, msg *compose.Message) (string, error) {
	sender := d.SenderFor(c)
	if sender == nil {
		return "", errors.New("no sender configured for " + string(c.EmailService))
	}
	transport := sender.Transport()

	ctx, span := d.tracer.Start(ctx, "dispatch.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("campaign.id", c.ID),
		attribute.String("dispatch.transport", transport),
		attribute.Int("dispatch.recipients", len(msg.Envelope.Recipients())),
		attribute.Int("dispatch.bytes", len(msg.Raw)),
	)

	raw := msg.Raw
	if d.Signer != nil {
		signed, err := d.Signer.Sign(raw)
		if err != nil {
			d.logger.Warn("dkim signing failed, sending unsigned", "campaign_id", c.ID, "domain", d.Signer.Domain(), "err", err)
		} else {
			raw = signed
		}
	}

	start := time.Now()
	id, err := d.execute(transport, func() (string, error) {
		return sender.Send(ctx, msg.Envelope, raw)
	})
	observability.ProviderLatency.WithLabelValues(transport).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		observability.ProviderSend.WithLabelValues(transport, "ok").Inc()
		if id == "" {
			id = msg.MessageID
		}
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.ProviderSend.WithLabelValues(transport, "breaker_open").Inc()
		err = &ThrottleError{Transport: transport, Code: "ServiceUnavailable", Err: err}
	case IsThrottle(err):
		observability.ProviderSend.WithLabelValues(transport, "throttled").Inc()
	default:
		observability.ProviderSend.WithLabelValues(transport, "error").Inc()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return "", err
	}
	span.SetAttributes(attribute.String("dispatch.provider_id", id))
	span.SetStatus(codes.Ok, "sent")
	return id, nil
}

func (d *Dispatcher) execute(transport string, call func() (string, error)) (string, error) {
	cb := d.breakers[transport]
	if cb == nil {
		return call()
	}
	res, err := cb.Execute(func() (interface{}, error) {
		return call()
	})
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}
