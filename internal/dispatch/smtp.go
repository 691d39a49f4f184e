package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"mailworker/internal/compose"
)

const implicitTLSPort = 465

// SMTPSender relays one message per connection: dial, EHLO with optional
// STARTTLS, AUTH PLAIN, MAIL/RCPT/DATA, QUIT. The connection is always
// released.
type SMTPSender struct {
	Host      string
	Port      int
	HelloName string
	Timeout   time.Duration
	Creds     Credentials
	TLSConfig *tls.Config

	// RequireTLS refuses to send in clear when the relay cannot STARTTLS.
	RequireTLS bool
}

func (s *SMTPSender) Transport() string { return TransportSMTP }

func (s *SMTPSender) addr() string {
	port := s.Port
	if port == 0 {
		port = 587
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

func (s *SMTPSender) tlsConfig() *tls.Config {
	if s.TLSConfig != nil {
		return s.TLSConfig
	}
	return &tls.Config{ServerName: s.Host, MinVersion: tls.VersionTLS12}
}

func (s *SMTPSender) Send(ctx context.Context, env compose.Envelope, raw []byte) (string, error) {
	if s.Host == "" {
		return "", errors.New("smtp relay host not configured")
	}
	rcpts := env.Recipients()
	if len(rcpts) == 0 {
		return "", errors.New("no recipients")
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := s.connect(ctx)
	if err != nil {
		return "", classifySMTP(err)
	}
	defer c.Close()

	if err := s.session(ctx, c, env.Sender(), rcpts, raw); err != nil {
		return "", classifySMTP(err)
	}
	return "", nil
}

func (s *SMTPSender) helloName() string {
	if s.HelloName != "" {
		return s.HelloName
	}
	return "localhost"
}

// connect returns a client that has already greeted the relay. Port 465 is
// implicit TLS. Otherwise STARTTLS is used when the relay offers it: the
// plain connection is only used to read the EHLO extensions, and a second
// connection is upgraded. RequireTLS goes straight to the upgrade and fails
// if the relay cannot STARTTLS.
func (s *SMTPSender) connect(ctx context.Context) (*smtp.Client, error) {
	if s.Port == implicitTLSPort {
		conn, err := s.dial(ctx, true)
		if err != nil {
			return nil, err
		}
		c := smtp.NewClient(conn)
		if err := c.Hello(s.helloName()); err != nil {
			c.Close()
			return nil, fmt.Errorf("EHLO: %w", err)
		}
		return c, nil
	}

	if !s.RequireTLS {
		conn, err := s.dial(ctx, false)
		if err != nil {
			return nil, err
		}
		c := smtp.NewClient(conn)
		if err := c.Hello(s.helloName()); err != nil {
			c.Close()
			return nil, fmt.Errorf("EHLO: %w", err)
		}
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return c, nil
		}
		_ = c.Quit()
		c.Close()
	}

	conn, err := s.dial(ctx, false)
	if err != nil {
		return nil, err
	}
	c, err := smtp.NewClientStartTLS(conn, s.tlsConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("STARTTLS: %w", err)
	}
	return c, nil
}

func (s *SMTPSender) dial(ctx context.Context, implicitTLS bool) (net.Conn, error) {
	dialer := &net.Dialer{}
	var (
		conn net.Conn
		err  error
	)
	if implicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}).DialContext(ctx, "tcp", s.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

func (s *SMTPSender) session(ctx context.Context, c *smtp.Client, from string, rcpts []string, raw []byte) error {
	if s.Creds != nil {
		user, pass, err := s.Creds.Lookup(ctx)
		if err != nil {
			return fmt.Errorf("smtp credentials: %w", err)
		}
		if user != "" {
			if ok, _ := c.Extension("AUTH"); !ok {
				return errors.New("relay does not offer AUTH")
			}
			if err := c.Auth(sasl.NewPlainClient("", user, pass)); err != nil {
				return fmt.Errorf("AUTH: %w", err)
			}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := bytes.NewReader(raw).WriteTo(wc); err != nil {
		_ = wc.Close()
		return fmt.Errorf("write data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return c.Quit()
}
