// Package ratecontrol computes the adaptive wait inserted before every send.
//
// A Controller is owned by a single worker invocation and is consulted once
// per message. It scales the base delay by the message's attachment volume,
// backs off exponentially while the email service throttles, and decays back
// to the base delay once the service has been quiet for the recovery period.
// State is never shared between invocations.
package ratecontrol

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mailworker/internal/objectstore"
	"mailworker/internal/observability"
	"mailworker/internal/store"
)

const (
	KB = 1024
	MB = 1024 * KB
)

type Config struct {
	BaseDelay time.Duration
	MinDelay  time.Duration
	MaxDelay  time.Duration

	SmallAttachmentBytes  int64
	MediumAttachmentBytes int64
	LargeAttachmentBytes  int64
	SmallFactor           float64
	MediumFactor          float64
	LargeFactor           float64
	// UnknownSizeBytes is charged for an attachment whose size lookup fails.
	UnknownSizeBytes int64

	BackoffFactor   float64
	MaxBackoffs     int
	RecoveryTime    time.Duration
	DetectionWindow time.Duration
	RecoveryFactor  float64
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:             100 * time.Millisecond,
		MinDelay:              10 * time.Millisecond,
		MaxDelay:              5 * time.Second,
		SmallAttachmentBytes:  1 * MB,
		MediumAttachmentBytes: 5 * MB,
		LargeAttachmentBytes:  10 * MB,
		SmallFactor:           1.5,
		MediumFactor:          2.0,
		LargeFactor:           3.0,
		UnknownSizeBytes:      1 * MB,
		BackoffFactor:         2.0,
		MaxBackoffs:           5,
		RecoveryTime:          60 * time.Second,
		DetectionWindow:       300 * time.Second,
		RecoveryFactor:        0.9,
	}
}

// State is the mutable part of a Controller.
type State struct {
	CurrentDelay         time.Duration
	RecentThrottles      []time.Time
	ConsecutiveThrottles int
	LastThrottle         time.Time
}

// Sizer looks up object sizes; objectstore.Store satisfies it.
type Sizer interface {
	Head(ctx context.Context, ref objectstore.Ref) (int64, error)
}

type Controller struct {
	cfg    Config
	sizes  Sizer
	logger *slog.Logger

	// Now is the controller's clock; tests replace it.
	Now func() time.Time

	mu    sync.Mutex
	state State
}

func New(cfg Config, sizes Sizer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinDelay > cfg.BaseDelay {
		cfg.MinDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.RecoveryFactor <= 0 || cfg.RecoveryFactor >= 1 {
		cfg.RecoveryFactor = 0.9
	}
	return &Controller{
		cfg:    cfg,
		sizes:  sizes,
		logger: logger.With("component", "ratecontrol"),
		Now:    time.Now,
		state:  State{CurrentDelay: cfg.BaseDelay},
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.RecentThrottles = append([]time.Time(nil), c.state.RecentThrottles...)
	return s
}

// AttachmentDelay maps the total attachment volume to a scaled base delay.
// A campaign without attachments waits the base delay.
func (c *Controller) AttachmentDelay(ctx context.Context, attachments []store.Attachment) time.Duration {
	if len(attachments) == 0 {
		return c.cfg.BaseDelay
	}

	var total int64
	for _, a := range attachments {
		size := c.cfg.UnknownSizeBytes
		if c.sizes != nil {
			n, err := c.sizes.Head(ctx, objectstore.Ref{Key: a.ObjectKey})
			if err != nil {
				c.logger.Warn("attachment size lookup failed, using estimate",
					"object_key", a.ObjectKey, "estimate_bytes", size, "err", err)
			} else {
				size = n
			}
		}
		total += size
	}

	return c.clampMax(scale(c.cfg.BaseDelay, c.factorFor(total)))
}

func (c *Controller) factorFor(total int64) float64 {
	switch {
	case total <= c.cfg.SmallAttachmentBytes:
		return c.cfg.SmallFactor
	case total <= c.cfg.MediumAttachmentBytes:
		return c.cfg.MediumFactor
	default:
		// Everything above the medium tier, including past LargeAttachmentBytes.
		return c.cfg.LargeFactor
	}
}

// HandleThrottleDetected records a throttle and backs off. Past MaxBackoffs
// consecutive throttles the delay is held at its current value.
func (c *Controller) HandleThrottleDetected() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	c.state.RecentThrottles = append(c.state.RecentThrottles, now)
	c.pruneLocked(now)
	c.state.LastThrottle = now

	if c.state.ConsecutiveThrottles <= c.cfg.MaxBackoffs {
		c.state.ConsecutiveThrottles++
	}

	if c.state.ConsecutiveThrottles <= c.cfg.MaxBackoffs {
		prev := c.state.CurrentDelay
		c.state.CurrentDelay = c.clampMax(scale(prev, c.cfg.BackoffFactor))
		c.logger.Warn("throttle detected, backing off",
			"previous_delay", prev,
			"current_delay", c.state.CurrentDelay,
			"consecutive_throttles", c.state.ConsecutiveThrottles,
			"throttles_in_window", len(c.state.RecentThrottles),
		)
	} else {
		observability.ThrottleHardCeiling.Inc()
		c.logger.Error("throttle backoff ceiling reached, holding delay",
			"current_delay", c.state.CurrentDelay,
			"max_backoffs", c.cfg.MaxBackoffs,
			"throttles_in_window", len(c.state.RecentThrottles),
		)
	}
	observability.CurrentDelay.Set(c.state.CurrentDelay.Seconds())
	return c.state.CurrentDelay
}

// RecoverFromThrottle decays an elevated delay once RecoveryTime has passed
// since the last throttle. It never goes below the base delay.
func (c *Controller) RecoverFromThrottle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.CurrentDelay <= c.cfg.BaseDelay {
		return c.state.CurrentDelay
	}
	now := c.Now()
	if now.Sub(c.state.LastThrottle) <= c.cfg.RecoveryTime {
		return c.state.CurrentDelay
	}

	next := scale(c.state.CurrentDelay, c.cfg.RecoveryFactor)
	if next <= c.cfg.BaseDelay {
		next = c.cfg.BaseDelay
		c.state.ConsecutiveThrottles = 0
		c.logger.Info("recovered from throttling", "current_delay", next)
	}
	c.state.CurrentDelay = next
	c.pruneLocked(now)
	observability.CurrentDelay.Set(next.Seconds())
	return next
}

// DelayForEmail is consulted before every send. err is the outcome of the
// previous send, if any.
func (c *Controller) DelayForEmail(ctx context.Context, attachments []store.Attachment, err error) time.Duration {
	if err != nil && DetectThrottle(err) {
		return c.HandleThrottleDetected()
	}

	current := c.RecoverFromThrottle()
	d := c.AttachmentDelay(ctx, attachments)
	if current > d {
		d = current
	}
	return c.clamp(d)
}

// ThrottlesInWindow counts throttles inside the detection window.
func (c *Controller) ThrottlesInWindow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.Now())
	return len(c.state.RecentThrottles)
}

func (c *Controller) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.DetectionWindow)
	kept := c.state.RecentThrottles[:0]
	for _, t := range c.state.RecentThrottles {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.state.RecentThrottles = kept
}

func (c *Controller) clampMax(d time.Duration) time.Duration {
	if d > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return d
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	if d < c.cfg.MinDelay {
		return c.cfg.MinDelay
	}
	return c.clampMax(d)
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
