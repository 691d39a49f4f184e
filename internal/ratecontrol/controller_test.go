package ratecontrol

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"mailworker/internal/objectstore"
	"mailworker/internal/store"
)

type sizeMap map[string]int64

func (m sizeMap) Head(_ context.Context, ref objectstore.Ref) (int64, error) {
	n, ok := m[ref.Key]
	if !ok {
		return 0, errors.New("not found")
	}
	return n, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func attach(keys ...string) []store.Attachment {
	out := make([]store.Attachment, 0, len(keys))
	for _, k := range keys {
		out = append(out, store.Attachment{Filename: k, ObjectKey: k})
	}
	return out
}

func newController(t *testing.T, cfg Config, sizes Sizer) (*Controller, *clock) {
	t.Helper()
	c := New(cfg, sizes, testLogger())
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c.Now = clk.now
	return c, clk
}

func TestAttachmentDelayTiers(t *testing.T) {
	sizes := sizeMap{
		"small":  512 * KB,
		"one":    1 * MB,
		"three":  3 * MB,
		"five":   5 * MB,
		"eight":  8 * MB,
		"twenty": 20 * MB,
	}
	c, _ := newController(t, DefaultConfig(), sizes)
	base := DefaultConfig().BaseDelay

	tests := []struct {
		name string
		keys []string
		want time.Duration
	}{
		{"no attachments", nil, base},
		{"under 1MB", []string{"small"}, 150 * time.Millisecond},
		{"exactly 1MB", []string{"one"}, 150 * time.Millisecond},
		{"3MB", []string{"three"}, 200 * time.Millisecond},
		{"exactly 5MB", []string{"five"}, 200 * time.Millisecond},
		{"8MB", []string{"eight"}, 300 * time.Millisecond},
		{"beyond 10MB", []string{"twenty"}, 300 * time.Millisecond},
		{"sizes add up", []string{"three", "three"}, 300 * time.Millisecond},
		{"lookup failure uses 1MB estimate", []string{"missing"}, 150 * time.Millisecond},
		{"estimate adds to known sizes", []string{"missing", "three"}, 200 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.AttachmentDelay(context.Background(), attach(tt.keys...))
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAttachmentDelayMonotonicAndClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = 2 * time.Second
	cfg.MaxDelay = 5 * time.Second
	sizes := sizeMap{"s": 100 * KB, "m": 4 * MB, "l": 9 * MB, "xl": 50 * MB}
	c, _ := newController(t, cfg, sizes)

	var prev time.Duration
	for _, k := range []string{"s", "m", "l", "xl"} {
		d := c.AttachmentDelay(context.Background(), attach(k))
		if d < prev {
			t.Fatalf("delay for %s decreased: %v < %v", k, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("delay for %s above max: %v", k, d)
		}
		prev = d
	}
	if prev != cfg.MaxDelay {
		t.Fatalf("expected largest tier clamped to %v, got %v", cfg.MaxDelay, prev)
	}
}

func TestThrottleBackoffSequence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDelay = 1 * time.Second
	c, _ := newController(t, cfg, nil)

	want := cfg.BaseDelay
	for k := 1; k <= cfg.MaxBackoffs; k++ {
		want *= 2
		if want > cfg.MaxDelay {
			want = cfg.MaxDelay
		}
		got := c.HandleThrottleDetected()
		if got != want {
			t.Fatalf("after %d throttles expected %v, got %v", k, want, got)
		}
	}

	held := c.Snapshot().CurrentDelay
	for i := 0; i < 3; i++ {
		if got := c.HandleThrottleDetected(); got != held {
			t.Fatalf("expected delay held at %v past the cap, got %v", held, got)
		}
	}
	if n := c.Snapshot().ConsecutiveThrottles; n != cfg.MaxBackoffs+1 {
		t.Fatalf("expected consecutive throttles capped at %d, got %d", cfg.MaxBackoffs+1, n)
	}
}

func TestThrottleBackoffUnclamped(t *testing.T) {
	c, _ := newController(t, DefaultConfig(), nil)
	for k := 1; k <= 5; k++ {
		c.HandleThrottleDetected()
	}
	// 0.1s * 2^5
	if got := c.Snapshot().CurrentDelay; got != 3200*time.Millisecond {
		t.Fatalf("expected 3.2s, got %v", got)
	}
}

func TestRecoveryWaitsForQuietPeriod(t *testing.T) {
	c, clk := newController(t, DefaultConfig(), nil)
	c.HandleThrottleDetected()
	c.HandleThrottleDetected()
	elevated := c.Snapshot().CurrentDelay

	clk.advance(30 * time.Second)
	if got := c.RecoverFromThrottle(); got != elevated {
		t.Fatalf("expected no recovery inside the window, got %v", got)
	}

	clk.advance(31 * time.Second)
	got := c.RecoverFromThrottle()
	if got >= elevated {
		t.Fatalf("expected decay below %v, got %v", elevated, got)
	}
	if want := time.Duration(float64(elevated) * 0.9); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRecoveryFloorsAtBase(t *testing.T) {
	cfg := DefaultConfig()
	c, clk := newController(t, cfg, nil)
	for i := 0; i < 4; i++ {
		c.HandleThrottleDetected()
	}
	clk.advance(2 * time.Minute)

	reached := false
	for i := 0; i < 200; i++ {
		d := c.RecoverFromThrottle()
		if d < cfg.BaseDelay {
			t.Fatalf("delay dropped below base: %v", d)
		}
		if d == cfg.BaseDelay {
			reached = true
			break
		}
	}
	if !reached {
		t.Fatalf("expected delay to reach base %v", cfg.BaseDelay)
	}
	if n := c.Snapshot().ConsecutiveThrottles; n != 0 {
		t.Fatalf("expected consecutive throttles reset, got %d", n)
	}
	if got := c.RecoverFromThrottle(); got != cfg.BaseDelay {
		t.Fatalf("expected base to be stable, got %v", got)
	}
}

func TestDelayForEmail(t *testing.T) {
	sizes := sizeMap{"three": 3 * MB}
	c, _ := newController(t, DefaultConfig(), sizes)
	ctx := context.Background()

	if got := c.DelayForEmail(ctx, attach("three"), nil); got != 200*time.Millisecond {
		t.Fatalf("expected attachment delay 200ms, got %v", got)
	}

	prev := c.DelayForEmail(ctx, nil, nil)
	got := c.DelayForEmail(ctx, nil, errors.New("Throttling: Maximum sending rate exceeded."))
	if got != prev*2 {
		t.Fatalf("expected throttle to double %v, got %v", prev, got)
	}

	// Elevated delay wins over a smaller attachment delay.
	if d := c.DelayForEmail(ctx, attach("three"), nil); d != got {
		t.Fatalf("expected current delay %v to dominate, got %v", got, d)
	}

	// Non-throttle errors do not back off.
	if d := c.DelayForEmail(ctx, nil, errors.New("invalid address")); d != got {
		t.Fatalf("expected unchanged delay %v, got %v", got, d)
	}
}

func TestDelayForEmailClampsToMin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = 0
	cfg.MinDelay = 0
	c, _ := newController(t, cfg, nil)
	c.cfg.MinDelay = 10 * time.Millisecond
	if got := c.DelayForEmail(context.Background(), nil, nil); got != 10*time.Millisecond {
		t.Fatalf("expected min delay, got %v", got)
	}
}

func TestThrottleWindowPrunes(t *testing.T) {
	c, clk := newController(t, DefaultConfig(), nil)
	c.HandleThrottleDetected()
	clk.advance(100 * time.Second)
	c.HandleThrottleDetected()
	if n := c.ThrottlesInWindow(); n != 2 {
		t.Fatalf("expected 2 throttles in window, got %d", n)
	}
	clk.advance(250 * time.Second)
	if n := c.ThrottlesInWindow(); n != 1 {
		t.Fatalf("expected 1 throttle in window, got %d", n)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
