package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadWorkerDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/campaigns")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/sends")
	t.Setenv("BASE_DELAY_SECONDS", "0.25")

	cfg := LoadWorker()
	if cfg.WorkerPollers != 1 || cfg.SQSMaxMsgs != 10 {
		t.Fatalf("unexpected queue defaults %+v", cfg)
	}
	if cfg.BaseDelaySeconds != 0.25 {
		t.Fatalf("expected override 0.25, got %v", cfg.BaseDelaySeconds)
	}
	if cfg.SMTPTimeout != 30*time.Second || cfg.BreakerConsecutiveFailures != 10 {
		t.Fatalf("unexpected dispatch defaults %+v", cfg)
	}
}

func TestLoadWorkerPanicsWithoutRequired(t *testing.T) {
	for _, k := range []string{"DB_DSN", "AWS_REGION", "SQS_QUEUE_URL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on missing required settings")
		}
	}()
	LoadWorker()
}

func TestSeconds(t *testing.T) {
	if got := Seconds(0.1); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", got)
	}
}
