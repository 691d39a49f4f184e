package ratecontrol

import (
	"errors"
	"fmt"
	"testing"
)

type codedErr struct{ code string }

func (e codedErr) Error() string { return "api error " + e.code }
func (e codedErr) ErrorCode() string { return e.code }

func TestDetectThrottle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttling text", errors.New("Throttling: Maximum sending rate exceeded"), true},
		{"rate limit", errors.New("smtp: 452 rate limit hit"), true},
		{"rate exceeded", errors.New("Rate Exceeded"), true},
		{"too many requests", errors.New("429 Too Many Requests"), true},
		{"quota", errors.New("daily quota exceeded"), true},
		{"unavailable", errors.New("Service Unavailable"), true},
		{"slow down", errors.New("please slow down"), true},
		{"structured code", codedErr{code: "SlowDown"}, true},
		{"wrapped structured code", fmt.Errorf("send: %w", codedErr{code: "ServiceUnavailable"}), true},
		{"other code", codedErr{code: "MessageRejected"}, false},
		{"plain failure", errors.New("invalid recipient"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectThrottle(tt.err); got != tt.want {
				t.Fatalf("DetectThrottle(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
