package ratecontrol

import (
	"errors"
	"strings"
)

var throttleVocabulary = []string{
	"throttle",
	"rate limit",
	"rate exceeded",
	"too many requests",
	"quota exceeded",
	"service unavailable",
	"slow down",
}

var throttleCodes = map[string]bool{
	"Throttling":         true,
	"ServiceUnavailable": true,
	"SlowDown":           true,
}

// coder is implemented by smithy.APIError and dispatch.ThrottleError.
type coder interface {
	ErrorCode() string
}

// DetectThrottle reports whether err means the email service wants us to
// send slower. It checks structured error codes anywhere in the chain first,
// then the error text.
func DetectThrottle(err error) bool {
	if err == nil {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if c, ok := e.(coder); ok && IsThrottleCode(c.ErrorCode()) {
			return true
		}
	}
	var c coder
	if errors.As(err, &c) && IsThrottleCode(c.ErrorCode()) {
		return true
	}
	return MatchesThrottleText(err.Error())
}

func IsThrottleCode(code string) bool {
	return throttleCodes[code]
}

// MatchesThrottleText matches the throttle vocabulary case-insensitively.
func MatchesThrottleText(msg string) bool {
	msg = strings.ToLower(msg)
	for _, w := range throttleVocabulary {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}
