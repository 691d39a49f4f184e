package dispatch

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/emersion/go-smtp"

	"mailworker/internal/ratecontrol"
)

// ThrottleError marks a send the email service refused because we are going
// too fast. The rate controller backs off when it sees one.
// Code is always one of the structured throttle codes; Reply carries the
// SMTP reply code when the relay produced it.
type ThrottleError struct {
	Transport string
	Code      string
	Reply     int
	Err       error
}

func (e *ThrottleError) Error() string {
	if e.Reply != 0 {
		return fmt.Sprintf("%s throttled (%s %d): %v", e.Transport, e.Code, e.Reply, e.Err)
	}
	return fmt.Sprintf("%s throttled (%s): %v", e.Transport, e.Code, e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// ErrorCode lets throttle detection treat it like a structured API error.
func (e *ThrottleError) ErrorCode() string { return e.Code }

// IsThrottle reports whether err is, or wraps, a ThrottleError.
func IsThrottle(err error) bool {
	var te *ThrottleError
	return errors.As(err, &te)
}

// classifyAPI wraps SES errors that mean "slow down".
func classifyAPI(transport string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if ratecontrol.IsThrottleCode(code) || ratecontrol.MatchesThrottleText(apiErr.ErrorMessage()) {
			if !ratecontrol.IsThrottleCode(code) {
				code = "Throttling"
			}
			return &ThrottleError{Transport: transport, Code: code, Err: err}
		}
		return err
	}
	if ratecontrol.MatchesThrottleText(err.Error()) {
		return &ThrottleError{Transport: transport, Code: "Throttling", Err: err}
	}
	return err
}

// Transient SMTP replies that may carry throttle wording.
var smtpTransientCodes = map[int]bool{421: true, 450: true, 451: true, 452: true, 454: true}

// classifySMTP maps relay replies onto ThrottleError: 421 and 452 always,
// the other transient codes only when the text says so.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		if se.Code == 421 || se.Code == 452 ||
			(smtpTransientCodes[se.Code] && ratecontrol.MatchesThrottleText(se.Message)) {
			return &ThrottleError{Transport: TransportSMTP, Code: "Throttling", Reply: se.Code, Err: err}
		}
		return err
	}
	if ratecontrol.MatchesThrottleText(err.Error()) {
		return &ThrottleError{Transport: TransportSMTP, Code: "Throttling", Err: err}
	}
	return err
}
