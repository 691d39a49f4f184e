package worker

import (
	"errors"
	"time"

	"mailworker/internal/store"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusThrottled Status = "throttled"
)

type Reason string

const (
	ReasonNone             Reason = ""
	ReasonCampaignNotFound Reason = "campaign_not_found"
	ReasonCampaignLookup   Reason = "campaign_lookup"
	ReasonAssemble         Reason = "assemble"
	ReasonCanceled         Reason = "canceled"
	ReasonThrottled        Reason = "throttled"
	ReasonSend             Reason = "send"
	ReasonPanic            Reason = "panic"
)

// Result is the outcome of one send request.
type Result struct {
	MessageID    string
	CampaignID   string
	ContactEmail string
	Status       Status
	Reason       Reason
	Err          error
	ProviderID   string
	Delay        time.Duration
}

func (r Result) fail(reason Reason, err error) Result {
	r.Status = StatusFailed
	r.Reason = reason
	r.Err = err
	return r
}

func reasonForLookup(err error) Reason {
	if errors.Is(err, store.ErrCampaignNotFound) {
		return ReasonCampaignNotFound
	}
	return ReasonCampaignLookup
}

// BatchSummary aggregates one batch. Throttled results count as failed too.
type BatchSummary struct {
	Results    []Result
	Processed  int
	Sent       int
	Failed     int
	Throttled  int
	Duration   time.Duration
	Progress   []store.Progress
	Incomplete int
}

func (s *BatchSummary) add(r Result) {
	s.Results = append(s.Results, r)
	s.Processed++
	switch r.Status {
	case StatusSent:
		s.Sent++
	case StatusThrottled:
		s.Throttled++
		s.Failed++
	default:
		s.Failed++
	}
}

func (s BatchSummary) FailureRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Processed) * 100
}

func (s BatchSummary) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Sent) / float64(s.Processed) * 100
}

func (s BatchSummary) SendsPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Sent) / s.Duration.Seconds()
}
