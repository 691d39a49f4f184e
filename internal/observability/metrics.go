package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	EmailsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaign_emails_processed_total", Help: "Send requests taken off the queue"},
	)
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaign_emails_sent_total", Help: "Emails accepted by the email service"},
	)
	EmailsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_emails_failed_total", Help: "Emails that failed, by reason"},
		[]string{"reason"},
	)
	ThrottleExceptions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaign_throttle_exceptions_total", Help: "Sends rejected by throttling"},
	)
	ThrottleHardCeiling = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaign_throttle_hard_ceiling_total", Help: "Throttles received after the backoff cap was reached"},
	)
	AttachmentDelays = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaign_attachment_delays_total", Help: "Sends whose delay was scaled by attachment size"},
	)
	InlineImages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_inline_images_total", Help: "Inline image processing outcomes"},
		[]string{"result"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_provider_send_total", Help: "Dispatch outcomes by transport"},
		[]string{"transport", "result"},
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "campaign_provider_send_latency_seconds", Help: "Dispatch latency"},
		[]string{"transport"},
	)

	// Batch-level gauges, overwritten after every batch.
	FailureRate = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaign_batch_failure_rate_percent", Help: "Failed share of the last batch"},
	)
	SuccessRate = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaign_batch_success_rate_percent", Help: "Sent share of the last batch"},
	)
	ThrottleExceptionsInBatch = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaign_batch_throttle_exceptions", Help: "Throttled sends in the last batch"},
	)
	SendRatePerSecond = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaign_send_rate_per_second", Help: "Successful sends per second in the last batch"},
	)
	SendRatePerMinute = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaign_send_rate_per_minute", Help: "Successful sends per minute in the last batch"},
	)
	IncompleteCampaigns = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaign_incomplete_campaigns", Help: "Campaigns touched by the last batch that are below the completion threshold"},
	)
	CampaignProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "campaign_progress_percent", Help: "Share of contacts with a final outcome"},
		[]string{"campaign_id"},
	)
	CurrentDelay = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaign_current_delay_seconds", Help: "Adaptive delay after the last adjustment"},
	)
	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaign_batch_processing_duration_seconds",
			Help:    "Wall time to process one batch",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	MalformedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaign_malformed_messages_total", Help: "Queue messages that could not be decoded"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_http_requests_total", Help: "Ops endpoint requests"},
		[]string{"route", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EmailsProcessed, EmailsSent, EmailsFailed,
		ThrottleExceptions, ThrottleHardCeiling, AttachmentDelays,
		InlineImages, ProviderSend, ProviderLatency,
		FailureRate, SuccessRate, ThrottleExceptionsInBatch,
		SendRatePerSecond, SendRatePerMinute,
		IncompleteCampaigns, CampaignProgress, CurrentDelay,
		ProcessingDuration, MalformedMessages,
		HTTPRequests,
	)
}
