package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"300"`

	// Each poller owns its own rate controller.
	WorkerPollers int `envconfig:"WORKER_POLLERS" default:"1"`

	// Adaptive delay
	BaseDelaySeconds        float64 `envconfig:"BASE_DELAY_SECONDS" default:"0.1"`
	MinDelaySeconds         float64 `envconfig:"MIN_DELAY_SECONDS" default:"0.01"`
	MaxDelaySeconds         float64 `envconfig:"MAX_DELAY_SECONDS" default:"5.0"`
	ThrottleBackoffFactor   float64 `envconfig:"THROTTLE_BACKOFF_FACTOR" default:"2.0"`
	MaxThrottleBackoffs     int     `envconfig:"THROTTLE_MAX_BACKOFFS" default:"5"`
	ThrottleRecoverySeconds float64 `envconfig:"THROTTLE_RECOVERY_SECONDS" default:"60"`
	ThrottleWindowSeconds   float64 `envconfig:"THROTTLE_WINDOW_SECONDS" default:"300"`

	// Hard ceiling on top of the adaptive delay; 0 disables it.
	MaxSendsPerSecond float64 `envconfig:"MAX_SENDS_PER_SECOND" default:"0"`
	SendBurst         int     `envconfig:"SEND_BURST" default:"1"`

	// Object store holding attachments and bare-key images
	S3Bucket string `envconfig:"S3_BUCKET"`

	// SES
	SESConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`

	// SMTP relay defaults, overridden per campaign
	SMTPHost       string        `envconfig:"SMTP_HOST"`
	SMTPPort       int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername   string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword   string        `envconfig:"SMTP_PASSWORD"`
	SMTPSecretName string        `envconfig:"SMTP_SECRET_NAME"`
	SMTPHelloName  string        `envconfig:"SMTP_HELLO_NAME" default:"localhost"`
	SMTPTimeout    time.Duration `envconfig:"SMTP_TIMEOUT" default:"30s"`
	SMTPRequireTLS bool          `envconfig:"SMTP_REQUIRE_TLS" default:"false"`

	// DKIM (optional)
	DKIMDomain   string `envconfig:"DKIM_DOMAIN"`
	DKIMSelector string `envconfig:"DKIM_SELECTOR"`
	DKIMKeyFile  string `envconfig:"DKIM_KEY_FILE"`

	ImageFetchTimeout time.Duration `envconfig:"IMAGE_FETCH_TIMEOUT" default:"10s"`
	ImageMaxBytes     int64         `envconfig:"IMAGE_MAX_BYTES" default:"10485760"`

	BreakerConsecutiveFailures uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"10"`
	BreakerOpenTimeout         time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"20s"`
}

type EnqueueConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadEnqueue() EnqueueConfig {
	var cfg EnqueueConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Seconds converts a fractional seconds setting into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
