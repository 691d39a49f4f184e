package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"mailworker/internal/awsutil"
	"mailworker/internal/compose"
	"mailworker/internal/config"
	"mailworker/internal/dispatch"
	"mailworker/internal/httpserver"
	"mailworker/internal/logging"
	"mailworker/internal/objectstore"
	"mailworker/internal/observability"
	sqsqueue "mailworker/internal/queue/sqs"
	"mailworker/internal/ratecontrol"
	"mailworker/internal/store/pg"
	workerproc "mailworker/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logger := logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	}, 3*time.Second)
	if err != nil {
		logger.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	clients, err := awsutil.NewClients(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		logger.Error("worker aws client init failed", "err", err)
		os.Exit(1)
	}

	queueReachable := func(c context.Context) error {
		_, err := clients.SQS.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
			QueueUrl:       &cfg.SQSQueueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}
	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := queueReachable(startupCtx); err != nil {
		startupCancel()
		logger.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}
	startupCancel()

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	// health server (liveness + readiness + metrics)
	ops := httpserver.New(logger)
	ops.RegisterOps(prometheus.DefaultGatherer, 2*time.Second,
		httpserver.Check{Name: "db", Fn: func(c context.Context) error { return db.Ping(c) }},
		httpserver.Check{Name: "sqs", Fn: queueReachable},
	)
	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           ops.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	healthErrCh := make(chan error, 1)
	go func() {
		logger.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	objects := objectstore.NewS3(clients.S3, cfg.S3Bucket)
	assembler := compose.NewAssembler(objects, &http.Client{Timeout: cfg.ImageFetchTimeout}, logger)
	assembler.MaxImageBytes = cfg.ImageMaxBytes

	var signer *dispatch.DKIMSigner
	if cfg.DKIMKeyFile != "" {
		signer, err = dispatch.NewDKIMSignerFromFile(cfg.DKIMKeyFile, cfg.DKIMDomain, cfg.DKIMSelector)
		if err != nil {
			logger.Error("dkim signer init failed", "err", err)
			os.Exit(1)
		}
	}
	dispatcher := dispatch.New(
		dispatch.NewSES(clients.SES, cfg.SESConfigurationSet),
		dispatch.SMTPDefaults{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			SecretName: cfg.SMTPSecretName,
			HelloName:  cfg.SMTPHelloName,
			Timeout:    cfg.SMTPTimeout,
			RequireTLS: cfg.SMTPRequireTLS,
		},
		dispatch.NewSecretStore(clients.Secrets),
		signer,
		dispatch.BreakerSettings{
			ConsecutiveFailures: cfg.BreakerConsecutiveFailures,
			OpenTimeout:         cfg.BreakerOpenTimeout,
		},
		logger,
	)

	consumer := &sqsqueue.Consumer{
		SQS:               clients.SQS,
		QueueURL:          cfg.SQSQueueURL,
		Logger:            logger.With("component", "sqs"),
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// Every poller gets its own processor and rate controller; nothing about
	// rate state is shared between them.
	newHandler := func(poller int) sqsqueue.BatchHandler {
		log := logger.With("poller", poller)
		rc := ratecontrol.New(rateConfig(cfg), objects, log)
		proc := workerproc.NewProcessor(store, store, assembler, dispatcher, rc, log)
		if cfg.MaxSendsPerSecond > 0 {
			proc.Limiter = rate.NewLimiter(rate.Limit(cfg.MaxSendsPerSecond), max(cfg.SendBurst, 1))
		}
		return func(ctx context.Context, msgs []sqsqueue.Message) {
			proc.ProcessBatch(ctx, msgs)
		}
	}

	pollErrCh := make(chan error, 1)
	go func() {
		logger.Info("worker starting poll", "queue_url", cfg.SQSQueueURL, "pollers", cfg.WorkerPollers)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerPollers, newHandler)
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		logger.Info("worker shutdown timeout waiting for poll loop")
	}
}

func rateConfig(cfg config.WorkerConfig) ratecontrol.Config {
	rc := ratecontrol.DefaultConfig()
	rc.BaseDelay = config.Seconds(cfg.BaseDelaySeconds)
	rc.MinDelay = config.Seconds(cfg.MinDelaySeconds)
	rc.MaxDelay = config.Seconds(cfg.MaxDelaySeconds)
	rc.BackoffFactor = cfg.ThrottleBackoffFactor
	rc.MaxBackoffs = cfg.MaxThrottleBackoffs
	rc.RecoveryTime = config.Seconds(cfg.ThrottleRecoverySeconds)
	rc.DetectionWindow = config.Seconds(cfg.ThrottleWindowSeconds)
	return rc
}
