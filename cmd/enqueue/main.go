package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mailworker/internal/awsutil"
	"mailworker/internal/config"
	"mailworker/internal/logging"
	sqsqueue "mailworker/internal/queue/sqs"
	"mailworker/internal/store"
	"mailworker/internal/store/pg"
)

var (
	dryRun bool
	limit  int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "enqueue <campaign-id>",
	Short: "Fan a campaign out into send requests",
	Long: `Reads the recipients targeted by a campaign and publishes one send
request per recipient to the worker queue.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runEnqueue,
}

func init() {
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list recipients without publishing")
	rootCmd.Flags().IntVar(&limit, "limit", 0, "publish at most this many requests (0 = all)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg := config.LoadEnqueue()
	logger := logging.Init("enqueue", cfg.LogFormat, cfg.LogLevel)
	campaignID := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: 2, MinConns: -1}, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()
	db := pg.New(pool)

	if _, err := db.GetCampaign(ctx, campaignID); err != nil {
		return fmt.Errorf("load campaign %s: %w", campaignID, err)
	}

	recipients, err := db.Recipients(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}
	if limit > 0 && len(recipients) > limit {
		recipients = recipients[:limit]
	}
	reqs := sendRequests(campaignID, recipients)

	if dryRun {
		for _, r := range reqs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.ContactEmail, r.Role)
		}
		logger.Info("dry run", "campaign_id", campaignID, "recipients", len(reqs))
		return nil
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		return fmt.Errorf("sqs client: %w", err)
	}
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	n, err := producer.EnqueueSends(context.WithoutCancel(ctx), reqs)
	if err != nil {
		logger.Error("enqueue failed", "campaign_id", campaignID, "enqueued", n, "total", len(reqs), "err", err)
		return err
	}
	logger.Info("campaign enqueued", "campaign_id", campaignID, "enqueued", n)
	return nil
}

func sendRequests(campaignID string, recipients []store.Recipient) []sqsqueue.SendRequest {
	out := make([]sqsqueue.SendRequest, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, sqsqueue.SendRequest{
			CampaignID:   campaignID,
			ContactEmail: r.Email,
			Role:         r.Role,
		})
	}
	return out
}
