package sqsqueue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"mailworker/internal/observability"
)

// API is the subset of the SQS client used by the consumer and producer.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

type Consumer struct {
	SQS      API
	QueueURL string
	Logger   *slog.Logger

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// BatchHandler processes every decoded message of one receive. Whatever it
// does, the batch is deleted afterwards.
type BatchHandler func(ctx context.Context, msgs []Message)

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Poll receives batches until ctx is done.
func (c *Consumer) Poll(ctx context.Context, handler BatchHandler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger().Error("sqs receive message failed", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if len(out.Messages) == 0 {
			continue
		}
		c.HandleBatch(ctx, out.Messages, handler)
	}
}

// HandleBatch decodes, hands valid messages to handler and deletes the whole
// batch. Malformed bodies are counted and deleted with it so they never loop.
func (c *Consumer) HandleBatch(ctx context.Context, raw []types.Message, handler BatchHandler) {
	msgs := make([]Message, 0, len(raw))
	for _, m := range raw {
		id := aws.ToString(m.MessageId)
		req, err := DecodeSendRequest(aws.ToString(m.Body))
		if err != nil {
			observability.MalformedMessages.Inc()
			c.logger().Warn("dropping malformed message", "message_id", id, "err", err)
			continue
		}
		msgs = append(msgs, Message{ID: id, ReceiptHandle: aws.ToString(m.ReceiptHandle), Request: req})
	}

	if len(msgs) > 0 {
		handler(ctx, msgs)
	}
	c.deleteAll(context.WithoutCancel(ctx), raw)
}

func (c *Consumer) deleteAll(ctx context.Context, raw []types.Message) {
	for start := 0; start < len(raw); start += maxBatchEntries {
		end := min(start+maxBatchEntries, len(raw))
		entries := make([]types.DeleteMessageBatchRequestEntry, 0, end-start)
		for i, m := range raw[start:end] {
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(start + i)),
				ReceiptHandle: m.ReceiptHandle,
			})
		}
		out, err := c.SQS.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: &c.QueueURL,
			Entries:  entries,
		})
		if err != nil {
			c.logger().Error("sqs delete batch failed", "count", len(entries), "err", err)
			continue
		}
		for _, f := range out.Failed {
			c.logger().Error("sqs delete failed", "entry", aws.ToString(f.Id), "code", aws.ToString(f.Code), "msg", aws.ToString(f.Message))
		}
	}
}

// PollConcurrent runs pollers independent Poll loops. newHandler is called
// once per poller so each can own its own state.
func (c *Consumer) PollConcurrent(ctx context.Context, pollers int, newHandler func(poller int) BatchHandler) error {
	if pollers <= 1 {
		return c.Poll(ctx, newHandler(0))
	}

	errCh := make(chan error, pollers)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errCh <- c.Poll(ctx, newHandler(i))
		}(i)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}
