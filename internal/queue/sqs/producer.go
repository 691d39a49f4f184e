package sqsqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS caps batch calls at 10 entries.
const maxBatchEntries = 10

type Producer struct {
	SQS      API
	QueueURL string
}

func (p *Producer) fifo() bool { return strings.HasSuffix(p.QueueURL, ".fifo") }

// EnqueueSends publishes one message per request and returns how many were
// accepted. On FIFO queues a campaign forms one message group and the
// campaign/contact pair deduplicates.
func (p *Producer) EnqueueSends(ctx context.Context, reqs []SendRequest) (int, error) {
	sent := 0
	for start := 0; start < len(reqs); start += maxBatchEntries {
		end := min(start+maxBatchEntries, len(reqs))
		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i, r := range reqs[start:end] {
			if err := r.Validate(); err != nil {
				return sent, err
			}
			body, err := json.Marshal(r)
			if err != nil {
				return sent, err
			}
			e := types.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(start + i)),
				MessageBody: aws.String(string(body)),
			}
			if p.fifo() {
				e.MessageGroupId = aws.String(r.CampaignID)
				e.MessageDeduplicationId = aws.String(dedupID(r))
			}
			entries = append(entries, e)
		}

		out, err := p.SQS.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: &p.QueueURL,
			Entries:  entries,
		})
		if err != nil {
			return sent, fmt.Errorf("send batch at %d: %w", start, err)
		}
		sent += len(out.Successful)
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return sent, fmt.Errorf("%d entries rejected, first %s: %s", len(out.Failed), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return sent, nil
}

// dedupID hashes the full request identity so long addresses never collide
// under the 128 character FIFO limit.
func dedupID(r SendRequest) string {
	id := r.CampaignID + ":" + strings.ToLower(r.ContactEmail)
	if r.Role != "" {
		id += ":" + string(r.Role)
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
