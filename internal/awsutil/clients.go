package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Clients holds every AWS service client the worker talks to. They share one
// aws.Config so credentials are resolved once per process.
type Clients struct {
	SQS     *sqs.Client
	S3      *s3.Client
	SES     *ses.Client
	Secrets *secretsmanager.Client
}

// LoadConfig resolves the SDK config. A non-empty endpoint (e.g.
// http://localhost:4566 for LocalStack) switches to static dummy credentials.
func LoadConfig(ctx context.Context, region, endpoint string) (aws.Config, error) {
	opts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(region),
	}
	if endpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}
	return configv2.LoadDefaultConfig(ctx, opts...)
}

func NewClients(ctx context.Context, region, endpoint string) (*Clients, error) {
	cfg, err := LoadConfig(ctx, region, endpoint)
	if err != nil {
		return nil, err
	}
	return FromConfig(cfg, endpoint), nil
}

// FromConfig builds the clients, pointing them at endpoint when set.
func FromConfig(cfg aws.Config, endpoint string) *Clients {
	if endpoint == "" {
		return &Clients{
			SQS:     sqs.NewFromConfig(cfg),
			S3:      s3.NewFromConfig(cfg),
			SES:     ses.NewFromConfig(cfg),
			Secrets: secretsmanager.NewFromConfig(cfg),
		}
	}

	base := aws.String(endpoint)
	return &Clients{
		SQS: sqs.NewFromConfig(cfg, func(o *sqs.Options) { o.BaseEndpoint = base }),
		S3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = base
			o.UsePathStyle = true
		}),
		SES:     ses.NewFromConfig(cfg, func(o *ses.Options) { o.BaseEndpoint = base }),
		Secrets: secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) { o.BaseEndpoint = base }),
	}
}

// NewSQSClient is used by binaries that only need the queue.
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	cfg, err := LoadConfig(ctx, region, endpoint)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}), nil
	}
	return sqs.NewFromConfig(cfg), nil
}
