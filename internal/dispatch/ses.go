package dispatch

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"

	"mailworker/internal/compose"
)

type SESAPI interface {
	SendRawEmail(ctx context.Context, in *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SESSender submits pre-built raw messages through the SES API. Destinations
// carry the full envelope because Bcc is absent from the headers.
type SESSender struct {
	Client           SESAPI
	ConfigurationSet string
}

func NewSES(client SESAPI, configurationSet string) *SESSender {
	return &SESSender{Client: client, ConfigurationSet: configurationSet}
}

func (s *SESSender) Transport() string { return TransportAPI }

func (s *SESSender) Send(ctx context.Context, env compose.Envelope, raw []byte) (string, error) {
	rcpts := env.Recipients()
	if len(rcpts) == 0 {
		return "", errors.New("no recipients")
	}
	in := &ses.SendRawEmailInput{
		Source:       aws.String(env.Sender()),
		Destinations: rcpts,
		RawMessage:   &sestypes.RawMessage{Data: raw},
	}
	if s.ConfigurationSet != "" {
		in.ConfigurationSetName = aws.String(s.ConfigurationSet)
	}
	out, err := s.Client.SendRawEmail(ctx, in)
	if err != nil {
		return "", classifyAPI(TransportAPI, err)
	}
	return aws.ToString(out.MessageId), nil
}
