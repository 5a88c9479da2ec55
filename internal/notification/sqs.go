package notification

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/frahmantamala/mpesa-payments/internal"
	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/notification"
)

type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier hands outcomes to the queue read by the email, SMS and chat senders.
type SQSNotifier struct {
	client   SQSAPI
	queueURL string
}

func NewSQSNotifier(client SQSAPI, queueURL string) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL}
}

// NewSQSClient uses static credentials when they are configured and the
// default AWS chain otherwise. Endpoint points at a local emulator.
func NewSQSClient(ctx context.Context, cfg internal.SQSConfig) (*sqs.Client, error) {
	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func (n *SQSNotifier) Name() datamodel.Channel {
	return datamodel.ChannelSQS
}

func (n *SQSNotifier) Notify(ctx context.Context, notice Notice) error {
	body, err := notice.Body()
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(notice.EventType)},
			"owner_id":   {DataType: aws.String("String"), StringValue: aws.String(notice.Attempt.OwnerID)},
		},
	}
	// FIFO queues keep one payment's outcomes in order and drop resends.
	if strings.HasSuffix(n.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(notice.Attempt.ExternalReference)
		input.MessageDeduplicationId = aws.String(notice.EventType + "-" + strconv.FormatInt(notice.DeliveryID, 10))
	}

	if _, err := n.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send queue message: %w", err)
	}
	return nil
}
