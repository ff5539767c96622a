package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sony/gobreaker"
)

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AttrJobID carries the job id on standard queues, where SQS has no
// deduplication id of its own.
const AttrJobID = "jobId"

// SQSQueue sends jobs to SQS. Queue names passed to Add are queue URLs.
// FIFO queues (".fifo" suffix) deduplicate on the job id.
type SQSQueue struct {
	client       SQSAPI
	messageGroup string
	breaker      *gobreaker.CircuitBreaker
}

// SQSOption configures an SQSQueue.
type SQSOption func(*sqsOptions)

type sqsOptions struct {
	client       SQSAPI
	region       string
	endpoint     string
	messageGroup string
	breaker      *gobreaker.Settings
}

// WithSQSClient sets a custom SQS client (useful for testing).
func WithSQSClient(c SQSAPI) SQSOption {
	return func(o *sqsOptions) { o.client = c }
}

// WithSQSRegion overrides the region from the default AWS config.
func WithSQSRegion(region string) SQSOption {
	return func(o *sqsOptions) { o.region = region }
}

// WithSQSEndpoint points the client at a local SQS (e.g. ElasticMQ).
func WithSQSEndpoint(endpoint string) SQSOption {
	return func(o *sqsOptions) { o.endpoint = endpoint }
}

// WithMessageGroup fixes the FIFO message group. By default each job is its
// own group.
func WithMessageGroup(group string) SQSOption {
	return func(o *sqsOptions) { o.messageGroup = group }
}

// WithSQSBreaker replaces the default circuit breaker settings.
func WithSQSBreaker(st gobreaker.Settings) SQSOption {
	return func(o *sqsOptions) { o.breaker = &st }
}

// NewSQSQueue creates an SQS-backed Queue.
func NewSQSQueue(ctx context.Context, opts ...SQSOption) (*SQSQueue, error) {
	var o sqsOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if o.region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(o.region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		o.client = sqs.NewFromConfig(cfg, func(so *sqs.Options) {
			if o.endpoint != "" {
				so.BaseEndpoint = aws.String(o.endpoint)
			}
		})
	}
	st := gobreaker.Settings{
		Name:    "sqs",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}
	if o.breaker != nil {
		st = *o.breaker
	}
	return &SQSQueue{
		client:       o.client,
		messageGroup: o.messageGroup,
		breaker:      gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Add sends body to the queue at queueURL.
func (q *SQSQueue) Add(ctx context.Context, queueURL, jobID string, body []byte) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			AttrJobID: {DataType: aws.String("String"), StringValue: aws.String(jobID)},
		},
	}
	if IsFIFO(queueURL) {
		group := q.messageGroup
		if group == "" {
			group = jobID
		}
		in.MessageDeduplicationId = aws.String(jobID)
		in.MessageGroupId = aws.String(group)
	}
	_, err := q.breaker.Execute(func() (interface{}, error) {
		return q.client.SendMessage(ctx, in)
	})
	if err != nil {
		return fmt.Errorf("sending to %s: %w", queueURL, err)
	}
	return nil
}

// IsFIFO reports whether a queue URL names a FIFO queue.
func IsFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
