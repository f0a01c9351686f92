// Package sqs ships events to an Amazon SQS queue in batches of ten.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/sink"
)

// maxBatch is the SendMessageBatch entry limit.
const maxBatch = 10

type sqsAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// ClientFunc builds the SQS client on connect.
type ClientFunc func(ctx context.Context) (sqsAPI, error)

// Config names the queue.
type Config struct {
	QueueURL string
	Region   string
}

// Transport sends one SQS message per formatted line.
type Transport struct {
	*sink.Handle
	cfg       Config
	newClient ClientFunc

	mu     sync.Mutex
	client sqsAPI
}

// New returns a disconnected transport that resolves credentials through
// the default AWS provider chain.
func New(cfg Config, opts sink.Options) (*Transport, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs: queue url is required")
	}
	t := &Transport{Handle: sink.NewHandle("sqs", opts), cfg: cfg}
	t.newClient = t.defaultClient
	return t, nil
}

func (t *Transport) defaultClient(ctx context.Context) (sqsAPI, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if t.cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(t.cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

func (t *Transport) Connect(ctx context.Context) error {
	t.release()
	return t.Establish(ctx, func(ctx context.Context) error {
		client, err := t.newClient(ctx)
		if err != nil {
			return err
		}
		_, err = client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(t.cfg.QueueURL),
			AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
		})
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.client = client
		t.mu.Unlock()
		return nil
	})
}

func (t *Transport) Reconnect(ctx context.Context) error {
	if t.Valid() {
		return nil
	}
	return t.Connect(ctx)
}

func (t *Transport) Send(ctx context.Context, rec model.Record) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !t.Valid() {
		t.Invalidate()
		return t.Report("send", sink.ErrNotConnected)
	}

	lines, err := t.Formatter().Lines(rec)
	if err != nil {
		t.Invalidate()
		return t.Report("send", err)
	}

	in := sqs.SendMessageBatchInput{QueueUrl: aws.String(t.cfg.QueueURL)}
	entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, maxBatch)
	for i := 0; i < len(lines); i += maxBatch {
		end := min(i+maxBatch, len(lines))
		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(j)),
				MessageBody: aws.String(string(lines[j])),
			})
		}
		in.Entries = entries

		out, err := client.SendMessageBatch(ctx, &in)
		if err != nil {
			t.Invalidate()
			return t.Report("send", err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			err := fmt.Errorf("sqs send failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
			t.Invalidate()
			return t.Report("send", err)
		}
	}
	return nil
}

func (t *Transport) Invalidate() {
	t.SetState(sink.Invalidated)
	t.release()
}

func (t *Transport) Close() error {
	t.SetState(sink.Disconnected)
	t.release()
	return nil
}

func (t *Transport) release() {
	t.mu.Lock()
	t.client = nil
	t.mu.Unlock()
}
