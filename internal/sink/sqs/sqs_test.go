package sqs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/sink"
)

type fakeSQS struct {
	mu        sync.Mutex
	batches   [][]string
	failAttrs bool
	failIDs   map[string]bool
	sendErr   error
}

func (f *fakeSQS) GetQueueAttributes(context.Context, *sqs.GetQueueAttributesInput, ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if f.failAttrs {
		return nil, errors.New("AWS.SimpleQueueService.NonExistentQueue")
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	var bodies []string
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range in.Entries {
		if f.failIDs[aws.ToString(e.Id)] {
			out.Failed = append(out.Failed, sqstypes.BatchResultErrorEntry{
				Id: e.Id, Code: aws.String("InternalError"), Message: aws.String("boom"),
			})
			continue
		}
		bodies = append(bodies, aws.ToString(e.MessageBody))
	}
	f.batches = append(f.batches, bodies)
	return out, nil
}

func newTransport(t *testing.T, api *fakeSQS) *Transport {
	t.Helper()
	tr, err := New(Config{QueueURL: "https://sqs.us-east-1.amazonaws.com/123/otter"}, sink.Options{
		Backoff: sink.Backoff{Unit: 0, MaxAttempts: 2, Clock: clockwork.NewRealClock()},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	tr.newClient = func(context.Context) (sqsAPI, error) { return api, nil }
	return tr
}

func manyLines(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "line"
	}
	return out
}

func TestSendChunksIntoBatchesOfTen(t *testing.T) {
	api := &fakeSQS{}
	tr := newTransport(t, api)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	require.NoError(t, tr.Send(ctx, model.Record{Source: "a", Lines: manyLines(23)}))
	require.Len(t, api.batches, 3)
	assert.Len(t, api.batches[0], 10)
	assert.Len(t, api.batches[1], 10)
	assert.Len(t, api.batches[2], 3)
}

func TestPartialBatchFailureInvalidates(t *testing.T) {
	api := &fakeSQS{failIDs: map[string]bool{"1": true}}
	tr := newTransport(t, api)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	err := tr.Send(ctx, model.Record{Source: "a", Lines: manyLines(3)})
	require.ErrorIs(t, err, sink.ErrTransport)
	assert.Contains(t, err.Error(), "InternalError")
	assert.False(t, tr.Valid())
}

func TestConnectVerifiesQueue(t *testing.T) {
	api := &fakeSQS{failAttrs: true}
	tr := newTransport(t, api)
	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, sink.ErrConnectExhausted)
}

func TestNewRequiresQueueURL(t *testing.T) {
	_, err := New(Config{}, sink.Options{})
	assert.Error(t, err)
}
