package inbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/autoreply/internal/dispatch"
)

func TestPublisherRoundTripsThroughMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(4)
	pub := NewPublisher(q)

	id, err := pub.Publish(context.Background(), dispatch.Inbound{FriendID: "friend-1", Text: "hello", MessageID: "m-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected job id")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued message, got %d", q.Len())
	}

	msgs, err := q.Receive(context.Background(), 10, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("receive: %v %v", msgs, err)
	}
	job, err := decodeJob(msgs[0].Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != id || job.Inbound.MessageID != "m-1" || job.Inbound.Text != "hello" {
		t.Fatalf("unexpected job %#v", job)
	}

	if _, err := pub.Publish(context.Background(), dispatch.Inbound{Text: "no friend"}); !errors.Is(err, dispatch.ErrFriendRequired) {
		t.Fatalf("expected ErrFriendRequired, got %v", err)
	}
}

func TestMemoryQueueReceiveTimesOut(t *testing.T) {
	q := NewMemoryQueue(1)
	start := time.Now()
	msgs, err := q.Receive(context.Background(), 1, 1)
	if err != nil || msgs != nil {
		t.Fatalf("expected empty poll, got %v %v", msgs, err)
	}
	if time.Since(start) < 900*time.Millisecond {
		t.Fatal("expected receive to wait for the poll interval")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Receive(ctx, 1, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryQueueCollectsBatch(t *testing.T) {
	q := NewMemoryQueue(8)
	for i := 0; i < 3; i++ {
		if err := q.Send(context.Background(), "{}"); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	msgs, err := q.Receive(context.Background(), 2, 0)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected batch of 2, got %d %v", len(msgs), err)
	}
}

type fakeSQS struct {
	sent     []string
	deleted  []string
	received *sqs.ReceiveMessageInput
	err      error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("sqs-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{
		{MessageId: aws.String("sqs-1"), Body: aws.String(`{"id":"job-1"}`), ReceiptHandle: aws.String("rh-1")},
	}}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue(t *testing.T) {
	api := &fakeSQS{}
	q := newSQSQueue(api, "https://sqs.local/inbound")
	ctx := context.Background()

	if err := q.Send(ctx, "body"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs, err := q.Receive(ctx, 5, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ReceiptHandle != "rh-1" {
		t.Fatalf("unexpected messages %#v", msgs)
	}
	if api.received.MaxNumberOfMessages != 5 || api.received.WaitTimeSeconds != 10 {
		t.Fatalf("unexpected receive input %#v", api.received)
	}
	if err := q.Delete(ctx, "rh-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := q.Delete(ctx, ""); err != nil {
		t.Fatalf("empty delete: %v", err)
	}
	if len(api.sent) != 1 || len(api.deleted) != 1 {
		t.Fatalf("expected one send and one delete, got %v %v", api.sent, api.deleted)
	}

	api.err = errors.New("throttled")
	if err := q.Send(ctx, "body"); err == nil {
		t.Fatal("expected send error")
	}
}
