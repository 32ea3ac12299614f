package mainconfig

import (
	"context"
	"testing"

	appconfig "github.com/wolfman30/autoreply/internal/config"
	"github.com/wolfman30/autoreply/internal/worker/inbound"
)

func TestBuildInboundQueueMemory(t *testing.T) {
	q, err := BuildInboundQueue(context.Background(), &appconfig.Config{UseMemoryQueue: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := q.(*inbound.MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", q)
	}
}

func TestBuildInboundQueueRequiresURL(t *testing.T) {
	if _, err := BuildInboundQueue(context.Background(), &appconfig.Config{}, nil); err == nil {
		t.Fatal("expected error without queue url")
	}
}

func TestBuildInboundQueueSQS(t *testing.T) {
	cfg := &appconfig.Config{
		AWSRegion:           "us-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
		InboundQueueURL:     "http://localhost:4566/000000000000/inbound",
	}
	q, err := BuildInboundQueue(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := q.(*inbound.SQSQueue); !ok {
		t.Fatalf("expected sqs queue, got %T", q)
	}
}
