// Package inbound consumes queued inbound chat messages and hands them to the
// dispatcher. It lets webhook receivers acknowledge LINE quickly and leaves
// the reply work to a pool of workers.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wolfman30/autoreply/internal/dispatch"
)

// QueueClient is the transport the worker polls.
type QueueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type QueueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Job is the queued envelope around one inbound message.
type Job struct {
	ID      string           `json:"id"`
	Inbound dispatch.Inbound `json:"inbound"`
}

func encodeJob(job Job) (Job, string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return Job{}, "", fmt.Errorf("inbound: failed to encode job: %w", err)
	}
	return job, string(body), nil
}

func decodeJob(body string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return Job{}, fmt.Errorf("inbound: failed to decode job: %w", err)
	}
	if job.Inbound.FriendID == "" {
		return Job{}, errors.New("inbound: job has no friend id")
	}
	return job, nil
}

// Publisher enqueues inbound messages for asynchronous dispatch.
type Publisher struct {
	queue QueueClient
}

func NewPublisher(queue QueueClient) *Publisher {
	if queue == nil {
		panic("inbound: queue cannot be nil")
	}
	return &Publisher{queue: queue}
}

// Publish enqueues msg and returns the job id.
func (p *Publisher) Publish(ctx context.Context, msg dispatch.Inbound) (string, error) {
	if msg.FriendID == "" {
		return "", dispatch.ErrFriendRequired
	}
	job, body, err := encodeJob(Job{Inbound: msg})
	if err != nil {
		return "", err
	}
	if err := p.queue.Send(ctx, body); err != nil {
		return "", err
	}
	return job.ID, nil
}
