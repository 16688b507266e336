// Package queue carries due job envelopes from the scheduler runner to
// execution workers.
package queue

import "context"

// Client is the transport contract shared by the in-memory and SQS queues.
type Client interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received envelope.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}
