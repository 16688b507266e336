package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Client. Received messages stay in flight until
// deleted and become visible again once their visibility timeout passes,
// matching SQS redelivery semantics.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []Message
	inflight   map[string]inflightMessage
	visibility time.Duration
	notify     chan struct{}
	now        func() time.Time
}

type inflightMessage struct {
	msg      Message
	deadline time.Time
}

// NewMemoryQueue creates a queue whose received messages reappear after the
// visibility timeout when not deleted.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		inflight:   make(map[string]inflightMessage),
		visibility: visibility,
		notify:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Send enqueues a payload.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.ready = append(q.ready, Message{ID: uuid.NewString(), Body: body})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns up to maxMessages, waiting up to waitSeconds for the first.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	deadline := q.now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		if msgs := q.take(maxMessages); len(msgs) > 0 {
			return msgs, nil
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Delete acknowledges a received message.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	delete(q.inflight, receiptHandle)
	q.mu.Unlock()
	return nil
}

// Len reports ready plus in-flight messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

func (q *MemoryQueue) take(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for receipt, in := range q.inflight {
		if now.After(in.deadline) {
			delete(q.inflight, receipt)
			q.ready = append(q.ready, in.msg)
		}
	}

	n := len(q.ready)
	if n > max {
		n = max
	}
	out := make([]Message, 0, n)
	for _, msg := range q.ready[:n] {
		msg.ReceiptHandle = uuid.NewString()
		q.inflight[msg.ReceiptHandle] = inflightMessage{msg: msg, deadline: now.Add(q.visibility)}
		out = append(out, msg)
	}
	q.ready = q.ready[n:]
	return out
}
