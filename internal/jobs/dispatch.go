package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/queue"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// InlineDispatcher executes jobs on the runner goroutine.
type InlineDispatcher struct {
	Executor *Executor
}

func (d InlineDispatcher) Dispatch(ctx context.Context, job Job) error {
	return d.Executor.Execute(ctx, job)
}

type queuePayload struct {
	Job Job `json:"job"`
}

// QueueDispatcher publishes claimed jobs to a queue for a Consumer to run.
type QueueDispatcher struct {
	queue queue.Client
}

func NewQueueDispatcher(q queue.Client) *QueueDispatcher {
	if q == nil {
		panic("jobs: queue client required")
	}
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job Job) error {
	body, err := json.Marshal(queuePayload{Job: job})
	if err != nil {
		return fmt.Errorf("jobs: encode %s: %w", job.Key, err)
	}
	return d.queue.Send(ctx, string(body))
}

// Consumer reads dispatched jobs from a queue and executes them.
type Consumer struct {
	queue       queue.Client
	executor    *Executor
	logger      *logging.Logger
	workers     int
	batchSize   int
	waitSeconds int
	wg          sync.WaitGroup
}

type ConsumerOption func(*Consumer)

func WithConsumerWorkers(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithReceiveWait(seconds int) ConsumerOption {
	return func(c *Consumer) {
		if seconds >= 0 {
			c.waitSeconds = seconds
		}
	}
}

func NewConsumer(q queue.Client, executor *Executor, logger *logging.Logger, opts ...ConsumerOption) *Consumer {
	if q == nil || executor == nil {
		panic("jobs: queue and executor required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Consumer{
		queue:       q,
		executor:    executor,
		logger:      logger,
		workers:     2,
		batchSize:   5,
		waitSeconds: 10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches worker goroutines until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context, workerID int) {
	defer c.wg.Done()
	c.logger.Debug("job consumer started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("job consumer stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := c.queue.Receive(ctx, c.batchSize, c.waitSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.logger.Error("failed to receive jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			c.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage executes one queued job. The message is left on the queue
// only when the store could not be updated, so it is redelivered.
func (c *Consumer) HandleMessage(ctx context.Context, msg queue.Message) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		c.logger.Error("failed to decode job message", "error", err, "msg_id", msg.ID)
		c.delete(msg.ReceiptHandle)
		return
	}
	if err := c.executor.Execute(ctx, payload.Job); err != nil {
		c.logger.Error("job execution failed", "job_key", payload.Job.Key, "error", err)
		return
	}
	c.delete(msg.ReceiptHandle)
}

func (c *Consumer) delete(receipt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.queue.Delete(ctx, receipt); err != nil {
		c.logger.Error("failed to delete job message", "error", err)
	}
}
