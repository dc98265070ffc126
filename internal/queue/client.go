package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) Queue() string {
	return c.queue
}

func (c *Client) EnqueueTransform(ctx context.Context, payload TransformPayload) (*asynq.TaskInfo, error) {
	task, err := NewTransformTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(3*time.Minute),
	)
}

// EnqueueBatch schedules a batch task. The timeout scales with the number of
// jobs since the scheduler works through them chunk by chunk.
func (c *Client) EnqueueBatch(ctx context.Context, payload BatchPayload) (*asynq.TaskInfo, error) {
	task, err := NewBatchTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(2),
		asynq.Timeout(time.Duration(len(payload.JobIDs))*time.Minute+3*time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
