// Package queue runs document jobs asynchronously on an asynq (Redis) queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/spherical/doc-ocr/internal/config"
	"github.com/spherical/doc-ocr/internal/domain"
)

// TypeDocumentOCR is the task type of a document job.
const TypeDocumentOCR = "document:ocr"

// DocumentPayload is the task body. Exactly one of PDFPath and PDFURL is set.
type DocumentPayload struct {
	JobID    string                `json:"job_id"`
	PDFPath  string                `json:"pdf_path,omitempty"`
	PDFURL   string                `json:"pdf_url,omitempty"`
	Prompt   string                `json:"prompt"`
	Sampling domain.SamplingConfig `json:"sampling"`
}

// Validate checks the payload before it is queued or run.
func (p DocumentPayload) Validate() error {
	if p.JobID == "" {
		return domain.ValidationError("job_id is required", nil)
	}
	if (p.PDFPath == "") == (p.PDFURL == "") {
		return domain.ValidationError("exactly one of pdf_path and pdf_url is required", nil)
	}
	return nil
}

// NewDocumentTask builds a document:ocr task.
func NewDocumentTask(p DocumentPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal document payload: %w", err)
	}
	return asynq.NewTask(TypeDocumentOCR, data, opts...), nil
}

// Client enqueues document jobs.
type Client struct {
	client   *asynq.Client
	queue    string
	timeout  time.Duration
	maxRetry int
}

// NewClient connects to the queue's Redis.
func NewClient(cfg config.QueueConfig) (*Client, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, domain.ConfigError("parse queue redis url", err)
	}
	return &Client{
		client:   asynq.NewClient(opt),
		queue:    queueName(cfg),
		timeout:  cfg.Timeout,
		maxRetry: cfg.MaxRetry,
	}, nil
}

// Enqueue submits a document job. The task id is the job id, so a job is
// never queued twice.
func (c *Client) Enqueue(ctx context.Context, p DocumentPayload) error {
	opts := []asynq.Option{asynq.Queue(c.queue), asynq.TaskID(p.JobID), asynq.MaxRetry(c.maxRetry)}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}

	task, err := NewDocumentTask(p, opts...)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue job %s: %w", p.JobID, err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func queueName(cfg config.QueueConfig) string {
	if cfg.Name == "" {
		return "ocr"
	}
	return cfg.Name
}
