// Package notify carries job-ready wake-ups between the API and worker
// processes over RabbitMQ. Messages only nudge idle workers; the job table
// stays the source of truth, so a lost message delays a job until the next
// poll and never loses it.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/google/uuid"
)

const contentTypeJSON = "application/json"

// ErrInvalidMessage is returned for bodies that do not name a valid job.
var ErrInvalidMessage = errors.New("invalid job message")

// JobMessage is the body published for every enqueued job.
type JobMessage struct {
	JobID   string `json:"job_id"`
	JobName string `json:"job_name,omitempty"`
}

// ParseJobMessage decodes and validates a delivery body.
func ParseJobMessage(body []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return JobMessage{}, fmt.Errorf("%w: job_id %q is not a UUID", ErrInvalidMessage, msg.JobID)
	}
	return msg, nil
}

type publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Publisher publishes job-ready messages. It satisfies scheduler.Notifier.
type Publisher struct {
	client publisher
	logger *slog.Logger
}

// NewPublisher wraps a RabbitMQ client (or anything that publishes with retry).
func NewPublisher(client publisher, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// NotifyJobReady publishes a wake-up for job.
func (p *Publisher) NotifyJobReady(ctx context.Context, job domain.Job) error {
	body, err := json.Marshal(JobMessage{JobID: job.ID, JobName: job.Name.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	if err := p.client.PublishWithRetry(ctx, body, contentTypeJSON); err != nil {
		return fmt.Errorf("failed to publish job message: %w", err)
	}

	p.logger.Debug("Job notification published",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name.String()),
	)
	return nil
}
