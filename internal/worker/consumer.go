package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/convo-transfer/internal/notify"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer starts a manual-ack consumer with the configured prefetch
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.deliveries.Consume(w.workerID, w.prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// startMessageDispatcher turns job-ready messages into scheduler wake-ups.
// The job table is authoritative, so every well-formed message is acked as
// soon as a worker has been nudged.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed, falling back to polling")
				return
			}
			w.dispatch(delivery)
		}
	}
}

func (w *Worker) dispatch(delivery amqp.Delivery) {
	msg, err := notify.ParseJobMessage(delivery.Body)
	if err != nil {
		w.logger.Error("Discarding invalid job message",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed messages go to the DLQ, if one is bound
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK invalid message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	w.runner.Notify()

	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK job message",
			slog.String("job_id", msg.JobID),
			slog.String("error", ackErr.Error()),
		)
		return
	}

	w.logger.Debug("Job message dispatched",
		slog.String("job_id", msg.JobID),
		slog.String("job_name", msg.JobName),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
	)
}
