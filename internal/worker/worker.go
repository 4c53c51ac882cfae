package worker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// JobRunner executes scheduled jobs until its context ends.
type JobRunner interface {
	Run(ctx context.Context) error
	Notify()
}

// ArtifactJanitor enforces export artifact expiry.
type ArtifactJanitor interface {
	Recover(ctx context.Context) error
	StartSweeper() error
	Close()
}

// DeliverySource yields job-ready messages from the broker.
type DeliverySource interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Runner    JobRunner
	Artifacts ArtifactJanitor
	// Deliveries is optional; without it workers discover jobs by polling.
	Deliveries    DeliverySource
	WorkerID      string
	PrefetchCount int
}

// Worker represents the background job worker
type Worker struct {
	logger        *slog.Logger
	runner        JobRunner
	artifacts     ArtifactJanitor
	deliveries    DeliverySource
	workerID      string
	prefetchCount int
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:        cfg.Logger,
		runner:        cfg.Runner,
		artifacts:     cfg.Artifacts,
		deliveries:    cfg.Deliveries,
		workerID:      cfg.WorkerID,
		prefetchCount: cfg.PrefetchCount,
	}
}

// Start recovers artifact expiry, then runs the job scheduler and the
// message dispatcher until ctx is cancelled. In-flight jobs are allowed to
// finish before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker", slog.String("worker_id", w.workerID))

	if err := w.artifacts.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover artifacts: %w", err)
	}
	if err := w.artifacts.StartSweeper(); err != nil {
		return fmt.Errorf("failed to start artifact sweeper: %w", err)
	}
	defer w.artifacts.Close()

	g, gctx := errgroup.WithContext(ctx)

	if w.deliveries != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			w.startMessageDispatcher(gctx, deliveries)
			return nil
		})
	} else {
		w.logger.Info("No message broker configured, relying on polling")
	}

	g.Go(func() error {
		return w.runner.Run(gctx)
	})

	err := g.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return err
}
