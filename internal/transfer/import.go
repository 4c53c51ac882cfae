// Package transfer implements the import and export job handlers.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/conversation"
	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/importer"
)

// ImportHandler parses an uploaded export file and stores its conversations
// for the job's requester.
type ImportHandler struct {
	registry *importer.Registry
	repo     conversation.Repository
	logger   *slog.Logger
	clock    func() time.Time
}

func NewImportHandler(registry *importer.Registry, repo conversation.Repository, logger *slog.Logger) *ImportHandler {
	return &ImportHandler{
		registry: registry,
		repo:     repo,
		logger:   logger,
		clock:    time.Now,
	}
}

// Handle runs one import job. The payload is the raw uploaded file.
func (h *ImportHandler) Handle(ctx context.Context, job domain.Job) error {
	imp, raw, err := h.registry.Select(job.Payload)
	if err != nil {
		return err
	}

	convos, err := imp.Parse(raw, job.RequesterID, h.clock().UTC())
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrFormatUnrecognized, err)
	}

	if err := h.repo.SaveConversations(ctx, job.RequesterID, convos); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	messages := 0
	for _, c := range convos {
		messages += len(c.Messages)
	}
	h.logger.Info("Conversations imported",
		slog.String("job_id", job.ID),
		slog.String("format", imp.Name()),
		slog.Int("conversations", len(convos)),
		slog.Int("messages", messages),
	)
	return nil
}
