package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/artifact"
	"github.com/cuongbtq/convo-transfer/internal/conversation"
	"github.com/cuongbtq/convo-transfer/internal/domain"
	"golang.org/x/sync/errgroup"
)

const DefaultFetchConcurrency = 8

// ExportDocument is the file handed to the user. Its shape is accepted back
// by the librechat importer.
type ExportDocument struct {
	ExportedAt    time.Time                   `json:"exportedAt"`
	Conversations []conversation.Conversation `json:"conversations"`
}

// ArtifactStager stores the finished export file.
type ArtifactStager interface {
	Stage(ctx context.Context, jobID string, content []byte) (*artifact.Artifact, error)
}

// ExportHandler collects every conversation of the requester into one
// JSON document and stages it as a temporary artifact.
type ExportHandler struct {
	repo             conversation.Repository
	stager           ArtifactStager
	logger           *slog.Logger
	clock            func() time.Time
	fetchConcurrency int
}

func NewExportHandler(repo conversation.Repository, stager ArtifactStager, logger *slog.Logger) *ExportHandler {
	return &ExportHandler{
		repo:             repo,
		stager:           stager,
		logger:           logger,
		clock:            time.Now,
		fetchConcurrency: DefaultFetchConcurrency,
	}
}

// WithFetchConcurrency bounds parallel message reads.
func (h *ExportHandler) WithFetchConcurrency(n int) *ExportHandler {
	if n > 0 {
		h.fetchConcurrency = n
	}
	return h
}

// Handle runs one export job.
func (h *ExportHandler) Handle(ctx context.Context, job domain.Job) error {
	convos, err := h.repo.ListConversations(ctx, job.RequesterID)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.fetchConcurrency)
	for i := range convos {
		g.Go(func() error {
			msgs, err := h.repo.ListMessages(gctx, job.RequesterID, convos[i].ConversationID)
			if err != nil {
				return err
			}
			if msgs == nil {
				msgs = []conversation.Message{}
			}
			convos[i].Messages = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	if convos == nil {
		convos = []conversation.Conversation{}
	}
	content, err := json.Marshal(ExportDocument{
		ExportedAt:    h.clock().UTC(),
		Conversations: convos,
	})
	if err != nil {
		return fmt.Errorf("%w: encode export: %w", domain.ErrArtifactStaging, err)
	}

	a, err := h.stager.Stage(ctx, job.ID, content)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrArtifactStaging, err)
	}

	h.logger.Info("Conversations exported",
		slog.String("job_id", job.ID),
		slog.Int("conversations", len(convos)),
		slog.Int64("size", a.Size),
		slog.Time("expires_at", a.ExpiresAt),
	)
	return nil
}
