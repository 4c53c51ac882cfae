package handler

import (
	"context"
	"log/slog"
	"os"

	"github.com/cuongbtq/convo-transfer/internal/artifact"
	"github.com/cuongbtq/convo-transfer/internal/domain"
)

// JobService is the scheduler surface the API uses. The API only submits
// and observes jobs; it never executes them.
type JobService interface {
	Enqueue(ctx context.Context, name domain.JobName, payload []byte, requesterID string) (string, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	Query(ctx context.Context, c domain.JobCriteria) ([]domain.Job, error)
}

// ArtifactProvider serves staged export files.
type ArtifactProvider interface {
	Get(ctx context.Context, jobID string) (*artifact.Artifact, error)
	Open(ctx context.Context, jobID string) (*os.File, *artifact.Artifact, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Jobs           JobService
	Artifacts      ArtifactProvider
	MaxUploadBytes int64
}

// ConversationHandler handles conversation import/export HTTP requests
type ConversationHandler struct {
	logger         *slog.Logger
	jobs           JobService
	artifacts      ArtifactProvider
	maxUploadBytes int64
}

// NewConversationHandler creates a new ConversationHandler instance
func NewConversationHandler(deps *Dependencies) *ConversationHandler {
	return &ConversationHandler{
		logger:         deps.Logger,
		jobs:           deps.Jobs,
		artifacts:      deps.Artifacts,
		maxUploadBytes: deps.MaxUploadBytes,
	}
}
