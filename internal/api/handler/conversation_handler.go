package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/cuongbtq/convo-transfer/internal/api/dto"
	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/identity"
	"github.com/gin-gonic/gin"
)

const uploadField = "file"

// SubmitImport handles POST /api/v1/conversations
// Reads the uploaded export file and schedules an import job for the caller
func (h *ConversationHandler) SubmitImport(c *gin.Context) {
	userID, _ := identity.FromContext(c)

	fileHeader, err := c.FormFile(uploadField)
	if err != nil {
		h.logger.Warn("Import request without file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.MessageResponse{Message: "No file uploaded"})
		return
	}

	if h.maxUploadBytes > 0 && fileHeader.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, dto.MessageResponse{Message: "File too large"})
		return
	}

	content, err := h.readUpload(fileHeader)
	if err != nil {
		if errors.Is(err, errUploadTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.MessageResponse{Message: "File too large"})
			return
		}
		h.logger.Error("Failed to read uploaded file",
			slog.String("filename", fileHeader.Filename),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.MessageResponse{Message: "Error processing file"})
		return
	}

	jobID, err := h.jobs.Enqueue(c.Request.Context(), domain.JobNameImport, content, userID)
	if err != nil {
		h.logger.Error("Failed to enqueue import job",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.MessageResponse{Message: "Error processing file"})
		return
	}

	h.logger.Info("Import job submitted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.Int("bytes", len(content)),
	)

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{Message: "Import started", JobID: jobID})
}

var errUploadTooLarge = errors.New("upload exceeds size limit")

func (h *ConversationHandler) readUpload(fileHeader *multipart.FileHeader) ([]byte, error) {
	f, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if h.maxUploadBytes > 0 {
		r = io.LimitReader(f, h.maxUploadBytes+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if h.maxUploadBytes > 0 && int64(len(content)) > h.maxUploadBytes {
		return nil, errUploadTooLarge
	}
	return content, nil
}

// SubmitExport handles POST /api/v1/conversations/export
// Schedules an export of every conversation the caller owns
func (h *ConversationHandler) SubmitExport(c *gin.Context) {
	userID, _ := identity.FromContext(c)

	jobID, err := h.jobs.Enqueue(c.Request.Context(), domain.JobNameExport, nil, userID)
	if err != nil {
		h.logger.Error("Failed to enqueue export job",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.MessageResponse{Message: "Error starting export"})
		return
	}

	h.logger.Info("Export job submitted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{Message: "Export started", JobID: jobID})
}

// DownloadExport handles GET /api/v1/conversations/export/jobs/:jobId/download
// Streams the staged export while it has not expired
func (h *ConversationHandler) DownloadExport(c *gin.Context) {
	job, ok := h.loadOwnedJob(c, domain.JobNameExport)
	if !ok {
		return
	}

	if job.Status() != domain.StatusCompleted {
		c.JSON(http.StatusConflict, dto.MessageResponse{Message: "Export not ready"})
		return
	}

	f, a, err := h.artifacts.Open(c.Request.Context(), job.ID)
	switch {
	case errors.Is(err, domain.ErrArtifactExpired):
		c.JSON(http.StatusGone, dto.MessageResponse{Message: "Export expired"})
		return
	case errors.Is(err, domain.ErrArtifactNotFound):
		c.JSON(http.StatusNotFound, dto.MessageResponse{Message: "Export not found"})
		return
	case err != nil:
		h.logger.Error("Failed to open export artifact",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.MessageResponse{Message: "Error retrieving export"})
		return
	}
	defer f.Close()

	filename := fmt.Sprintf("conversations-export-%s.json", job.ID)
	c.DataFromReader(http.StatusOK, a.Size, "application/json", f, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, filename),
		"Cache-Control":       "no-store",
	})
}
