package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/convo-transfer/internal/api/dto"
	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/identity"
	"github.com/cuongbtq/convo-transfer/internal/jobstore"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GetImportJob handles GET /api/v1/conversations/import/jobs/:jobId
func (h *ConversationHandler) GetImportJob(c *gin.Context) {
	job, ok := h.loadOwnedJob(c, domain.JobNameImport)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toJobStatus(*job))
}

// GetExportJob handles GET /api/v1/conversations/export/jobs/:jobId
// Completed exports also report when their download expires
func (h *ConversationHandler) GetExportJob(c *gin.Context) {
	job, ok := h.loadOwnedJob(c, domain.JobNameExport)
	if !ok {
		return
	}

	resp := toJobStatus(*job)
	if job.Status() == domain.StatusCompleted {
		a, err := h.artifacts.Get(c.Request.Context(), job.ID)
		switch {
		case err == nil:
			expiresAt := a.ExpiresAt
			resp.ExpiresAt = &expiresAt
		case errors.Is(err, domain.ErrArtifactNotFound):
		default:
			h.logger.Warn("Failed to load export artifact",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/conversations/jobs
// Lists the caller's jobs newest first with cursor pagination
func (h *ConversationHandler) ListJobs(c *gin.Context) {
	userID, _ := identity.FromContext(c)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.MessageResponse{Message: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = jobstore.DefaultQueryLimit
	}
	if req.PageSize > jobstore.MaxQueryLimit {
		req.PageSize = jobstore.MaxQueryLimit
	}

	criteria := domain.JobCriteria{
		RequesterID: userID,
		Limit:       req.PageSize + 1,
	}

	if req.Name != "" {
		name, err := domain.ParseJobName(req.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.MessageResponse{Message: "Invalid job name"})
			return
		}
		criteria.Name = name
	}

	if req.Status != "" {
		status := domain.JobStatus(req.Status)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, dto.MessageResponse{Message: "Invalid job status"})
			return
		}
		criteria.Status = status
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.MessageResponse{Message: "Invalid cursor"})
		return
	}
	criteria.Cursor = cursor

	jobs, err := h.jobs.Query(c.Request.Context(), criteria)
	if err != nil {
		h.logger.Error("Failed to list jobs",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.MessageResponse{Message: "Error listing jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobStatusResponse, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = toJobStatus(job)
	}
	if hasMore {
		resp.NextCursor = EncodeJobCursor(jobs[len(jobs)-1])
	}

	c.JSON(http.StatusOK, resp)
}

// loadOwnedJob resolves :jobId for the caller. Unknown, malformed, or
// differently named jobs are 404; jobs of another requester are 403.
func (h *ConversationHandler) loadOwnedJob(c *gin.Context, name domain.JobName) (*domain.Job, bool) {
	jobID := c.Param("jobId")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusNotFound, dto.MessageResponse{Message: "Job not found."})
		return nil, false
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, dto.MessageResponse{Message: "Job not found."})
			return nil, false
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.MessageResponse{Message: "Error retrieving job"})
		return nil, false
	}

	if job.Name != name {
		c.JSON(http.StatusNotFound, dto.MessageResponse{Message: "Job not found."})
		return nil, false
	}

	userID, _ := identity.FromContext(c)
	if !job.OwnedBy(userID) {
		h.logger.Warn("Job requested by non-owner",
			slog.String("job_id", jobID),
			slog.String("user_id", userID),
		)
		_ = c.Error(domain.ErrJobUnauthorized)
		c.JSON(http.StatusForbidden, dto.MessageResponse{Message: "Unauthorized"})
		return nil, false
	}

	return job, true
}

func toJobStatus(job domain.Job) dto.JobStatusResponse {
	resp := dto.JobStatusResponse{
		ID:        job.ID,
		Name:      job.Name.String(),
		Status:    job.Status().String(),
		CreatedAt: job.CreatedAt,
	}
	if job.Status() == domain.StatusFailed {
		resp.Error = job.ErrorMessage
	}
	return resp
}
