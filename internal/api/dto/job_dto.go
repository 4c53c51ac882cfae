package dto

import "time"

// SubmitJobResponse acknowledges an accepted import or export.
type SubmitJobResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

// MessageResponse is the body of every non-2xx response.
type MessageResponse struct {
	Message string `json:"message"`
}

// JobStatusResponse is returned by the status polling endpoints.
type JobStatusResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	Error     *string    `json:"error,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type ListJobsRequest struct {
	Name     string `form:"name"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobStatusResponse `json:"jobs"`
	NextCursor string              `json:"nextCursor,omitempty"`
}
