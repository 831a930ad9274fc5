package http

import (
	"github.com/fyrsmithlabs/harvestd/internal/daktela"
	"github.com/fyrsmithlabs/harvestd/internal/jobs"
)

const mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitRequest is the request body for POST /api/v1/jobs. Dates are
// YYYY-MM-DD; empty category or status matches all.
type SubmitRequest struct {
	DateFrom   string `json:"date_from"`
	DateTo     string `json:"date_to"`
	Category   string `json:"category,omitempty"`
	Status     string `json:"status,omitempty"`
	MaxResults int    `json:"max_results"`
}

// SubmitResponse is the response body for POST /api/v1/jobs.
type SubmitResponse struct {
	ID     string      `json:"id"`
	Status jobs.Status `json:"status"`
}

// JobsResponse is the response body for GET /api/v1/jobs.
type JobsResponse struct {
	Jobs []jobs.Job `json:"jobs"`
}

// SanitizeRequest is the request body for POST /api/v1/sanitize.
type SanitizeRequest struct {
	Text string `json:"text"`
}

// CodebookResponse lists categories or statuses.
type CodebookResponse struct {
	Entries []daktela.CodebookEntry `json:"entries"`
}
