package http

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harvestd/internal/daktela"
	"github.com/fyrsmithlabs/harvestd/internal/export"
	"github.com/fyrsmithlabs/harvestd/internal/jobs"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSubmit starts a harvest job and answers 202 with its id.
func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	from, err := daktela.ParseDate(req.DateFrom)
	if err != nil {
		return err
	}
	to, err := daktela.ParseDate(req.DateTo)
	if err != nil {
		return err
	}

	id, err := s.jobs.Submit(c.Request().Context(), jobs.Request{Filter: daktela.Filter{
		DateFrom:   from,
		DateTo:     to,
		Category:   req.Category,
		Status:     req.Status,
		MaxResults: req.MaxResults,
	}})
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/jobs/"+id)
	return c.JSON(http.StatusAccepted, SubmitResponse{ID: id, Status: jobs.StatusPending})
}

func (s *Server) handleListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, JobsResponse{Jobs: s.jobs.List()})
}

func (s *Server) handleGetJob(c echo.Context) error {
	job, err := s.jobs.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// handleCancel answers 202; the job stops before its next ticket.
func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.jobs.Cancel(id); err != nil {
		return err
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}

// handleArtifact renders a finished job result with write.
func (s *Server) handleArtifact(write func(io.Writer, *export.HarvestResult) error, contentType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := s.jobs.Result(c.Param("id"))
		if err != nil {
			return err
		}
		c.Response().Header().Set(echo.HeaderContentType, contentType)
		c.Response().WriteHeader(http.StatusOK)
		if err := write(c.Response(), res); err != nil {
			// Headers are gone; all that is left is to log.
			s.logger.Error(c.Request().Context(), "failed to render artifact", zap.Error(err))
		}
		return nil
	}
}

// handleSanitize runs the sanitizer on free text.
func (s *Server) handleSanitize(c echo.Context) error {
	var req SanitizeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid sanitize request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}

	res := s.sanitizer.Sanitize(req.Text)
	s.logger.Debug(c.Request().Context(), "sanitized text",
		zap.Int("redactions", res.Redactions),
		zap.Bool("truncated", res.Truncated))
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleCodebook(list func(Codebook, context.Context) ([]daktela.CodebookEntry, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.codebook == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "ticketing API is not configured")
		}
		entries, err := list(s.codebook, c.Request().Context())
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []daktela.CodebookEntry{}
		}
		return c.JSON(http.StatusOK, CodebookResponse{Entries: entries})
	}
}
