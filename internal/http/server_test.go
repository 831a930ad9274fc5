package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/harvestd/internal/daktela"
	"github.com/fyrsmithlabs/harvestd/internal/export"
	"github.com/fyrsmithlabs/harvestd/internal/harvest"
	"github.com/fyrsmithlabs/harvestd/internal/jobs"
	"github.com/fyrsmithlabs/harvestd/internal/logging"
	"github.com/fyrsmithlabs/harvestd/internal/sanitize"
)

type stubSource struct {
	n    int
	gate chan struct{}
}

func (s *stubSource) SearchTickets(context.Context, daktela.Filter) (*daktela.SearchResult, error) {
	res := &daktela.SearchResult{Total: s.n}
	for i := 1; i <= s.n; i++ {
		res.Tickets = append(res.Tickets, daktela.TicketSummary{ID: fmt.Sprintf("T%03d", i), Title: "Poškozená zásilka"})
	}
	return res, nil
}

func (s *stubSource) FetchActivities(ctx context.Context, id string) ([]daktela.RawActivity, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []daktela.RawActivity{{
		Time: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Type: "EMAIL",
		Item: &daktela.ActivityItem{Text: "Balík " + id + " dorazil rozbitý.", Direction: "in"},
	}}, nil
}

type fakeCodebook struct {
	err error
}

func (f fakeCodebook) ListCategories(context.Context) ([]daktela.CodebookEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []daktela.CodebookEntry{{Name: "categories_1", Title: "Reklamace"}}, nil
}

func (f fakeCodebook) ListStatuses(context.Context) ([]daktela.CodebookEntry, error) {
	return nil, f.err
}

func setupTestServer(t *testing.T, src harvest.TicketSource, opts ...Option) (*Server, *jobs.Registry) {
	t.Helper()
	registry := jobs.NewRegistry(func() *harvest.Controller { return harvest.New(src) })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Close(ctx)
	})

	server, err := NewServer(registry, sanitize.Default(), logging.NewNop(), nil, opts...)
	require.NoError(t, err)
	return server, registry
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	switch b := body.(type) {
	case nil:
		r = bytes.NewReader(nil)
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func submitRequest(max int) SubmitRequest {
	return SubmitRequest{DateFrom: "2024-03-01", DateTo: "2024-03-31", Category: "Reklamace", MaxResults: max}
}

func TestNewServer(t *testing.T) {
	registry := jobs.NewRegistry(func() *harvest.Controller { return harvest.New(&stubSource{}) })
	logger := logging.NewNop()
	san := sanitize.Default()

	t.Run("requires registry", func(t *testing.T) {
		_, err := NewServer(nil, san, logger, nil)
		assert.Error(t, err)
	})
	t.Run("requires sanitizer", func(t *testing.T) {
		_, err := NewServer(registry, nil, logger, nil)
		assert.Error(t, err)
	})
	t.Run("requires logger", func(t *testing.T) {
		_, err := NewServer(registry, san, nil, nil)
		assert.Error(t, err)
	})
	t.Run("defaults config", func(t *testing.T) {
		s, err := NewServer(registry, san, logger, nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", s.config.Host)
		assert.Equal(t, 9180, s.config.Port)
	})
}

func TestServer_Health(t *testing.T) {
	s, _ := setupTestServer(t, &stubSource{})
	rec := do(t, s, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestServer_JobLifecycle(t *testing.T) {
	s, _ := setupTestServer(t, &stubSource{n: 3})

	rec := do(t, s, http.MethodPost, "/api/v1/jobs", submitRequest(2))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var submitted SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, jobs.StatusPending, submitted.Status)
	assert.Equal(t, "/api/v1/jobs/"+submitted.ID, rec.Header().Get(echo.HeaderLocation))

	var job jobs.Job
	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/api/v1/jobs/"+submitted.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status.Finished()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 3, job.Found)
	require.NotNil(t, job.Stats)
	assert.Equal(t, 2, job.Stats.TicketCount)

	t.Run("list", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/v1/jobs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp JobsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Jobs, 1)
		assert.Equal(t, submitted.ID, resp.Jobs[0].ID)
	})

	t.Run("records", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/v1/jobs/"+submitted.ID+"/records", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
		var res export.HarvestResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Len(t, res.Records, 2)
		assert.Equal(t, []string{"T001", "T002"}, res.ProcessedIDs)
		assert.Contains(t, rec.Body.String(), "dorazil rozbitý")
	})

	t.Run("ids", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/v1/jobs/"+submitted.ID+"/ids", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "T001")
		assert.Contains(t, rec.Body.String(), "T002")
		assert.NotContains(t, rec.Body.String(), "T003")
	})

	t.Run("report", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/v1/jobs/"+submitted.ID+"/report", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMETextPlain)
		assert.NotEmpty(t, rec.Body.String())
	})

	t.Run("xlsx", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/v1/jobs/"+submitted.ID+"/xlsx", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, mimeXLSX, rec.Header().Get(echo.HeaderContentType))
		// xlsx is a zip container
		assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
	})

	t.Run("cancel finished job", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/api/v1/jobs/"+submitted.ID+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.NotEmpty(t, decodeError(t, rec))
	})
}

func TestServer_CancelRunningJob(t *testing.T) {
	src := &stubSource{n: 10, gate: make(chan struct{})}
	s, registry := setupTestServer(t, src)

	rec := do(t, s, http.MethodPost, "/api/v1/jobs", submitRequest(0))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = do(t, s, http.MethodGet, "/api/v1/jobs/"+submitted.ID+"/records", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/jobs/"+submitted.ID+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	close(src.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := registry.Wait(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)
}

func TestServer_SubmitValidation(t *testing.T) {
	s, _ := setupTestServer(t, &stubSource{})

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "invalid json"},
		{"bad date", SubmitRequest{DateFrom: "1.3.2024", DateTo: "2024-03-31"}},
		{"missing date", SubmitRequest{DateFrom: "2024-03-01"}},
		{"inverted range", SubmitRequest{DateFrom: "2024-03-31", DateTo: "2024-03-01"}},
		{"negative limit", SubmitRequest{DateFrom: "2024-03-01", DateTo: "2024-03-31", MaxResults: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeError(t, rec))
		})
	}
}

func TestServer_UnknownJob(t *testing.T) {
	s, _ := setupTestServer(t, &stubSource{})

	for _, path := range []string{"/api/v1/jobs/missing", "/api/v1/jobs/missing/ids"} {
		rec := do(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := do(t, s, http.MethodPost, "/api/v1/jobs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Sanitize(t *testing.T) {
	s, _ := setupTestServer(t, &stubSource{})

	t.Run("cleans text", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/api/v1/sanitize", SanitizeRequest{Text: "<p>Dobrý den,</p><p>balík nedorazil.</p>"})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp sanitize.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Text, "balík nedorazil")
		assert.NotContains(t, resp.Text, "<p>")
	})

	t.Run("requires text", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/api/v1/sanitize", SanitizeRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec), "text field is required")
	})

	t.Run("invalid json", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/api/v1/sanitize", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Codebook(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s, _ := setupTestServer(t, &stubSource{})
		rec := do(t, s, http.MethodGet, "/api/v1/categories", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("lists entries", func(t *testing.T) {
		s, _ := setupTestServer(t, &stubSource{}, WithCodebook(fakeCodebook{}))

		rec := do(t, s, http.MethodGet, "/api/v1/categories", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp CodebookResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []daktela.CodebookEntry{{Name: "categories_1", Title: "Reklamace"}}, resp.Entries)

		rec = do(t, s, http.MethodGet, "/api/v1/statuses", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
	})

	t.Run("upstream failure", func(t *testing.T) {
		authErr := &daktela.APIError{Op: "list_categories", Kind: daktela.KindAuth, StatusCode: 401, Err: errors.New("unauthorized")}
		s, _ := setupTestServer(t, &stubSource{}, WithCodebook(fakeCodebook{err: authErr}))
		rec := do(t, s, http.MethodGet, "/api/v1/categories", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestServer_PrometheusEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	jobs.NewMetrics(reg)
	s, _ := setupTestServer(t, &stubSource{}, WithGatherer(reg))

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "harvestd_jobs_active"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"http error", echo.NewHTTPError(http.StatusTeapot, "x"), http.StatusTeapot},
		{"not found", fmt.Errorf("get: %w", jobs.ErrJobNotFound), http.StatusNotFound},
		{"finished", jobs.ErrJobFinished, http.StatusConflict},
		{"not finished", jobs.ErrNotFinished, http.StatusConflict},
		{"failed", jobs.ErrJobFailed, http.StatusConflict},
		{"invalid filter", daktela.ErrInvalidFilter, http.StatusBadRequest},
		{"closed", jobs.ErrClosed, http.StatusServiceUnavailable},
		{"network", &daktela.APIError{Op: "search_tickets", Kind: daktela.KindNetwork, Err: errors.New("refused")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := statusFor(tt.err)
			assert.Equal(t, tt.code, code)
			assert.NotEmpty(t, msg)
		})
	}

	_, msg := statusFor(errors.New("secret detail"))
	assert.NotContains(t, msg, "secret detail")
}
