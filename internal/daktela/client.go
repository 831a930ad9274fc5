package daktela

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/harvestd/internal/config"
	"github.com/fyrsmithlabs/harvestd/internal/logging"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/harvestd/internal/daktela"

	apiPrefix = "/api/v6"

	// maxBodySize caps how much of a response is read.
	maxBodySize = 64 << 20

	// maxErrorBody caps how much of an error body ends up in messages.
	maxErrorBody = 200

	// maxSearchPages bounds a followed search when the server keeps
	// returning full pages.
	maxSearchPages = 1000
)

// searchFields are the ticket columns requested by a search.
var searchFields = []string{"name", "title", "created", "category", "statuses", "customFields"}

// Client talks to one Daktela instance. It is safe for concurrent use.
type Client struct {
	baseURL     string
	token       config.Secret
	bearer      bool
	httpClient  *http.Client
	limiter     *rate.Limiter
	pageSize    int
	followPages bool
	maxPages    int
	attempts    int
	retryDelay  time.Duration

	logger *logging.Logger
	tracer trace.Tracer

	requests metric.Int64Counter
	retries  metric.Int64Counter
	degraded metric.Int64Counter

	// sleep waits between activity fetch attempts.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l.Named("daktela") }
}

// WithTracer sets the tracer used for per-call spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMeter registers the client instruments on m.
func WithMeter(m metric.Meter) Option {
	return func(c *Client) { c.initMetrics(m) }
}

// WithHTTPClient replaces the base HTTP client. Its timeout is overridden
// by the configured API timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		cp := *hc
		c.httpClient = &cp
	}
}

// NewClient builds a client from cfg. The base URL and token must be set.
func NewClient(cfg config.APIConfig, opts ...Option) (*Client, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		bearer:      cfg.AuthScheme == "bearer",
		httpClient:  &http.Client{},
		pageSize:    cfg.PageSize,
		followPages: cfg.FollowPages,
		maxPages:    maxSearchPages,
		attempts:    cfg.RetryAttempts,
		retryDelay:  cfg.RetryDelay.Duration(),
		logger:      logging.NewNop(),
		tracer:      otel.GetTracerProvider().Tracer(instrumentationName),
		sleep:       sleepContext,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	c.initMetrics(otel.GetMeterProvider().Meter(instrumentationName))

	for _, opt := range opts {
		opt(c)
	}

	c.httpClient.Timeout = cfg.Timeout.Duration()
	if c.bearer {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c.httpClient.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token.Value(), TokenType: "Bearer"}),
			Base:   base,
		}
	}
	return c, nil
}

func (c *Client) initMetrics(m metric.Meter) {
	var err error
	if c.requests, err = m.Int64Counter("harvestd.api.requests",
		metric.WithDescription("Ticketing API requests by operation and outcome")); err != nil {
		c.requests = nil
	}
	if c.retries, err = m.Int64Counter("harvestd.api.retries",
		metric.WithDescription("Activity fetch retry attempts")); err != nil {
		c.retries = nil
	}
	if c.degraded, err = m.Int64Counter("harvestd.api.degraded_fetches",
		metric.WithDescription("Activity fetches that fell back to an empty list")); err != nil {
		c.degraded = nil
	}
}

// PageSize is the number of tickets requested per search page.
func (c *Client) PageSize() int { return c.pageSize }

// SearchTickets runs a filtered search. It is never retried: a failed
// search stops the run.
func (c *Client) SearchTickets(ctx context.Context, f Filter) (*SearchResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "daktela.SearchTickets", trace.WithAttributes(
		attribute.String("filter.category", f.Category),
		attribute.String("filter.status", f.Status),
	))
	defer span.End()

	res := &SearchResult{}
	params := f.values()
	for skip, page := 0, 1; ; page++ {
		params.Set("take", strconv.Itoa(c.pageSize))
		if skip > 0 {
			params.Set("skip", strconv.Itoa(skip))
		}

		var env envelope[wireTicket]
		if err := c.getJSON(ctx, "search_tickets", "/tickets.json", params, &env); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search failed")
			return nil, err
		}
		for _, w := range env.Result.Data {
			res.Tickets = append(res.Tickets, w.summary())
		}
		if env.Result.Total > res.Total {
			res.Total = env.Result.Total
		}

		full := len(env.Result.Data) >= c.pageSize
		if !full {
			break
		}
		if !c.followPages {
			res.Truncated = true
			break
		}
		skip += len(env.Result.Data)
		if env.Result.Total > 0 && skip >= env.Result.Total {
			break
		}
		if page >= c.maxPages {
			res.Truncated = true
			c.logger.Warn(ctx, "search stopped at the page limit",
				zap.Int("pages", page),
				zap.Int("found", len(res.Tickets)))
			break
		}
	}
	if res.Total < len(res.Tickets) {
		res.Total = len(res.Tickets)
	}

	span.SetAttributes(
		attribute.Int("tickets.found", len(res.Tickets)),
		attribute.Bool("tickets.truncated", res.Truncated),
	)
	c.logger.Debug(ctx, "ticket search finished",
		zap.Int("found", len(res.Tickets)),
		zap.Int("total", res.Total),
		zap.Bool("truncated", res.Truncated))
	return res, nil
}

// values builds the AND-ed server-side filter expression.
func (f Filter) values() url.Values {
	v := url.Values{}
	v.Set("filter[logic]", "and")

	i := 0
	add := func(field, op, value string) {
		prefix := fmt.Sprintf("filter[filters][%d]", i)
		v.Set(prefix+"[field]", field)
		v.Set(prefix+"[operator]", op)
		v.Set(prefix+"[value]", value)
		i++
	}
	add("created", "gte", f.DateFrom.Format(dateLayout)+" 00:00:00")
	add("created", "lte", f.DateTo.Format(dateLayout)+" 23:59:59")
	if f.Category != "" {
		add("category", "eq", f.Category)
	}
	if f.Status != "" {
		add("statuses", "eq", f.Status)
	}

	for n, field := range searchFields {
		v.Set(fmt.Sprintf("fields[%d]", n), field)
	}
	return v
}

// FetchActivities lists the activities of one ticket. Transient failures
// are retried with a fixed delay; when every attempt fails, or the body
// does not decode, it returns an empty list and a nil error. Only context
// cancellation is reported as an error.
func (c *Client) FetchActivities(ctx context.Context, ticketID string) ([]RawActivity, error) {
	ctx, span := c.tracer.Start(ctx, "daktela.FetchActivities",
		trace.WithAttributes(attribute.String("ticket.id", ticketID)))
	defer span.End()

	path := "/tickets/" + url.PathEscape(ticketID) + "/activities.json"

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			c.add(ctx, c.retries)
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		}

		var env envelope[wireActivity]
		err := c.getJSON(ctx, "fetch_activities", path, nil, &env)
		if err == nil {
			out := make([]RawActivity, 0, len(env.Result.Data))
			for _, w := range env.Result.Data {
				out = append(out, w.activity())
			}
			span.SetAttributes(attribute.Int("activities", len(out)), attribute.Int("attempts", attempt))
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrMalformedResponse) {
			c.logger.Warn(ctx, "activity response malformed, continuing without activities",
				zap.String("ticket_id", ticketID), zap.Error(err))
			c.add(ctx, c.degraded, attribute.String("reason", "malformed"))
			span.RecordError(err)
			return []RawActivity{}, nil
		}

		lastErr = err
		c.logger.Debug(ctx, "activity fetch attempt failed",
			zap.String("ticket_id", ticketID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.attempts),
			zap.Error(err))
	}

	c.logger.Warn(ctx, "activity fetch retries exhausted, continuing without activities",
		zap.String("ticket_id", ticketID),
		zap.Int("attempts", c.attempts),
		zap.Error(lastErr))
	c.add(ctx, c.degraded, attribute.String("reason", "exhausted"))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "retries exhausted")
	return []RawActivity{}, nil
}

// ListCategories returns the ticket category codebook.
func (c *Client) ListCategories(ctx context.Context) ([]CodebookEntry, error) {
	return c.codebook(ctx, "list_categories", "/ticketsCategories.json")
}

// ListStatuses returns the ticket status codebook.
func (c *Client) ListStatuses(ctx context.Context) ([]CodebookEntry, error) {
	return c.codebook(ctx, "list_statuses", "/statuses.json")
}

func (c *Client) codebook(ctx context.Context, op, path string) ([]CodebookEntry, error) {
	ctx, span := c.tracer.Start(ctx, "daktela."+op)
	defer span.End()

	var env envelope[wireCodebook]
	if err := c.getJSON(ctx, op, path, nil, &env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		return nil, err
	}
	out := make([]CodebookEntry, 0, len(env.Result.Data))
	for _, w := range env.Result.Data {
		out = append(out, w.entry())
	}
	return out, nil
}

// getJSON performs one GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, op, path string, params url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	u := c.baseURL + apiPrefix + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &APIError{Op: op, Kind: KindNetwork, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if !c.bearer {
		req.Header.Set("X-AUTH-TOKEN", c.token.Value())
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.add(ctx, c.requests, attribute.String("op", op), attribute.String("outcome", "transport_error"))
		return &APIError{Op: op, Kind: KindNetwork, Err: redactURL(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.add(ctx, c.requests, attribute.String("op", op), attribute.String("outcome", "transport_error"))
		return &APIError{Op: op, Kind: KindNetwork, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.add(ctx, c.requests, attribute.String("op", op), attribute.String("outcome", "auth_error"))
		return &APIError{Op: op, Kind: KindAuth, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.add(ctx, c.requests, attribute.String("op", op), attribute.String("outcome", "http_error"))
		return &APIError{Op: op, Kind: KindNetwork, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.add(ctx, c.requests, attribute.String("op", op), attribute.String("outcome", "malformed"))
		return &APIError{Op: op, Kind: KindMalformed, StatusCode: resp.StatusCode, Err: err}
	}

	c.add(ctx, c.requests, attribute.String("op", op), attribute.String("outcome", "ok"))
	c.logger.Trace(ctx, "api request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Client) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// redactURL drops the query string from transport errors.
func redactURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if u, perr := url.Parse(uerr.URL); perr == nil {
			u.RawQuery = ""
			return &url.Error{Op: uerr.Op, URL: u.String(), Err: uerr.Err}
		}
	}
	return err
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
