// Package harvest drives one harvest run: search, optional limit, then a
// strictly ordered per-ticket loop that fetches, sanitizes and classifies
// activities into an export.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harvestd/internal/config"
	"github.com/fyrsmithlabs/harvestd/internal/daktela"
	"github.com/fyrsmithlabs/harvestd/internal/export"
	"github.com/fyrsmithlabs/harvestd/internal/identity"
	"github.com/fyrsmithlabs/harvestd/internal/logging"
	"github.com/fyrsmithlabs/harvestd/internal/sanitize"
)

const instrumentationName = "github.com/fyrsmithlabs/harvestd/internal/harvest"

var (
	// ErrInvalidState is returned when an operation does not fit the
	// current state.
	ErrInvalidState = errors.New("invalid controller state")

	// ErrSearchFailed wraps the API error of a failed search.
	ErrSearchFailed = errors.New("ticket search failed")

	// ErrInvalidLimit is returned for a negative maxResults.
	ErrInvalidLimit = errors.New("maxResults must be >= 0")

	errTicketPanic = errors.New("ticket processing panicked")
)

// TicketSource is the ticketing API as seen by the controller.
type TicketSource interface {
	SearchTickets(ctx context.Context, f daktela.Filter) (*daktela.SearchResult, error)
	FetchActivities(ctx context.Context, ticketID string) ([]daktela.RawActivity, error)
}

// Codebook maps filter values to API names and display titles.
type Codebook interface {
	ListCategories(ctx context.Context) ([]daktela.CodebookEntry, error)
	ListStatuses(ctx context.Context) ([]daktela.CodebookEntry, error)
}

// Sanitizer cleans one message body.
type Sanitizer interface {
	Sanitize(raw string) sanitize.Result
}

// Classifier labels the parties of one activity.
type Classifier interface {
	Resolve(a daktela.RawActivity) identity.Parties
}

// JobProgress is emitted after every ticket.
type JobProgress struct {
	CurrentIndex    int     `json:"current_index"`
	TotalCount      int     `json:"total_count"`
	CurrentTicketID string  `json:"current_ticket_id"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	ETASeconds      float64 `json:"eta_seconds"`
}

// ProgressFunc receives progress events in ticket order. It runs on the
// controller goroutine and must not block for long.
type ProgressFunc func(JobProgress)

// Controller runs harvests one at a time. Cancel may be called from any
// goroutine; everything else belongs to the goroutine driving the run.
type Controller struct {
	source     TicketSource
	codebook   Codebook
	sanitizer  Sanitizer
	classifier Classifier

	estimator string
	smoothing float64
	prefetch  int
	vipMarker string

	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time

	tickets    metric.Int64Counter
	activities metric.Int64Counter
	redactions metric.Int64Counter
	duration   metric.Float64Histogram

	mu       sync.Mutex
	state    State
	err      error
	filter   daktela.Filter
	found    []daktela.TicketSummary
	truncate bool
	labels   [2]string
	progress JobProgress

	cancelled atomic.Bool
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l.Named("harvest") }
}

// WithTracer sets the tracer for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithMeter registers the controller instruments on m.
func WithMeter(m metric.Meter) Option {
	return func(c *Controller) { c.initMetrics(m) }
}

// WithSanitizer replaces the default sanitizer.
func WithSanitizer(s Sanitizer) Option {
	return func(c *Controller) { c.sanitizer = s }
}

// WithClassifier replaces the default classifier.
func WithClassifier(cl Classifier) Option {
	return func(c *Controller) { c.classifier = cl }
}

// WithCodebook resolves filter values against the codebooks before searching.
func WithCodebook(cb Codebook) Option {
	return func(c *Controller) { c.codebook = cb }
}

// WithEstimator selects the ETA estimator by name.
func WithEstimator(name string, smoothing float64) Option {
	return func(c *Controller) { c.estimator, c.smoothing = name, smoothing }
}

// WithPrefetch lets up to n activity fetches run ahead of processing.
// Zero keeps the loop fully sequential.
func WithPrefetch(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithVIPMarker sets the customFields.vip marker.
func WithVIPMarker(marker string) Option {
	return func(c *Controller) { c.vipMarker = marker }
}

// WithClock replaces time.Now for elapsed and ETA computation.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// ConfigOptions maps the harvest and export configuration to options.
func ConfigOptions(cfg *config.Config) []Option {
	return []Option{
		WithEstimator(cfg.Harvest.Estimator, cfg.Harvest.Smoothing),
		WithPrefetch(cfg.Harvest.Prefetch),
		WithVIPMarker(cfg.Export.VIPMarker),
	}
}

// New returns an idle controller reading from src.
func New(src TicketSource, opts ...Option) *Controller {
	c := &Controller{
		source:     src,
		sanitizer:  sanitize.Default(),
		classifier: identity.Default(),
		estimator:  EstimatorCumulative,
		smoothing:  DefaultSmoothing,
		vipMarker:  export.DefaultVIPMarker,
		logger:     logging.NewNop(),
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
		now:        time.Now,
		state:      StateIdle,
	}
	c.initMetrics(otel.GetMeterProvider().Meter(instrumentationName))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) initMetrics(m metric.Meter) {
	var err error
	if c.tickets, err = m.Int64Counter("harvestd.harvest.tickets",
		metric.WithDescription("Tickets handled by outcome (recorded, skipped)")); err != nil {
		c.tickets = nil
	}
	if c.activities, err = m.Int64Counter("harvestd.harvest.activities",
		metric.WithDescription("Sanitized activities appended to records")); err != nil {
		c.activities = nil
	}
	if c.redactions, err = m.Int64Counter("harvestd.harvest.redactions",
		metric.WithDescription("PII and credential spans replaced by placeholders")); err != nil {
		c.redactions = nil
	}
	if c.duration, err = m.Float64Histogram("harvestd.harvest.ticket_duration_seconds",
		metric.WithDescription("Wall time spent per ticket including the activity fetch"),
		metric.WithUnit("s")); err != nil {
		c.duration = nil
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the controller to Failed, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Progress returns the last emitted progress event.
func (c *Controller) Progress() JobProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Cancel asks the harvest to stop before its next ticket. Tickets
// processed so far are kept. A cancel before Run makes Run return an empty
// cancelled result; Acknowledge clears it.
func (c *Controller) Cancel() {
	c.cancelled.Store(true)
}

// Acknowledge returns a finished controller to Idle.
func (c *Controller) Acknowledge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		return fmt.Errorf("%w: cannot acknowledge in state %s", ErrInvalidState, c.state)
	}
	c.state = StateIdle
	c.err = nil
	c.found = nil
	c.truncate = false
	c.progress = JobProgress{}
	c.cancelled.Store(false)
	return nil
}

// Harvest runs Search followed by Run bounded by f.MaxResults.
func (c *Controller) Harvest(ctx context.Context, f daktela.Filter, progress ProgressFunc) (*export.HarvestResult, error) {
	if _, err := c.Search(ctx, f); err != nil {
		return nil, err
	}
	return c.Run(ctx, f.MaxResults, progress)
}

// Search runs the ticket search and waits for a limit. A failed search
// moves the controller to Failed and returns an error wrapping both
// ErrSearchFailed and the API error.
func (c *Controller) Search(ctx context.Context, f daktela.Filter) ([]daktela.TicketSummary, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot search in state %s", ErrInvalidState, st)
	}
	c.state = StateSearching
	c.mu.Unlock()

	var labels [2]string
	f.Category, labels[0] = c.resolve(ctx, f.Category, Codebook.ListCategories)
	f.Status, labels[1] = c.resolve(ctx, f.Status, Codebook.ListStatuses)

	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()

	res, err := c.source.SearchTickets(ctx, f)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSearchFailed, err)
		c.logger.Error(ctx, "ticket search failed", zap.Error(err))
		c.mu.Lock()
		c.state, c.err = StateFailed, err
		c.mu.Unlock()
		return nil, err
	}

	if res.Truncated {
		c.logger.Warn(ctx, "search hit the page size, later tickets are not harvested",
			zap.Int("found", len(res.Tickets)),
			zap.Int("total", res.Total))
	}
	c.logger.Info(ctx, "ticket search finished",
		zap.String("filter", f.Label()),
		zap.Int("found", len(res.Tickets)))

	c.mu.Lock()
	c.state = StateAwaitingLimit
	c.found = res.Tickets
	c.truncate = res.Truncated
	c.labels = labels
	c.mu.Unlock()
	return res.Tickets, nil
}

// resolve maps a filter value to the codebook name sent to the API and the
// title used in export labels. Names match exactly, titles case-insensitively.
// Without a codebook, or when nothing matches, the value is used as is.
func (c *Controller) resolve(ctx context.Context, value string, list func(Codebook, context.Context) ([]daktela.CodebookEntry, error)) (name, title string) {
	if value == "" || c.codebook == nil {
		return value, value
	}
	entries, err := list(c.codebook, ctx)
	if err != nil {
		c.logger.Debug(ctx, "codebook lookup failed, using raw value", zap.String("value", value), zap.Error(err))
		return value, value
	}
	pick := func(e daktela.CodebookEntry) (string, string) {
		if e.Title == "" {
			return e.Name, e.Name
		}
		return e.Name, e.Title
	}
	for _, e := range entries {
		if e.Name == value {
			return pick(e)
		}
	}
	for _, e := range entries {
		if e.Title != "" && strings.EqualFold(e.Title, value) {
			return pick(e)
		}
	}
	c.logger.Warn(ctx, "filter value not found in codebook", zap.String("value", value))
	return value, value
}

// Run processes the first maxResults found tickets (0 means all) and
// returns the assembled result. A cancelled run still returns the tickets
// processed so far.
func (c *Controller) Run(ctx context.Context, maxResults int, progress ProgressFunc) (*export.HarvestResult, error) {
	if maxResults < 0 {
		return nil, ErrInvalidLimit
	}
	est, err := NewEstimator(c.estimator, c.smoothing)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateAwaitingLimit {
		st := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot run in state %s", ErrInvalidState, st)
	}
	tickets := c.found
	if maxResults > 0 && maxResults < len(tickets) {
		tickets = tickets[:maxResults]
	}
	filter, labels, truncated, found := c.filter, c.labels, c.truncate, len(c.found)
	c.state = StateRunning
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "harvest.Run", trace.WithAttributes(
		attribute.Int("tickets.found", found),
		attribute.Int("tickets.bounded", len(tickets)),
		attribute.Int("prefetch", c.prefetch),
	))
	defer span.End()

	started := c.now()
	asm := export.NewAssembler(c.vipMarker)
	fetch, stop := c.fetcher(ctx, tickets)
	defer stop()

	cancelled := false
	for i, t := range tickets {
		if c.cancelled.Load() || ctx.Err() != nil {
			cancelled = true
			break
		}

		tctx := logging.WithTicketID(ctx, t.ID)
		tickStart := c.now()
		asm.Submitted(t.ID)

		acts, err := fetch(i)
		if err == nil {
			err = c.record(tctx, asm, t, acts)
		}
		if err != nil {
			asm.Skip(t.ID)
			c.add(tctx, c.tickets, attribute.String("outcome", "skipped"))
			if ctx.Err() != nil {
				c.logger.Warn(tctx, "run interrupted during ticket", zap.Error(err))
				cancelled = true
				break
			}
			c.logger.Warn(tctx, "ticket skipped", zap.Error(err))
		} else {
			c.add(tctx, c.tickets, attribute.String("outcome", "recorded"))
		}
		if c.duration != nil {
			c.duration.Record(tctx, c.now().Sub(tickStart).Seconds())
		}

		elapsed := c.now().Sub(started)
		p := JobProgress{
			CurrentIndex:    i + 1,
			TotalCount:      len(tickets),
			CurrentTicketID: t.ID,
			ElapsedSeconds:  elapsed.Seconds(),
			ETASeconds:      est.Observe(i+1, len(tickets), elapsed).Seconds(),
		}
		c.mu.Lock()
		c.progress = p
		c.mu.Unlock()
		if progress != nil {
			progress(p)
		}
	}

	res, err := asm.Finalize(export.Meta{
		CategoryLabel: labels[0],
		StatusLabel:   labels[1],
		DateFrom:      filter.DateFrom,
		DateTo:        filter.DateTo,
		Found:         found,
		Truncated:     truncated,
		Cancelled:     cancelled,
		StartedAt:     started,
		FinishedAt:    c.now(),
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state, c.err = StateFailed, err
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		return nil, err
	}
	if cancelled {
		c.state = StateCancelled
	} else {
		c.state = StateCompleted
	}

	span.SetAttributes(
		attribute.Int("tickets.submitted", res.Stats.Submitted),
		attribute.Int("tickets.skipped", res.Stats.Skipped),
		attribute.Int("activities", res.Stats.ActivityCount),
		attribute.Bool("cancelled", cancelled),
	)
	c.logger.Info(ctx, "harvest finished",
		zap.String("state", c.state.String()),
		zap.Int("records", res.Stats.TicketCount),
		zap.Int("activities", res.Stats.ActivityCount),
		zap.Int("skipped", res.Stats.Skipped),
		zap.Int64("bytes", res.Stats.ByteSize))
	return res, nil
}

// record turns one ticket into a record. A panic anywhere in the pipeline
// skips the ticket without committing a partial record.
func (c *Controller) record(ctx context.Context, asm *export.Assembler, t daktela.TicketSummary, acts []daktela.RawActivity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errTicketPanic, r)
		}
	}()

	slices.SortStableFunc(acts, func(a, b daktela.RawActivity) int {
		return a.Time.Compare(b.Time)
	})

	b := asm.Begin(t)
	redacted := 0
	for _, a := range acts {
		if a.Ticket != nil {
			b.FallbackTitle(a.Ticket.Title)
		}
		res := c.sanitizer.Sanitize(a.Body())
		if res.Text == "" {
			continue
		}
		redacted += res.Redactions
		p := c.classifier.Resolve(a)
		b.Append(export.Entry{
			At:        a.Time,
			Type:      p.Type,
			Sender:    p.Sender,
			Recipient: p.Recipient,
			Text:      res.Text,
		})
	}
	b.Commit()

	if c.activities != nil {
		c.activities.Add(ctx, int64(b.Len()))
	}
	if c.redactions != nil && redacted > 0 {
		c.redactions.Add(ctx, int64(redacted))
	}
	return nil
}

func (c *Controller) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
