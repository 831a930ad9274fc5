// Package jobs runs harvests in the background and tracks them by id.
//
// Every job owns its own harvest.Controller. Lifecycle and progress events
// are published to subjects of the form:
//
//	<prefix>.<job_id>.started
//	<prefix>.<job_id>.progress
//	<prefix>.<job_id>.completed
//	<prefix>.<job_id>.cancelled
//	<prefix>.<job_id>.failed
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harvestd/internal/daktela"
	"github.com/fyrsmithlabs/harvestd/internal/export"
	"github.com/fyrsmithlabs/harvestd/internal/harvest"
	"github.com/fyrsmithlabs/harvestd/internal/logging"
)

// DefaultRetention is how long finished jobs stay queryable.
const DefaultRetention = time.Hour

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrNotFinished = errors.New("job has not finished")
	ErrClosed      = errors.New("registry closed")
	ErrJobFailed   = errors.New("job failed")
)

// Status is the externally visible job status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSearching Status = "searching"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Finished reports whether the job reached a terminal status.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Request submits a harvest.
type Request struct {
	Filter daktela.Filter `json:"filter"`
}

// Job is a point-in-time copy of a job.
type Job struct {
	ID         string              `json:"id"`
	Status     Status              `json:"status"`
	Filter     daktela.Filter      `json:"filter"`
	Found      int                 `json:"found"`
	Progress   harvest.JobProgress `json:"progress"`
	Stats      *export.Stats       `json:"stats,omitempty"`
	Error      string              `json:"error,omitempty"`
	Artifacts  []string            `json:"artifacts,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

type entry struct {
	job    Job
	ctl    *harvest.Controller
	result *export.HarvestResult
	cancel context.CancelFunc
}

// ControllerFactory builds a fresh controller per job.
type ControllerFactory func() *harvest.Controller

// Registry tracks jobs in memory. It is safe for concurrent use.
type Registry struct {
	newController ControllerFactory
	pub           Publisher
	prefix        string
	logger        *logging.Logger
	metrics       *Metrics
	retention     time.Duration
	outputDir     string
	formats       []string

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	jobs   map[string]*entry
	closed bool
}

// Option customizes a Registry.
type Option func(*Registry)

// WithPublisher sets the event publisher; the default drops events.
func WithPublisher(p Publisher, subjectPrefix string) Option {
	return func(r *Registry) {
		if p != nil {
			r.pub = p
		}
		if subjectPrefix != "" {
			r.prefix = subjectPrefix
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l.Named("jobs") }
}

// WithMetrics enables the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithRetention sets how long finished jobs are kept.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithArtifacts writes the given formats into dir when a job finishes
// with a result.
func WithArtifacts(dir string, formats []string) Option {
	return func(r *Registry) { r.outputDir, r.formats = dir, formats }
}

// NewRegistry returns an empty registry.
func NewRegistry(factory ControllerFactory, opts ...Option) *Registry {
	ctx, stop := context.WithCancel(context.Background())
	r := &Registry{
		newController: factory,
		pub:           noopPublisher{},
		prefix:        "harvest.jobs",
		logger:        logging.NewNop(),
		retention:     DefaultRetention,
		ctx:           ctx,
		stop:          stop,
		jobs:          make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit validates req and starts a job. The job outlives ctx; use Cancel
// to stop it.
func (r *Registry) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Filter.Validate(); err != nil {
		return "", err
	}

	now := time.Now()
	id := uuid.New().String()
	jobCtx, cancel := context.WithCancel(logging.WithJobID(r.ctx, id))
	e := &entry{
		job: Job{
			ID:        id,
			Status:    StatusPending,
			Filter:    req.Filter,
			CreatedAt: now,
			UpdatedAt: now,
		},
		ctl:    r.newController(),
		cancel: cancel,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	r.jobs[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info(ctx, "job submitted", zap.String("job_id", id), zap.String("filter", req.Filter.Label()))
	go r.run(jobCtx, e)
	return id, nil
}

func (r *Registry) run(ctx context.Context, e *entry) {
	defer r.wg.Done()
	defer e.cancel()
	id := e.job.ID
	started := time.Now()
	if r.metrics != nil {
		r.metrics.ActiveJobs.Inc()
		defer r.metrics.ActiveJobs.Dec()
	}

	r.update(e, func(j *Job) { j.Status = StatusSearching })
	r.publish(Event{JobID: id, Type: EventStarted, Status: StatusSearching})

	found, err := e.ctl.Search(ctx, e.job.Filter)
	if err != nil {
		r.finish(ctx, e, nil, err, started)
		return
	}
	r.update(e, func(j *Job) {
		j.Status = StatusRunning
		j.Found = len(found)
	})

	res, err := e.ctl.Run(ctx, e.job.Filter.MaxResults, func(p harvest.JobProgress) {
		r.update(e, func(j *Job) { j.Progress = p })
		r.publish(Event{JobID: id, Type: EventProgress, Status: StatusRunning, Progress: &p})
	})
	r.finish(ctx, e, res, err, started)
}

func (r *Registry) finish(ctx context.Context, e *entry, res *export.HarvestResult, err error, started time.Time) {
	id := e.job.ID
	status := StatusCompleted
	switch {
	case err != nil:
		status = StatusFailed
	case e.ctl.State() == harvest.StateCancelled:
		status = StatusCancelled
	}

	var artifacts []string
	var artifactErr error
	if res != nil && r.outputDir != "" && len(r.formats) > 0 {
		artifacts, artifactErr = export.WriteAll(r.outputDir, res, r.formats)
		if artifactErr != nil {
			r.logger.Error(ctx, "failed to write artifacts", zap.Error(artifactErr))
		}
	}

	now := time.Now()
	r.mu.Lock()
	e.result = res
	e.job.Status = status
	e.job.UpdatedAt = now
	e.job.FinishedAt = &now
	e.job.Artifacts = artifacts
	if res != nil {
		stats := res.Stats
		e.job.Stats = &stats
	}
	switch {
	case err != nil:
		e.job.Error = err.Error()
	case artifactErr != nil:
		e.job.Error = artifactErr.Error()
	}
	snapshot := e.job
	r.mu.Unlock()

	ev := Event{JobID: id, Type: string(status), Status: status, Stats: snapshot.Stats, Error: snapshot.Error}
	r.publish(ev)

	if r.metrics != nil {
		r.metrics.JobsTotal.WithLabelValues(string(status)).Inc()
		r.metrics.JobDuration.Observe(time.Since(started).Seconds())
		if res != nil {
			r.metrics.Tickets.WithLabelValues("recorded").Add(float64(res.Stats.TicketCount))
			r.metrics.Tickets.WithLabelValues("skipped").Add(float64(res.Stats.Skipped))
		}
	}

	fields := []zap.Field{zap.String("status", string(status))}
	if err != nil {
		fields = append(fields, zap.Error(err))
		r.logger.Warn(ctx, "job finished", fields...)
	} else {
		r.logger.Info(ctx, "job finished", append(fields, zap.Int("records", res.Stats.TicketCount))...)
	}

	if r.retention > 0 {
		time.AfterFunc(r.retention, func() { r.forget(id) })
	}
}

func (r *Registry) update(e *entry, fn func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&e.job)
	e.job.UpdatedAt = time.Now()
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e.job, nil
}

// Result returns the result of a finished job. Failed jobs have none.
func (r *Registry) Result(id string) (*export.HarvestResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !e.job.Status.Finished() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFinished, id, e.job.Status)
	}
	if e.result == nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrJobFailed, id, e.job.Error)
	}
	return e.result, nil
}

// Cancel asks a job to stop before its next ticket.
func (r *Registry) Cancel(id string) error {
	r.mu.RLock()
	e, ok := r.jobs[id]
	var status Status
	if ok {
		status = e.job.Status
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if status.Finished() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, status)
	}
	e.ctl.Cancel()
	r.logger.Info(r.ctx, "job cancel requested", zap.String("job_id", id))
	return nil
}

// List returns all known jobs, oldest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.job)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

// Wait blocks until job id finishes or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (Job, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := r.Get(id)
		if err != nil || job.Status.Finished() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close cancels running jobs and waits for them until ctx is done.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, e := range r.jobs {
		if !e.job.Status.Finished() {
			e.ctl.Cancel()
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.stop()
		return nil
	case <-ctx.Done():
		r.stop()
		return ctx.Err()
	}
}
