package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harvestd/internal/export"
	"github.com/fyrsmithlabs/harvestd/internal/harvest"
)

// Event types, also the last subject token.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventCancelled = "cancelled"
	EventFailed    = "failed"
)

// Publisher sends raw event payloads. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

type noopPublisher struct{}

func (noopPublisher) Publish(string, []byte) error { return nil }

// Event is the payload published for every job lifecycle step.
type Event struct {
	JobID     string               `json:"job_id"`
	Type      string               `json:"type"`
	Status    Status               `json:"status"`
	Progress  *harvest.JobProgress `json:"progress,omitempty"`
	Stats     *export.Stats        `json:"stats,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Subject returns <prefix>.<job id>.<event type>.
func Subject(prefix, jobID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, jobID, eventType)
}

func (r *Registry) publish(ev Event) {
	ev.Timestamp = time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn(r.ctx, "marshal job event", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}
	if err := r.pub.Publish(Subject(r.prefix, ev.JobID, ev.Type), data); err != nil {
		r.logger.Warn(r.ctx, "publish job event", zap.String("job_id", ev.JobID), zap.Error(err))
	}
}

// Connect dials NATS when url is set and returns a noop publisher
// otherwise. The returned close function is always safe to call.
func Connect(url string, opts ...nats.Option) (Publisher, func(), error) {
	if url == "" {
		return noopPublisher{}, func() {}, nil
	}
	opts = append([]nats.Option{nats.Name("harvestd")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, func() {
		_ = nc.Drain()
	}, nil
}
