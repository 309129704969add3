package publishers

import (
	"time"

	"github.com/google/uuid"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
)

// EventType names a lifecycle transition published downstream.
type EventType string

const (
	EventMetricsFetched EventType = "metrics.fetched"
	EventProviderFailed EventType = "provider.failed"
	EventJobCompleted   EventType = "job.completed"
	EventJobFailed      EventType = "job.failed"
	EventJobRetrying    EventType = "job.retrying"
)

// Event represents the payload published downstream.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	JobID      string          `json:"job_id,omitempty"`
	PodcastID  int64           `json:"podcast_id,omitempty"`
	Platform   domain.Platform `json:"platform,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	MetricsID  string          `json:"metrics_id,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Error      string          `json:"error,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEvent constructs an Event of typ stamped with a fresh id and the current time.
func NewEvent(typ EventType) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
	}
}

// JobEvent builds a job lifecycle event from job.
func JobEvent(typ EventType, job domain.Job) Event {
	evt := NewEvent(typ)
	evt.JobID = job.ID
	evt.PodcastID = job.PodcastID
	evt.CostUSD = job.ActualCost
	evt.Attempts = job.Attempts
	evt.Error = job.ErrorMessage
	return evt
}

// attributes returns the routing attributes attached to queue and topic messages.
func (e Event) attributes() map[string]string {
	attrs := map[string]string{"event_type": string(e.Type)}
	if e.Platform != "" {
		attrs["platform"] = string(e.Platform)
	}
	return attrs
}
