// Package audit defines the append-only audit event contract. Durable
// storage is an external sink; the engine only appends.
package audit

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types emitted by the engine and use cases.
const (
	EventProjectCreated     = "project_created"
	EventProjectUpdated     = "project_updated"
	EventTaskCreated        = "task_created"
	EventPipelineStarted    = "pipeline_started"
	EventPipelineCompleted  = "pipeline_completed"
	EventPipelineFailed     = "pipeline_failed"
	EventPipelineCancelled  = "pipeline_cancelled"
	EventPipelineResumed    = "pipeline_resumed"
	EventPipelineReplayed   = "pipeline_replayed"
	EventArtifactApproved   = "artifact_approved"
	EventArtifactRejected   = "artifact_rejected"
	EventBillingUnavailable = "billing_unavailable"
)

// Event is one audit record. UserID is nil for system-initiated events.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"event_type"`
	TenantID     string         `json:"tenant_id"`
	UserID       *string        `json:"user_id,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewEvent builds an event with a sortable ULID id and UTC timestamp.
func NewEvent(eventType, tenantID string, userID *string, resourceType, resourceID string, metadata map[string]any) Event {
	now := time.Now().UTC()
	return Event{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Type:         eventType,
		TenantID:     tenantID,
		UserID:       userID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		CreatedAt:    now,
	}
}

// Sink is the append-only audit destination.
type Sink interface {
	Log(ctx context.Context, e Event) error
}

// MemorySink records events in memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Log appends the event.
func (m *MemorySink) Log(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything logged so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns logged events of one type.
func (m *MemorySink) ByType(eventType string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// SlogSink mirrors events to a structured logger. Useful chained behind a
// durable sink during local development.
type SlogSink struct {
	Logger *slog.Logger
}

// Log writes the event at info level.
func (s *SlogSink) Log(_ context.Context, e Event) error {
	s.Logger.Info("audit event",
		"event_type", e.Type,
		"tenant_id", e.TenantID,
		"resource_type", e.ResourceType,
		"resource_id", e.ResourceID,
	)
	return nil
}
