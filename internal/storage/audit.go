package storage

import (
	"context"
	"fmt"

	"github.com/loomdev/loom/internal/audit"
)

// AuditSink is the durable append-only audit store. It writes outside any
// unit of work: audit events survive even when the surrounding use case
// rolls back, matching the append-only sink contract.
type AuditSink struct {
	db *DB
}

// NewAuditSink creates a sink over the database.
func NewAuditSink(db *DB) *AuditSink {
	return &AuditSink{db: db}
}

// Log appends one event.
func (s *AuditSink) Log(ctx context.Context, e audit.Event) error {
	data, err := marshalData(e)
	if err != nil {
		return err
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, event_type, tenant_id, resource_type, resource_id, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.TenantID, e.ResourceType, e.ResourceID, data, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event %s: %w", e.ID, err)
	}
	return nil
}

// EventsForTenant returns a tenant's audit trail in append order (ULID ids
// sort chronologically).
func (s *AuditSink) EventsForTenant(ctx context.Context, tenantID string, limit int) ([]audit.Event, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT data FROM audit_events WHERE tenant_id = ? ORDER BY id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e, err := unmarshalData[audit.Event](data)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

var _ audit.Sink = (*AuditSink)(nil)
