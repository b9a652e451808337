package store

import (
	"context"
	"fmt"
	"time"
)

// AppendAuditEvent appends one entry to the audit log. Timestamp and
// severity default to now/info if unset. Entries are never updated.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = "info"
	}

	payload, err := marshalJSON(mapOrEmpty(e.Payload))
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (timestamp, event_type, correlation_id, session_id, agent_id, source, severity, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.Format(time.RFC3339Nano), e.EventType, e.CorrelationID,
		e.SessionID, e.AgentID, e.Source, e.Severity, payload,
	)
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListAuditEvents returns audit entries matching the filter, oldest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, f AuditFilter) ([]*AuditEvent, error) {
	query := `SELECT id, timestamp, event_type, correlation_id, session_id, agent_id, source, severity, payload
		FROM audit_events WHERE 1=1`
	var args []any

	if f.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, f.CorrelationID)
	}
	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, f.Severity)
	}

	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var ts, payload string
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.CorrelationID,
			&e.SessionID, &e.AgentID, &e.Source, &e.Severity, &payload); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Payload = unmarshalMap(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}
