package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordToolCall increments the per-(agent, tool) and per-(agent, server)
// counters. Each increment is one upsert statement, so concurrent calls for
// the same pair serialize inside sqlite rather than losing updates.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, agentID, toolID, serverID string) error {
	if err := s.bumpCapabilityUsage(ctx, agentID, toolID, KindTool); err != nil {
		return err
	}
	return s.bumpServerUsage(ctx, agentID, serverID, "total_tool_calls")
}

// RecordResourceRead increments the per-(agent, resource) and
// per-(agent, server) counters.
func (s *SQLiteStore) RecordResourceRead(ctx context.Context, agentID, resourceID, serverID string) error {
	if err := s.bumpCapabilityUsage(ctx, agentID, resourceID, KindResource); err != nil {
		return err
	}
	return s.bumpServerUsage(ctx, agentID, serverID, "total_resource_reads")
}

// RecordPromptGet increments the per-(agent, prompt) and per-(agent, server)
// counters.
func (s *SQLiteStore) RecordPromptGet(ctx context.Context, agentID, promptID, serverID string) error {
	if err := s.bumpCapabilityUsage(ctx, agentID, promptID, KindPrompt); err != nil {
		return err
	}
	return s.bumpServerUsage(ctx, agentID, serverID, "total_prompt_gets")
}

func (s *SQLiteStore) bumpCapabilityUsage(ctx context.Context, agentID, capabilityID string, kind CapabilityKind) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_usage (id, agent_id, capability_id, kind, total, first_at, last_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(agent_id, capability_id) DO UPDATE
		SET total = total + 1, last_at = excluded.last_at`,
		uuid.New().String(), agentID, capabilityID, string(kind), now, now,
	)
	if err != nil {
		return fmt.Errorf("recording %s usage: %w", kind, err)
	}
	return nil
}

func (s *SQLiteStore) bumpServerUsage(ctx context.Context, agentID, serverID, column string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO server_usage (id, agent_id, server_id, %[1]s, last_activity_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(agent_id, server_id) DO UPDATE
		SET %[1]s = %[1]s + 1, last_activity_at = excluded.last_activity_at`, column),
		uuid.New().String(), agentID, serverID, now,
	)
	if err != nil {
		return fmt.Errorf("recording server usage: %w", err)
	}
	return nil
}

// MarkAgentConnected flags the (agent, server) usage record as connected.
func (s *SQLiteStore) MarkAgentConnected(ctx context.Context, agentID, serverID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_usage (id, agent_id, server_id, connected, connected_at, last_activity_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(agent_id, server_id) DO UPDATE
		SET connected = 1, connected_at = excluded.connected_at, last_activity_at = excluded.last_activity_at`,
		uuid.New().String(), agentID, serverID, now, now,
	)
	if err != nil {
		return fmt.Errorf("marking agent connected: %w", err)
	}
	return nil
}

// MarkAgentDisconnected flags every connected usage record for the agent as
// disconnected.
func (s *SQLiteStore) MarkAgentDisconnected(ctx context.Context, agentID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		UPDATE server_usage
		SET connected = 0, disconnected_at = ?
		WHERE agent_id = ? AND connected = 1`,
		now, agentID,
	)
	if err != nil {
		return fmt.Errorf("marking agent disconnected: %w", err)
	}
	return nil
}

// GetServerUsage retrieves the usage record for one (agent, server) pair.
func (s *SQLiteStore) GetServerUsage(ctx context.Context, agentID, serverID string) (*ServerUsage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, server_id, connected, connected_at, disconnected_at,
		       total_tool_calls, total_resource_reads, total_prompt_gets, last_activity_at
		FROM server_usage WHERE agent_id = ? AND server_id = ?`,
		agentID, serverID,
	)

	var u ServerUsage
	var connected int
	var connectedAt, disconnectedAt, lastActivity sql.NullString
	err := row.Scan(&u.ID, &u.AgentID, &u.ServerID, &connected, &connectedAt, &disconnectedAt,
		&u.TotalToolCalls, &u.TotalResourceReads, &u.TotalPromptGets, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server usage: %w", err)
	}

	u.Connected = connected != 0
	u.ConnectedAt = scanTime(connectedAt)
	u.DisconnectedAt = scanTime(disconnectedAt)
	u.LastActivityAt = scanTime(lastActivity)
	return &u, nil
}

// GetCapabilityUsage retrieves the usage record for one (agent, capability)
// pair.
func (s *SQLiteStore) GetCapabilityUsage(ctx context.Context, agentID, capabilityID string) (*CapabilityUsage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, capability_id, kind, total, first_at, last_at
		FROM capability_usage WHERE agent_id = ? AND capability_id = ?`,
		agentID, capabilityID,
	)

	var u CapabilityUsage
	var kind string
	var firstAt, lastAt sql.NullString
	err := row.Scan(&u.ID, &u.AgentID, &u.CapabilityID, &kind, &u.Total, &firstAt, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning capability usage: %w", err)
	}

	u.Kind = CapabilityKind(kind)
	u.FirstAt = scanTime(firstAt)
	u.LastAt = scanTime(lastAt)
	return &u, nil
}
