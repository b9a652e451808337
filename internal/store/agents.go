package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateClientID is returned when an agent with the same client ID
// already exists.
var ErrDuplicateClientID = errors.New("client id already exists")

// CreateAgent inserts a new agent identity. ID and timestamps are generated
// if unset.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	toolIDs, err := marshalJSON(stringsOrEmpty(a.ToolIDs))
	if err != nil {
		return err
	}
	resourceIDs, err := marshalJSON(stringsOrEmpty(a.ResourceIDs))
	if err != nil {
		return err
	}
	promptIDs, err := marshalJSON(stringsOrEmpty(a.PromptIDs))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, client_id, secret_hash, name, description,
			tool_ids, resource_ids, prompt_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ClientID, a.SecretHash, a.Name, a.Description,
		toolIDs, resourceIDs, promptIDs,
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateClientID
		}
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

const agentColumns = `id, client_id, secret_hash, name, description,
	tool_ids, resource_ids, prompt_ids, created_at, updated_at`

// GetAgent retrieves an agent by internal ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentByClientID retrieves an agent by public client ID.
func (s *SQLiteStore) GetAgentByClientID(ctx context.Context, clientID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE client_id = ?`, clientID)
	return scanAgent(row)
}

// UpdateAgent persists metadata and grant list changes. The secret hash and
// client ID are immutable after creation.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now().UTC()

	toolIDs, err := marshalJSON(stringsOrEmpty(a.ToolIDs))
	if err != nil {
		return err
	}
	resourceIDs, err := marshalJSON(stringsOrEmpty(a.ResourceIDs))
	if err != nil {
		return err
	}
	promptIDs, err := marshalJSON(stringsOrEmpty(a.PromptIDs))
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = ?, description = ?, tool_ids = ?, resource_ids = ?, prompt_ids = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Description, toolIDs, resourceIDs, promptIDs,
		a.UpdatedAt.Format(time.RFC3339Nano), a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent identity.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgents returns all agents ordered by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var toolIDs, resourceIDs, promptIDs string
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.ClientID, &a.SecretHash, &a.Name, &a.Description,
		&toolIDs, &resourceIDs, &promptIDs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.ToolIDs = unmarshalStrings(toolIDs)
	a.ResourceIDs = unmarshalStrings(resourceIDs)
	a.PromptIDs = unmarshalStrings(promptIDs)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &a, nil
}

func stringsOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
