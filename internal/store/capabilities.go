package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ReplaceServerCapabilities synchronizes the stored capability catalog for
// one server with a freshly fetched upstream catalog. Existing records keep
// their IDs (so grants referencing them stay valid); records absent from the
// new catalog are removed; new ones are inserted. Runs in one transaction.
func (s *SQLiteStore) ReplaceServerCapabilities(ctx context.Context, serverID string, tools []*Tool, resources []*Resource, prompts []*Prompt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := syncTools(ctx, tx, serverID, tools); err != nil {
		return err
	}
	if err := syncResources(ctx, tx, serverID, resources); err != nil {
		return err
	}
	if err := syncPrompts(ctx, tx, serverID, prompts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing capability sync: %w", err)
	}
	return nil
}

func syncTools(ctx context.Context, tx *sql.Tx, serverID string, tools []*Tool) error {
	if err := deleteStale(ctx, tx, "tools", serverID, namesOfTools(tools)); err != nil {
		return err
	}
	for _, t := range tools {
		schema, err := marshalJSON(mapOrEmpty(t.InputSchema))
		if err != nil {
			return err
		}
		t.ID, err = existingID(ctx, tx, "tools", serverID, t.Name)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tools (id, server_id, name, description, input_schema)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(server_id, name) DO UPDATE
			SET description = excluded.description, input_schema = excluded.input_schema`,
			t.ID, serverID, t.Name, t.Description, schema,
		)
		if err != nil {
			return fmt.Errorf("upserting tool %s: %w", t.Name, err)
		}
	}
	return nil
}

func syncResources(ctx context.Context, tx *sql.Tx, serverID string, resources []*Resource) error {
	if err := deleteStale(ctx, tx, "resources", serverID, namesOfResources(resources)); err != nil {
		return err
	}
	for _, r := range resources {
		id, err := existingID(ctx, tx, "resources", serverID, r.Name)
		if err != nil {
			return err
		}
		r.ID = id
		_, err = tx.ExecContext(ctx, `
			INSERT INTO resources (id, server_id, name, uri, description, mime_type)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(server_id, name) DO UPDATE
			SET uri = excluded.uri, description = excluded.description, mime_type = excluded.mime_type`,
			r.ID, serverID, r.Name, r.URI, r.Description, r.MimeType,
		)
		if err != nil {
			return fmt.Errorf("upserting resource %s: %w", r.Name, err)
		}
	}
	return nil
}

func syncPrompts(ctx context.Context, tx *sql.Tx, serverID string, prompts []*Prompt) error {
	if err := deleteStale(ctx, tx, "prompts", serverID, namesOfPrompts(prompts)); err != nil {
		return err
	}
	for _, p := range prompts {
		args, err := marshalJSON(argumentsOrEmpty(p.Arguments))
		if err != nil {
			return err
		}
		p.ID, err = existingID(ctx, tx, "prompts", serverID, p.Name)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO prompts (id, server_id, name, description, arguments)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(server_id, name) DO UPDATE
			SET description = excluded.description, arguments = excluded.arguments`,
			p.ID, serverID, p.Name, p.Description, args,
		)
		if err != nil {
			return fmt.Errorf("upserting prompt %s: %w", p.Name, err)
		}
	}
	return nil
}

// existingID returns the stored row ID for (serverID, name) so resyncing a
// catalog keeps capability IDs stable, or mints a fresh one for new rows.
func existingID(ctx context.Context, tx *sql.Tx, table, serverID, name string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE server_id = ? AND name = ?`, table),
		serverID, name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.New().String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving %s id for %s: %w", table, name, err)
	}
	return id, nil
}

// deleteStale removes capability rows for serverID whose name is not in keep.
func deleteStale(ctx context.Context, tx *sql.Tx, table, serverID string, keep []string) error {
	if len(keep) == 0 {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE server_id = ?`, table), serverID)
		if err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
		return nil
	}

	placeholders := strings.Repeat("?,", len(keep))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(keep)+1)
	args = append(args, serverID)
	for _, name := range keep {
		args = append(args, name)
	}

	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE server_id = ? AND name NOT IN (%s)`, table, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("pruning %s: %w", table, err)
	}
	return nil
}

// GetToolsByIDs returns the tools whose IDs are in ids. IDs with no matching
// row are silently omitted.
func (s *SQLiteStore) GetToolsByIDs(ctx context.Context, ids []string) ([]*Tool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.queryIn(ctx, `SELECT id, server_id, name, description, input_schema FROM tools WHERE id IN (%s)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTools(rows)
}

// GetResourcesByIDs returns the resources whose IDs are in ids.
func (s *SQLiteStore) GetResourcesByIDs(ctx context.Context, ids []string) ([]*Resource, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.queryIn(ctx, `SELECT id, server_id, name, uri, description, mime_type FROM resources WHERE id IN (%s)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying resources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanResources(rows)
}

// GetPromptsByIDs returns the prompts whose IDs are in ids.
func (s *SQLiteStore) GetPromptsByIDs(ctx context.Context, ids []string) ([]*Prompt, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.queryIn(ctx, `SELECT id, server_id, name, description, arguments FROM prompts WHERE id IN (%s)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying prompts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPrompts(rows)
}

// ListTools returns every stored tool record.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, description, input_schema FROM tools ORDER BY server_id, name`)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTools(rows)
}

// ListResources returns every stored resource record.
func (s *SQLiteStore) ListResources(ctx context.Context) ([]*Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, uri, description, mime_type FROM resources ORDER BY server_id, name`)
	if err != nil {
		return nil, fmt.Errorf("querying resources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanResources(rows)
}

// ListPrompts returns every stored prompt record.
func (s *SQLiteStore) ListPrompts(ctx context.Context) ([]*Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, description, arguments FROM prompts ORDER BY server_id, name`)
	if err != nil {
		return nil, fmt.Errorf("querying prompts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPrompts(rows)
}

// MissingCapabilityIDs returns the subset of ids that do not resolve to a
// stored capability of the given kind. Used to validate grant lists.
func (s *SQLiteStore) MissingCapabilityIDs(ctx context.Context, kind CapabilityKind, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var table string
	switch kind {
	case KindTool:
		table = "tools"
	case KindResource:
		table = "resources"
	case KindPrompt:
		table = "prompts"
	default:
		return nil, fmt.Errorf("unknown capability kind %q", kind)
	}

	rows, err := s.queryIn(ctx, `SELECT id FROM `+table+` WHERE id IN (%s)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *SQLiteStore) queryIn(ctx context.Context, queryFmt string, ids []string) (*sql.Rows, error) {
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.db.QueryContext(ctx, fmt.Sprintf(queryFmt, placeholders), args...)
}

func scanTools(rows *sql.Rows) ([]*Tool, error) {
	var tools []*Tool
	for rows.Next() {
		var t Tool
		var schema string
		if err := rows.Scan(&t.ID, &t.ServerID, &t.Name, &t.Description, &schema); err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		t.InputSchema = unmarshalMap(schema)
		tools = append(tools, &t)
	}
	return tools, rows.Err()
}

func scanResources(rows *sql.Rows) ([]*Resource, error) {
	var resources []*Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ID, &r.ServerID, &r.Name, &r.URI, &r.Description, &r.MimeType); err != nil {
			return nil, fmt.Errorf("scanning resource: %w", err)
		}
		resources = append(resources, &r)
	}
	return resources, rows.Err()
}

func scanPrompts(rows *sql.Rows) ([]*Prompt, error) {
	var prompts []*Prompt
	for rows.Next() {
		var p Prompt
		var args string
		if err := rows.Scan(&p.ID, &p.ServerID, &p.Name, &p.Description, &args); err != nil {
			return nil, fmt.Errorf("scanning prompt: %w", err)
		}
		if args != "" {
			_ = json.Unmarshal([]byte(args), &p.Arguments)
		}
		prompts = append(prompts, &p)
	}
	return prompts, rows.Err()
}

func namesOfTools(tools []*Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func namesOfResources(resources []*Resource) []string {
	names := make([]string, len(resources))
	for i, r := range resources {
		names[i] = r.Name
	}
	return names
}

func namesOfPrompts(prompts []*Prompt) []string {
	names := make([]string, len(prompts))
	for i, p := range prompts {
		names[i] = p.Name
	}
	return names
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func argumentsOrEmpty(args []PromptArgument) []PromptArgument {
	if args == nil {
		return []PromptArgument{}
	}
	return args
}
