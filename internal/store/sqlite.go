package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mcpbridge/pkg/logging"
)

// SQLiteStore implements Store using modernc.org/sqlite. The schema is
// created automatically on open.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created if needed. Pass ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL improves concurrent reader behavior; busy_timeout covers the
	// single-writer lock under concurrent request handling.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logging.Debug("Store", "SQLite store initialized at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL UNIQUE,
			secret_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			tool_ids TEXT NOT NULL DEFAULT '[]',
			resource_ids TEXT NOT NULL DEFAULT '[]',
			prompt_ids TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_client_id ON agents(client_id);

		CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '[]',
			env TEXT NOT NULL DEFAULT '{}',
			url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'registered',
			connected_instances INTEGER NOT NULL DEFAULT 0,
			total_connections INTEGER NOT NULL DEFAULT 0,
			last_connected_at DATETIME,
			last_disconnected_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			input_schema TEXT NOT NULL DEFAULT '{}',
			UNIQUE(server_id, name)
		);

		CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			uri TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			UNIQUE(server_id, name)
		);

		CREATE TABLE IF NOT EXISTS prompts (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			arguments TEXT NOT NULL DEFAULT '[]',
			UNIQUE(server_id, name)
		);

		CREATE TABLE IF NOT EXISTS server_usage (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			connected INTEGER NOT NULL DEFAULT 0,
			connected_at DATETIME,
			disconnected_at DATETIME,
			total_tool_calls INTEGER NOT NULL DEFAULT 0,
			total_resource_reads INTEGER NOT NULL DEFAULT 0,
			total_prompt_gets INTEGER NOT NULL DEFAULT 0,
			last_activity_at DATETIME,
			UNIQUE(agent_id, server_id)
		);

		CREATE TABLE IF NOT EXISTS capability_usage (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			first_at DATETIME,
			last_at DATETIME,
			UNIQUE(agent_id, capability_id)
		);

		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'info',
			payload TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
		CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_events(agent_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// isConstraintViolation reports whether err is a sqlite uniqueness or foreign
// key constraint failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling json column: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func scanTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
