package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateServer is returned when a server with the same name already
// exists.
var ErrDuplicateServer = errors.New("server name already exists")

// CreateServer registers a new capability server.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *Server) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	if srv.Status == "" {
		srv.Status = ServerStatusRegistered
	}
	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	srv.UpdatedAt = now

	args, err := marshalJSON(stringsOrEmpty(srv.Args))
	if err != nil {
		return err
	}
	env, err := marshalJSON(envOrEmpty(srv.Env))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, type, command, args, env, url, status,
			connected_instances, total_connections, last_connected_at, last_disconnected_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, string(srv.Type), srv.Command, args, env, srv.URL, srv.Status,
		srv.ConnectedInstances, srv.TotalConnections,
		nullTime(srv.LastConnectedAt), nullTime(srv.LastDisconnectedAt),
		srv.CreatedAt.Format(time.RFC3339Nano), srv.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateServer
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

const serverColumns = `id, name, type, command, args, env, url, status,
	connected_instances, total_connections, last_connected_at, last_disconnected_at,
	created_at, updated_at`

// GetServer retrieves a server by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

// GetServerByName retrieves a server by its unique name.
func (s *SQLiteStore) GetServerByName(ctx context.Context, name string) (*Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	return scanServer(row)
}

// DeleteServer removes a server and, via cascade, its capability records.
func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
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

// ListServers returns all registered servers ordered by name.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// MarkServerConnected records one live gateway connection to the server.
// The status invariant (active iff connected_instances > 0) is maintained in
// the same statement.
func (s *SQLiteStore) MarkServerConnected(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `
		UPDATE servers
		SET connected_instances = connected_instances + 1,
		    total_connections = total_connections + 1,
		    status = ?,
		    last_connected_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		ServerStatusActive, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("marking server connected: %w", err)
	}
	return requireRow(result)
}

// MarkServerDisconnected records the teardown of one live connection. The
// counter never goes below zero and the status reverts to registered when it
// reaches zero.
func (s *SQLiteStore) MarkServerDisconnected(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `
		UPDATE servers
		SET connected_instances = MAX(connected_instances - 1, 0),
		    status = CASE WHEN connected_instances <= 1 THEN ? ELSE status END,
		    last_disconnected_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		ServerStatusRegistered, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("marking server disconnected: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanServer(row rowScanner) (*Server, error) {
	var srv Server
	var serverType, args, env string
	var lastConnected, lastDisconnected sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&srv.ID, &srv.Name, &serverType, &srv.Command, &args, &env,
		&srv.URL, &srv.Status, &srv.ConnectedInstances, &srv.TotalConnections,
		&lastConnected, &lastDisconnected, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server: %w", err)
	}

	srv.Type = ServerType(serverType)
	srv.Args = unmarshalStrings(args)
	srv.Env = unmarshalEnv(env)
	srv.LastConnectedAt = scanTime(lastConnected)
	srv.LastDisconnectedAt = scanTime(lastDisconnected)
	srv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	srv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &srv, nil
}

func envOrEmpty(env map[string]string) map[string]string {
	if env == nil {
		return map[string]string{}
	}
	return env
}

func unmarshalEnv(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for k, v := range unmarshalMap(raw) {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
