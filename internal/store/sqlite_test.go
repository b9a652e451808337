package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testServer(t *testing.T, s *SQLiteStore, name string) *Server {
	t.Helper()
	srv := &Server{Name: name, Type: ServerTypeStdio, Command: name + "-server"}
	require.NoError(t, s.CreateServer(context.Background(), srv))
	return srv
}

func TestAgentCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &Agent{
		ClientID:   "client-1",
		SecretHash: "hash-1",
		Name:       "deploy-bot",
		ToolIDs:    []string{"t1", "t2"},
	}
	require.NoError(t, s.CreateAgent(ctx, a))
	require.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy-bot", got.Name)
	assert.Equal(t, []string{"t1", "t2"}, got.ToolIDs)
	assert.Empty(t, got.ResourceIDs)

	byClient, err := s.GetAgentByClientID(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byClient.ID)

	got.Name = "renamed"
	got.PromptIDs = []string{"p1"}
	require.NoError(t, s.UpdateAgent(ctx, got))

	got, err = s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, []string{"p1"}, got.PromptIDs)

	require.NoError(t, s.DeleteAgent(ctx, a.ID))
	_, err = s.GetAgent(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAgentDuplicateClientID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateAgent(ctx, &Agent{ClientID: "dup", SecretHash: "h", Name: "a"}))
	err := s.CreateAgent(ctx, &Agent{ClientID: "dup", SecretHash: "h", Name: "b"})
	assert.ErrorIs(t, err, ErrDuplicateClientID)
}

func TestUpdateAgentNotFound(t *testing.T) {
	err := newTestStore(t).UpdateAgent(context.Background(), &Agent{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServerConnectionCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	srv := testServer(t, s, "files")

	got, err := s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, ServerStatusRegistered, got.Status)
	assert.Zero(t, got.ConnectedInstances)

	require.NoError(t, s.MarkServerConnected(ctx, srv.ID))
	require.NoError(t, s.MarkServerConnected(ctx, srv.ID))

	got, err = s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, ServerStatusActive, got.Status)
	assert.Equal(t, 2, got.ConnectedInstances)
	assert.Equal(t, 2, got.TotalConnections)
	assert.NotNil(t, got.LastConnectedAt)

	require.NoError(t, s.MarkServerDisconnected(ctx, srv.ID))
	got, err = s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, ServerStatusActive, got.Status, "still one instance connected")
	assert.Equal(t, 1, got.ConnectedInstances)

	require.NoError(t, s.MarkServerDisconnected(ctx, srv.ID))
	got, err = s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, ServerStatusRegistered, got.Status)
	assert.Zero(t, got.ConnectedInstances)
	assert.Equal(t, 2, got.TotalConnections, "total never decreases")

	// Extra disconnects never push the instance count below zero.
	require.NoError(t, s.MarkServerDisconnected(ctx, srv.ID))
	got, err = s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConnectedInstances)
}

func TestCapabilitySyncPreservesIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	srv := testServer(t, s, "files")

	first := []*Tool{
		{ServerID: srv.ID, Name: "read_file", Description: "reads"},
		{ServerID: srv.ID, Name: "write_file"},
	}
	require.NoError(t, s.ReplaceServerCapabilities(ctx, srv.ID, first, nil, nil))
	readID := first[0].ID
	require.NotEmpty(t, readID)

	// Resync with read_file changed, write_file gone, list_dir new.
	second := []*Tool{
		{ServerID: srv.ID, Name: "read_file", Description: "reads a file"},
		{ServerID: srv.ID, Name: "list_dir"},
	}
	require.NoError(t, s.ReplaceServerCapabilities(ctx, srv.ID, second, nil, nil))

	assert.Equal(t, readID, second[0].ID, "surviving capability keeps its ID")

	tools, err := s.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	byName := map[string]*Tool{}
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	require.Contains(t, byName, "read_file")
	assert.Equal(t, readID, byName["read_file"].ID)
	assert.Equal(t, "reads a file", byName["read_file"].Description)
	assert.NotContains(t, byName, "write_file")
}

func TestGetToolsByIDsOmitsMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	srv := testServer(t, s, "files")

	tools := []*Tool{{ServerID: srv.ID, Name: "read_file"}}
	require.NoError(t, s.ReplaceServerCapabilities(ctx, srv.ID, tools, nil, nil))

	got, err := s.GetToolsByIDs(ctx, []string{tools[0].ID, "dangling"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "read_file", got[0].Name)
}

func TestMissingCapabilityIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	srv := testServer(t, s, "files")

	resources := []*Resource{{ServerID: srv.ID, Name: "readme", URI: "file:///README.md"}}
	require.NoError(t, s.ReplaceServerCapabilities(ctx, srv.ID, nil, resources, nil))

	missing, err := s.MissingCapabilityIDs(ctx, KindResource, []string{resources[0].ID, "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, missing)

	// A resource ID is not a valid tool ID.
	missing, err = s.MissingCapabilityIDs(ctx, KindTool, []string{resources[0].ID})
	require.NoError(t, err)
	assert.Equal(t, []string{resources[0].ID}, missing)
}

func TestUsageCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	srv := testServer(t, s, "files")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordToolCall(ctx, "agent-1", "tool-1", srv.ID))
	}
	require.NoError(t, s.RecordResourceRead(ctx, "agent-1", "res-1", srv.ID))

	capUsage, err := s.GetCapabilityUsage(ctx, "agent-1", "tool-1")
	require.NoError(t, err)
	assert.Equal(t, 3, capUsage.Total)
	assert.Equal(t, KindTool, capUsage.Kind)
	assert.NotNil(t, capUsage.FirstAt)
	assert.NotNil(t, capUsage.LastAt)

	srvUsage, err := s.GetServerUsage(ctx, "agent-1", srv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, srvUsage.TotalToolCalls)
	assert.Equal(t, 1, srvUsage.TotalResourceReads)
	assert.Zero(t, srvUsage.TotalPromptGets)
}

func TestAgentConnectionFlag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	srv := testServer(t, s, "files")

	require.NoError(t, s.MarkAgentConnected(ctx, "agent-1", srv.ID))
	usage, err := s.GetServerUsage(ctx, "agent-1", srv.ID)
	require.NoError(t, err)
	assert.True(t, usage.Connected)
	assert.NotNil(t, usage.ConnectedAt)

	require.NoError(t, s.MarkAgentDisconnected(ctx, "agent-1"))
	usage, err = s.GetServerUsage(ctx, "agent-1", srv.ID)
	require.NoError(t, err)
	assert.False(t, usage.Connected)
	assert.NotNil(t, usage.DisconnectedAt)
}

func TestAuditAppendAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	events := []*AuditEvent{
		{EventType: "call_attempt", CorrelationID: "c1", AgentID: "a1", Payload: map[string]any{"tool": "read_file"}},
		{EventType: "access_denied", CorrelationID: "c1", AgentID: "a1", Severity: "warning"},
		{EventType: "call_attempt", CorrelationID: "c2", AgentID: "a2"},
	}
	for _, e := range events {
		require.NoError(t, s.AppendAuditEvent(ctx, e))
		assert.NotZero(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	byCorrelation, err := s.ListAuditEvents(ctx, AuditFilter{CorrelationID: "c1"})
	require.NoError(t, err)
	require.Len(t, byCorrelation, 2)
	assert.Equal(t, "call_attempt", byCorrelation[0].EventType)
	assert.Equal(t, "access_denied", byCorrelation[1].EventType)
	assert.Equal(t, "read_file", byCorrelation[0].Payload["tool"])

	byType, err := s.ListAuditEvents(ctx, AuditFilter{EventType: "call_attempt"})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	limited, err := s.ListAuditEvents(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDeleteServerCascadesCapabilities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	srv := testServer(t, s, "files")

	tools := []*Tool{{ServerID: srv.ID, Name: "read_file"}}
	require.NoError(t, s.ReplaceServerCapabilities(ctx, srv.ID, tools, nil, nil))

	require.NoError(t, s.DeleteServer(ctx, srv.ID))

	remaining, err := s.ListTools(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
