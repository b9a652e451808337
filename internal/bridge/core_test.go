package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/filter"
	"mcpbridge/internal/store"
)

type fakeUpstream struct {
	callResult   *mcp.CallToolResult
	callErr      error
	callDelay    time.Duration
	readResult   *mcp.ReadResourceResult
	promptResult *mcp.GetPromptResult
	serverIDs    []string

	calls int
}

func (f *fakeUpstream) ForwardCallTool(ctx context.Context, serverID, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.calls++
	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeUpstream) ForwardReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	if f.readResult != nil {
		return f.readResult, nil
	}
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, Text: "contents"},
	}}, nil
}

func (f *fakeUpstream) ForwardGetPrompt(ctx context.Context, serverID, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	if f.promptResult != nil {
		return f.promptResult, nil
	}
	return &mcp.GetPromptResult{Messages: []mcp.PromptMessage{{
		Role:    mcp.RoleUser,
		Content: mcp.TextContent{Type: "text", Text: "hello"},
	}}}, nil
}

func (f *fakeUpstream) ConnectedServerIDs() []string { return f.serverIDs }

type allConnected struct{}

func (allConnected) Connected(string) bool { return true }

// revokingStore drops the agent's tool grants after a configured number of
// GetAgent reads, simulating an admin revoking access mid-request.
type revokingStore struct {
	*store.SQLiteStore
	revokeAfter int
	reads       int
}

func (r *revokingStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	a, err := r.SQLiteStore.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	r.reads++
	if r.reads > r.revokeAfter {
		a.ToolIDs = nil
	}
	return a, nil
}

type coreFixture struct {
	store    *store.SQLiteStore
	upstream *fakeUpstream
	core     *Core
	identity Identity
	toolID   string
	resURI   string
	prompt   string
	serverID string
}

func newCoreFixture(t *testing.T, timeout time.Duration) *coreFixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := &store.Server{Name: "files", Type: store.ServerTypeStdio, Command: "files-server"}
	require.NoError(t, s.CreateServer(ctx, srv))

	tools := []*store.Tool{{ServerID: srv.ID, Name: "read_file"}}
	resources := []*store.Resource{{ServerID: srv.ID, Name: "readme", URI: "file:///README.md"}}
	prompts := []*store.Prompt{{ServerID: srv.ID, Name: "summarize"}}
	require.NoError(t, s.ReplaceServerCapabilities(ctx, srv.ID, tools, resources, prompts))

	a := &store.Agent{
		ClientID:    "client-1",
		SecretHash:  "h",
		Name:        "research-agent",
		ToolIDs:     []string{tools[0].ID},
		ResourceIDs: []string{resources[0].ID},
		PromptIDs:   []string{prompts[0].ID},
	}
	require.NoError(t, s.CreateAgent(ctx, a))

	up := &fakeUpstream{serverIDs: []string{srv.ID}}
	core := NewCore(filter.New(s, allConnected{}), up, s, timeout)

	return &coreFixture{
		store:    s,
		upstream: up,
		core:     core,
		identity: Identity{AgentID: a.ID, ClientID: a.ClientID, Name: a.Name},
		toolID:   tools[0].ID,
		resURI:   resources[0].URI,
		prompt:   prompts[0].Name,
		serverID: srv.ID,
	}
}

func (fx *coreFixture) auditTypes(t *testing.T, eventType string) []*store.AuditEvent {
	t.Helper()
	events, err := fx.store.ListAuditEvents(context.Background(), store.AuditFilter{EventType: eventType})
	require.NoError(t, err)
	return events
}

func TestCallToolSuccess(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	result, err := fx.core.CallTool(ctx, fx.identity, "read_file", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	require.NotNil(t, result)

	attempts := fx.auditTypes(t, EventCallAttempt)
	require.Len(t, attempts, 1)
	assert.Equal(t, fx.identity.AgentID, attempts[0].AgentID)
	assert.Equal(t, "read_file", attempts[0].Payload["tool"])

	results := fx.auditTypes(t, EventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].Payload["preview"])
	assert.Equal(t, attempts[0].CorrelationID, results[0].CorrelationID)

	usage, err := fx.store.GetCapabilityUsage(ctx, fx.identity.AgentID, fx.toolID)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Total)
}

func TestCallToolDenied(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	_, err := fx.core.CallTool(ctx, fx.identity, "delete_everything", nil)
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "tool", denied.Kind)

	assert.Zero(t, fx.upstream.calls, "denied calls must never reach upstream")
	require.Len(t, fx.auditTypes(t, EventAccessDenied), 1)
	require.Len(t, fx.auditTypes(t, EventCallAttempt), 1, "attempt is audited before permission is known")
}

func TestCallToolRevokedBetweenChecks(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	// Grants survive exactly one read: the first check passes, the re-check
	// before dispatch sees the revocation.
	rs := &revokingStore{SQLiteStore: fx.store, revokeAfter: 1}
	core := NewCore(filter.New(rs, allConnected{}), fx.upstream, fx.store, 0)

	_, err := core.CallTool(ctx, fx.identity, "read_file", nil)
	var revoked *PermissionRevokedError
	require.ErrorAs(t, err, &revoked)

	assert.Zero(t, fx.upstream.calls)
	require.Len(t, fx.auditTypes(t, EventAccessRevoked), 1)
	assert.Empty(t, fx.auditTypes(t, EventAccessDenied))
}

func TestCallToolTimeout(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 20*time.Millisecond)
	fx.upstream.callDelay = time.Second

	_, err := fx.core.CallTool(ctx, fx.identity, "read_file", nil)
	var timeout *UpstreamTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)

	errs := fx.auditTypes(t, EventToolError)
	require.Len(t, errs, 1)
	assert.Equal(t, "error", errs[0].Severity)
}

func TestCallToolUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)
	fx.upstream.callErr = errors.New("upstream exploded")

	_, err := fx.core.CallTool(ctx, fx.identity, "read_file", nil)
	var execErr *UpstreamExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorContains(t, execErr.Err, "upstream exploded")

	// Failed calls do not count as usage.
	_, err = fx.store.GetCapabilityUsage(ctx, fx.identity.AgentID, fx.toolID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCallToolPreviewTruncation(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	fx.upstream.callResult = &mcp.CallToolResult{Content: []mcp.Content{
		mcp.TextContent{Type: "text", Text: string(long)},
		mcp.ImageContent{Type: "image", Data: "deadbeef", MIMEType: "image/png"},
	}}

	_, err := fx.core.CallTool(ctx, fx.identity, "read_file", nil)
	require.NoError(t, err)

	results := fx.auditTypes(t, EventToolResult)
	require.Len(t, results, 1)
	preview := results[0].Payload["preview"].(string)
	assert.Len(t, preview, previewLimit+3)
	assert.Contains(t, preview, "...")
}

func TestReadResourceSuccess(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	result, err := fx.core.ReadResource(ctx, fx.identity, fx.resURI)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)

	// The success audit is written before the result is returned.
	results := fx.auditTypes(t, EventResourceResult)
	require.Len(t, results, 1)
	assert.Equal(t, fx.resURI, results[0].Payload["resource"])
}

func TestReadResourceDenied(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	_, err := fx.core.ReadResource(ctx, fx.identity, "file:///etc/shadow")
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "resource", denied.Kind)
}

func TestGetPromptSuccess(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	result, err := fx.core.GetPrompt(ctx, fx.identity, fx.prompt, map[string]any{"path": "README"})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	require.Len(t, fx.auditTypes(t, EventPromptResult), 1)

	usage, err := fx.store.GetServerUsage(ctx, fx.identity.AgentID, fx.serverID)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.TotalPromptGets)
}

func TestGetPromptDenied(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	_, err := fx.core.GetPrompt(ctx, fx.identity, "forbidden_prompt", nil)
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	require.Len(t, fx.auditTypes(t, EventAccessDenied), 1)
}

func TestListToolsFiltersToGrants(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	tools := fx.core.ListTools(ctx, fx.identity)
	require.Len(t, tools, 1)
	assert.Equal(t, "read_file", tools[0].Name)

	resources := fx.core.ListResources(ctx, fx.identity)
	require.Len(t, resources, 1)
	assert.Equal(t, fx.resURI, resources[0].URI)

	prompts := fx.core.ListPrompts(ctx, fx.identity)
	require.Len(t, prompts, 1)
	assert.Equal(t, fx.prompt, prompts[0].Name)
}

func TestListNeverFailsOutward(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	unknown := Identity{AgentID: "no-such-agent", Name: "ghost"}
	tools := fx.core.ListTools(ctx, unknown)
	assert.Empty(t, tools)
	assert.NotNil(t, tools)

	// The internal failure is visible in the audit log.
	require.Len(t, fx.auditTypes(t, EventListError), 1)
}

func TestSessionTracking(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, 0)

	fx.core.TrackSessionStart(ctx, fx.identity)
	usage, err := fx.store.GetServerUsage(ctx, fx.identity.AgentID, fx.serverID)
	require.NoError(t, err)
	assert.True(t, usage.Connected)

	fx.core.TrackSessionEnd(ctx, fx.identity)
	usage, err = fx.store.GetServerUsage(ctx, fx.identity.AgentID, fx.serverID)
	require.NoError(t, err)
	assert.False(t, usage.Connected)
}
