package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/agent"
	"mcpbridge/internal/bridge"
	"mcpbridge/internal/config"
	"mcpbridge/internal/filter"
	"mcpbridge/internal/store"
)

type fakeUpstream struct {
	serverIDs []string
}

func (f *fakeUpstream) ForwardCallTool(ctx context.Context, serverID, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeUpstream) ForwardReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, Text: "contents"},
	}}, nil
}

func (f *fakeUpstream) ForwardGetPrompt(ctx context.Context, serverID, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeUpstream) ConnectedServerIDs() []string { return f.serverIDs }

type allConnected struct{}

func (allConnected) Connected(string) bool { return true }

type testEnv struct {
	server   *Server
	engine   *agent.Engine
	store    *store.SQLiteStore
	identity bridge.Identity
	secret   string
	clientID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := &store.Server{Name: "files", Type: store.ServerTypeStdio, Command: "files-server"}
	require.NoError(t, s.CreateServer(ctx, srv))

	tools := []*store.Tool{
		{ServerID: srv.ID, Name: "read_file"},
		{ServerID: srv.ID, Name: "write_file"},
	}
	require.NoError(t, s.ReplaceServerCapabilities(ctx, srv.ID, tools, nil, nil))

	engine := agent.NewEngine(s)
	a, secret, err := engine.Register(ctx, agent.Metadata{Name: "a"}, agent.Grants{
		ToolIDs: []string{tools[0].ID},
	})
	require.NoError(t, err)

	up := &fakeUpstream{serverIDs: []string{srv.ID}}
	core := bridge.NewCore(filter.New(s, allConnected{}), up, s, 0)

	return &testEnv{
		server:   New(config.Default(), core, engine, s, nil),
		engine:   engine,
		store:    s,
		identity: bridge.Identity{AgentID: a.ID, ClientID: a.ClientID, Name: a.Name},
		secret:   secret,
		clientID: a.ClientID,
	}
}

func TestRequireAuthRejectsMissingCredentials(t *testing.T) {
	env := newTestEnv(t)

	handler := env.server.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without credentials")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/mcp", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestRequireAuthBindsIdentity(t *testing.T) {
	env := newTestEnv(t)

	var got bridge.Identity
	handler := env.server.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := bridge.IdentityFromContext(r.Context())
		require.True(t, ok)
		got = id
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set(bridge.HeaderClientID, env.clientID)
	req.Header.Set(bridge.HeaderClientSecret, env.secret)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, env.identity.AgentID, got.AgentID)
}

func TestFilterToolsScopesToIdentity(t *testing.T) {
	env := newTestEnv(t)

	wire := []mcp.Tool{{Name: "read_file"}, {Name: "write_file"}}

	ctx := bridge.ContextWithIdentity(context.Background(), env.identity)
	visible := env.server.filterTools(ctx, wire)
	require.Len(t, visible, 1)
	assert.Equal(t, "read_file", visible[0].Name)

	// No identity means no tools.
	assert.Empty(t, env.server.filterTools(context.Background(), wire))
}

func TestToolHandlerRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)

	handler := env.server.toolHandler("read_file")
	_, err := handler(context.Background(), mcp.CallToolRequest{})
	assert.ErrorIs(t, err, agent.ErrAuthenticationFailed)
}

func TestToolHandlerEnforcesPermissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := bridge.ContextWithIdentity(context.Background(), env.identity)

	granted := env.server.toolHandler("read_file")
	result, err := granted(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	require.NotNil(t, result)

	ungranted := env.server.toolHandler("write_file")
	_, err = ungranted(ctx, mcp.CallToolRequest{})
	var denied *bridge.PermissionDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestToolDescriptorFromStoredSchema(t *testing.T) {
	tool := toolDescriptor(&store.Tool{
		Name:        "read_file",
		Description: "reads a file",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []any{"path"},
		},
	})

	assert.Equal(t, "read_file", tool.Name)
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.Contains(t, tool.InputSchema.Properties, "path")
	assert.Equal(t, []string{"path"}, tool.InputSchema.Required)
}

func TestToolDescriptorNilSchema(t *testing.T) {
	tool := toolDescriptor(&store.Tool{Name: "bare"})
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.NotNil(t, tool.InputSchema.Properties)
}

func TestRefreshCatalogRemovesStaleTools(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.server.mcpServer = mcpserver.NewMCPServer(
		"test",
		"0.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
	)

	require.NoError(t, env.server.refreshCatalog(ctx))
	assert.Contains(t, env.server.regTools, "read_file")
	assert.Contains(t, env.server.regTools, "write_file")

	servers, err := env.store.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)

	kept := []*store.Tool{{ServerID: servers[0].ID, Name: "read_file"}}
	require.NoError(t, env.store.ReplaceServerCapabilities(ctx, servers[0].ID, kept, nil, nil))

	require.NoError(t, env.server.refreshCatalog(ctx))
	assert.Contains(t, env.server.regTools, "read_file")
	assert.NotContains(t, env.server.regTools, "write_file")
}
