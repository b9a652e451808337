package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCapabilities(t *testing.T, s *store.SQLiteStore) (toolID, resourceID, promptID string) {
	t.Helper()
	ctx := context.Background()

	srv := &store.Server{Name: "files", Type: store.ServerTypeStdio, Command: "files-server"}
	require.NoError(t, s.CreateServer(ctx, srv))

	tools := []*store.Tool{{ServerID: srv.ID, Name: "read_file"}}
	resources := []*store.Resource{{ServerID: srv.ID, Name: "readme", URI: "file:///README.md"}}
	prompts := []*store.Prompt{{ServerID: srv.ID, Name: "summarize"}}
	require.NoError(t, s.ReplaceServerCapabilities(ctx, srv.ID, tools, resources, prompts))

	return tools[0].ID, resources[0].ID, prompts[0].ID
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	toolID, resourceID, promptID := seedCapabilities(t, s)
	engine := NewEngine(s)

	created, secret, err := engine.Register(ctx, Metadata{Name: "research-agent", Description: "summarizes docs"}, Grants{
		ToolIDs:     []string{toolID},
		ResourceIDs: []string{resourceID},
		PromptIDs:   []string{promptID},
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	assert.NotEmpty(t, created.ClientID)
	assert.NotEqual(t, secret, created.SecretHash, "plaintext secret must never be stored")
	assert.Equal(t, HashSecret(secret), created.SecretHash)

	authed, err := engine.Authenticate(ctx, created.ClientID, secret)
	require.NoError(t, err)
	assert.Equal(t, created.ID, authed.ID)
	assert.Equal(t, []string{toolID}, authed.ToolIDs)
}

func TestAuthenticateFailures(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := NewEngine(s)

	created, secret, err := engine.Register(ctx, Metadata{Name: "a"}, Grants{})
	require.NoError(t, err)

	tests := []struct {
		name     string
		clientID string
		secret   string
	}{
		{"wrong secret", created.ClientID, "not-the-secret"},
		{"unknown client id", "no-such-client", secret},
		{"empty secret", created.ClientID, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Authenticate(ctx, tt.clientID, tt.secret)
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
		})
	}
}

func TestRegisterRejectsUnknownGrants(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	toolID, _, _ := seedCapabilities(t, s)
	engine := NewEngine(s)

	_, _, err := engine.Register(ctx, Metadata{Name: "a"}, Grants{
		ToolIDs: []string{toolID, "does-not-exist"},
	})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, store.KindTool, verr.Kind)
	assert.Equal(t, []string{"does-not-exist"}, verr.UnknownIDs)
}

func TestRegisterSecretsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := NewEngine(s)

	_, first, err := engine.Register(ctx, Metadata{Name: "a"}, Grants{})
	require.NoError(t, err)
	_, second, err := engine.Register(ctx, Metadata{Name: "b"}, Grants{})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestUpdateReplacesGrants(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	toolID, resourceID, _ := seedCapabilities(t, s)
	engine := NewEngine(s)

	created, _, err := engine.Register(ctx, Metadata{Name: "a"}, Grants{ToolIDs: []string{toolID}})
	require.NoError(t, err)

	name := "renamed"
	updated, err := engine.Update(ctx, created.ID, Update{
		Name:        &name,
		ToolIDs:     []string{},
		ResourceIDs: []string{resourceID},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Empty(t, updated.ToolIDs)
	assert.Equal(t, []string{resourceID}, updated.ResourceIDs)

	// Credentials survive the update untouched.
	assert.Equal(t, created.ClientID, updated.ClientID)
	assert.Equal(t, created.SecretHash, updated.SecretHash)
}

func TestUpdateRejectsUnknownGrants(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := NewEngine(s)

	created, _, err := engine.Register(ctx, Metadata{Name: "a"}, Grants{})
	require.NoError(t, err)

	_, err = engine.Update(ctx, created.ID, Update{ResourceIDs: []string{"ghost"}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, store.KindResource, verr.Kind)

	// Stored agent is unchanged after the rejected update.
	got, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ResourceIDs)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine := NewEngine(s)

	a, _, err := engine.Register(ctx, Metadata{Name: "a"}, Grants{})
	require.NoError(t, err)
	b, _, err := engine.Register(ctx, Metadata{Name: "b"}, Grants{})
	require.NoError(t, err)

	all, err := engine.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, engine.Delete(ctx, a.ID))

	all, err = engine.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, b.ID, all[0].ID)

	_, err = engine.Get(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
