package bridge

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/agent"
	"mcpbridge/internal/store"
)

func newEngine(t *testing.T) (*agent.Engine, *store.Agent, string) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	engine := agent.NewEngine(s)
	a, secret, err := engine.Register(context.Background(), agent.Metadata{Name: "a"}, agent.Grants{})
	require.NoError(t, err)
	return engine, a, secret
}

func TestAuthenticateRequestWithHeaders(t *testing.T) {
	engine, a, secret := newEngine(t)

	r := httptest.NewRequest("POST", "/mcp", nil)
	r.Header.Set(HeaderClientID, a.ClientID)
	r.Header.Set(HeaderClientSecret, secret)

	ctx, err := AuthenticateRequest(context.Background(), engine, r)
	require.NoError(t, err)

	id, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, a.ID, id.AgentID)
	assert.Equal(t, a.ClientID, id.ClientID)
}

func TestAuthenticateRequestWithBasicAuth(t *testing.T) {
	engine, a, secret := newEngine(t)

	r := httptest.NewRequest("POST", "/mcp", nil)
	r.SetBasicAuth(a.ClientID, secret)

	ctx, err := AuthenticateRequest(context.Background(), engine, r)
	require.NoError(t, err)

	id, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, a.ID, id.AgentID)
}

func TestAuthenticateRequestFailures(t *testing.T) {
	engine, a, _ := newEngine(t)

	tests := []struct {
		name  string
		hdrs  map[string]string
		basic [2]string
	}{
		{name: "no credentials"},
		{name: "missing secret header", hdrs: map[string]string{HeaderClientID: a.ClientID}},
		{name: "wrong secret", hdrs: map[string]string{HeaderClientID: a.ClientID, HeaderClientSecret: "bad"}},
		{name: "wrong basic credentials", basic: [2]string{a.ClientID, "bad"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/mcp", nil)
			for k, v := range tt.hdrs {
				r.Header.Set(k, v)
			}
			if tt.basic[0] != "" {
				r.SetBasicAuth(tt.basic[0], tt.basic[1])
			}

			_, err := AuthenticateRequest(context.Background(), engine, r)
			assert.ErrorIs(t, err, agent.ErrAuthenticationFailed)
		})
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv(EnvClientID, "client-1")
	t.Setenv(EnvClientSecret, "secret-1")

	clientID, secret, err := CredentialsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)
	assert.Equal(t, "secret-1", secret)
}

func TestCredentialsFromEnvMissing(t *testing.T) {
	t.Setenv(EnvClientID, "client-1")
	t.Setenv(EnvClientSecret, "")

	_, _, err := CredentialsFromEnv()
	assert.ErrorIs(t, err, agent.ErrAuthenticationFailed)
}

func TestIdentityFromContextAbsent(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)
}
