package bridge

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"mcpbridge/internal/agent"
	"mcpbridge/internal/store"
)

// Environment variables used for stdio transport credentials, where no HTTP
// headers exist to carry them.
const (
	EnvClientID     = "MCPBRIDGE_CLIENT_ID"
	EnvClientSecret = "MCPBRIDGE_CLIENT_SECRET"
)

// Header names for HTTP transports. Basic auth is accepted as an
// alternative, with the client ID as username and the secret as password.
const (
	HeaderClientID     = "X-Client-Id"
	HeaderClientSecret = "X-Client-Secret"
)

// Identity is the authenticated caller attached to a request context. It
// carries IDs only; permission decisions always re-read the agent record
// from the store.
type Identity struct {
	AgentID  string
	ClientID string
	Name     string
}

type identityKey struct{}

// ContextWithIdentity attaches an authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext extracts the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticator verifies client credentials. *agent.Engine implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, clientID, secret string) (*store.Agent, error)
}

// CredentialsFromRequest extracts the client credential pair from an HTTP
// request: either the explicit header pair or Basic auth. Absent or
// malformed credentials fail authentication outright.
func CredentialsFromRequest(r *http.Request) (clientID, secret string, err error) {
	clientID = r.Header.Get(HeaderClientID)
	secret = r.Header.Get(HeaderClientSecret)
	if clientID != "" && secret != "" {
		return clientID, secret, nil
	}

	if user, pass, ok := r.BasicAuth(); ok && user != "" {
		return user, pass, nil
	}

	return "", "", agent.ErrAuthenticationFailed
}

// CredentialsFromEnv reads credentials from the process environment. The
// stdio transport has no per-request headers, so the identity is bound once
// per connection from these variables.
func CredentialsFromEnv() (clientID, secret string, err error) {
	clientID = os.Getenv(EnvClientID)
	secret = os.Getenv(EnvClientSecret)
	if clientID == "" || secret == "" {
		return "", "", fmt.Errorf("%s and %s must be set for stdio transport: %w",
			EnvClientID, EnvClientSecret, agent.ErrAuthenticationFailed)
	}
	return clientID, secret, nil
}

// AuthenticateRequest authenticates an HTTP request and returns the context
// with the identity bound. The returned error is always
// agent.ErrAuthenticationFailed (possibly wrapped) on credential failure.
func AuthenticateRequest(ctx context.Context, auth Authenticator, r *http.Request) (context.Context, error) {
	clientID, secret, err := CredentialsFromRequest(r)
	if err != nil {
		return ctx, err
	}
	a, err := auth.Authenticate(ctx, clientID, secret)
	if err != nil {
		return ctx, err
	}
	return ContextWithIdentity(ctx, Identity{
		AgentID:  a.ID,
		ClientID: a.ClientID,
		Name:     a.Name,
	}), nil
}
