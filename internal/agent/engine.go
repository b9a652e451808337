package agent

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mcpbridge/internal/store"
	"mcpbridge/pkg/logging"
)

// ErrAuthenticationFailed is returned for any credential failure. Unknown
// client IDs and wrong secrets are deliberately indistinguishable.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ValidationError reports grant IDs that do not resolve to any stored
// capability.
type ValidationError struct {
	Kind       store.CapabilityKind
	UnknownIDs []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("unknown %s ids: %s", e.Kind, strings.Join(e.UnknownIDs, ", "))
}

// Metadata carries the human-readable fields of an agent identity.
type Metadata struct {
	Name        string
	Description string
}

// Grants carries the three capability ID lists of an agent identity.
type Grants struct {
	ToolIDs     []string
	ResourceIDs []string
	PromptIDs   []string
}

// Update describes a partial update. Nil fields are left untouched; a
// non-nil grant list replaces the stored list entirely.
type Update struct {
	Name        *string
	Description *string
	ToolIDs     []string
	ResourceIDs []string
	PromptIDs   []string
}

// EngineStore is the slice of the durable store the engine needs.
type EngineStore interface {
	store.AgentStore
	MissingCapabilityIDs(ctx context.Context, kind store.CapabilityKind, ids []string) ([]string, error)
}

// Engine owns agent identity lifecycle and credential verification.
type Engine struct {
	store EngineStore
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(s EngineStore) *Engine {
	return &Engine{store: s}
}

// Register creates a new agent identity and returns it together with the
// generated plaintext secret. The plaintext is shown exactly once; only its
// hash is persisted. Every grant ID must resolve to an existing capability.
func (e *Engine) Register(ctx context.Context, meta Metadata, grants Grants) (*store.Agent, string, error) {
	if err := e.validateGrants(ctx, grants); err != nil {
		return nil, "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generating secret: %w", err)
	}

	a := &store.Agent{
		ClientID:    uuid.New().String(),
		SecretHash:  HashSecret(secret),
		Name:        meta.Name,
		Description: meta.Description,
		ToolIDs:     grants.ToolIDs,
		ResourceIDs: grants.ResourceIDs,
		PromptIDs:   grants.PromptIDs,
	}

	if err := e.store.CreateAgent(ctx, a); err != nil {
		return nil, "", fmt.Errorf("persisting agent: %w", err)
	}

	logging.Info("AuthEngine", "Registered agent %s (client_id %s)", a.Name, a.ClientID)
	return a, secret, nil
}

// Authenticate verifies a client_id/secret pair. The secret comparison is
// constant time, and a dummy comparison runs when the client ID is unknown
// so response timing does not reveal which part of the credential failed.
func (e *Engine) Authenticate(ctx context.Context, clientID, secret string) (*store.Agent, error) {
	a, err := e.store.GetAgentByClientID(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		verifySecret(dummyHash, secret)
		return nil, ErrAuthenticationFailed
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}

	if !verifySecret(a.SecretHash, secret) {
		return nil, ErrAuthenticationFailed
	}
	return a, nil
}

// Get retrieves an agent by internal ID.
func (e *Engine) Get(ctx context.Context, id string) (*store.Agent, error) {
	return e.store.GetAgent(ctx, id)
}

// List returns all registered agents.
func (e *Engine) List(ctx context.Context) ([]*store.Agent, error) {
	return e.store.ListAgents(ctx)
}

// Delete removes an agent identity.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.DeleteAgent(ctx, id)
}

// Update applies a partial update. Supplied grant lists replace the stored
// ones and are validated against the capability catalog, using the same rule
// as Register.
func (e *Engine) Update(ctx context.Context, id string, u Update) (*store.Agent, error) {
	a, err := e.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := e.validateGrants(ctx, Grants{
		ToolIDs:     u.ToolIDs,
		ResourceIDs: u.ResourceIDs,
		PromptIDs:   u.PromptIDs,
	}); err != nil {
		return nil, err
	}

	if u.Name != nil {
		a.Name = *u.Name
	}
	if u.Description != nil {
		a.Description = *u.Description
	}
	if u.ToolIDs != nil {
		a.ToolIDs = u.ToolIDs
	}
	if u.ResourceIDs != nil {
		a.ResourceIDs = u.ResourceIDs
	}
	if u.PromptIDs != nil {
		a.PromptIDs = u.PromptIDs
	}

	if err := e.store.UpdateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("persisting agent update: %w", err)
	}
	return a, nil
}

func (e *Engine) validateGrants(ctx context.Context, grants Grants) error {
	checks := []struct {
		kind store.CapabilityKind
		ids  []string
	}{
		{store.KindTool, grants.ToolIDs},
		{store.KindResource, grants.ResourceIDs},
		{store.KindPrompt, grants.PromptIDs},
	}

	for _, c := range checks {
		if len(c.ids) == 0 {
			continue
		}
		missing, err := e.store.MissingCapabilityIDs(ctx, c.kind, c.ids)
		if err != nil {
			return fmt.Errorf("validating %s grants: %w", c.kind, err)
		}
		if len(missing) > 0 {
			return &ValidationError{Kind: c.kind, UnknownIDs: missing}
		}
	}
	return nil
}

// HashSecret derives the storable hash of a plaintext secret. The function
// is deterministic so authentication only needs the stored hash.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// dummyHash gives the unknown-client-ID path a comparison of the same shape
// as the real one.
var dummyHash = HashSecret("mcpbridge-dummy-secret")

func verifySecret(storedHash, secret string) bool {
	candidate := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHash)) == 1
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
