// Package filter computes the per-agent view of the capability catalog.
//
// Visibility is decided fresh on every call: the agent's grant lists are
// re-read from the store and resolved against the current catalog, so a
// grant change takes effect on the next request without any cache to
// invalidate. A granted ID that no longer resolves (its server was removed
// or its capability disappeared from a resync) is silently dropped rather
// than surfaced as an error.
package filter

import (
	"context"
	"fmt"

	"mcpbridge/internal/store"
)

// Store is the read-only slice of the durable store the filter needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetToolsByIDs(ctx context.Context, ids []string) ([]*store.Tool, error)
	GetResourcesByIDs(ctx context.Context, ids []string) ([]*store.Resource, error)
	GetPromptsByIDs(ctx context.Context, ids []string) ([]*store.Prompt, error)
}

// ConnectionChecker reports whether a capability server currently has a live
// connection. Capabilities of unconnected servers are filtered out.
type ConnectionChecker interface {
	Connected(serverID string) bool
}

// Filter resolves agent grants to the capabilities visible right now.
type Filter struct {
	store Store
	conns ConnectionChecker
}

// New creates a Filter. conns may be nil, in which case all catalog entries
// count as live (useful for registry inspection outside a running gateway).
func New(s Store, conns ConnectionChecker) *Filter {
	return &Filter{store: s, conns: conns}
}

// VisibleTools returns the tools the agent may currently see and call.
func (f *Filter) VisibleTools(ctx context.Context, agentID string) ([]*store.Tool, error) {
	a, err := f.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	tools, err := f.store.GetToolsByIDs(ctx, a.ToolIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving tool grants: %w", err)
	}
	visible := make([]*store.Tool, 0, len(tools))
	for _, t := range tools {
		if f.live(t.ServerID) {
			visible = append(visible, t)
		}
	}
	return visible, nil
}

// VisibleResources returns the resources the agent may currently see and read.
func (f *Filter) VisibleResources(ctx context.Context, agentID string) ([]*store.Resource, error) {
	a, err := f.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	resources, err := f.store.GetResourcesByIDs(ctx, a.ResourceIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving resource grants: %w", err)
	}
	visible := make([]*store.Resource, 0, len(resources))
	for _, r := range resources {
		if f.live(r.ServerID) {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

// VisiblePrompts returns the prompts the agent may currently see and get.
func (f *Filter) VisiblePrompts(ctx context.Context, agentID string) ([]*store.Prompt, error) {
	a, err := f.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	prompts, err := f.store.GetPromptsByIDs(ctx, a.PromptIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving prompt grants: %w", err)
	}
	visible := make([]*store.Prompt, 0, len(prompts))
	for _, p := range prompts {
		if f.live(p.ServerID) {
			visible = append(visible, p)
		}
	}
	return visible, nil
}

// VisibleToolByName resolves a tool name to the agent's visible tool, or nil
// when the agent cannot currently see a tool of that name.
func (f *Filter) VisibleToolByName(ctx context.Context, agentID, name string) (*store.Tool, error) {
	tools, err := f.VisibleTools(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, nil
}

// VisibleResourceByURI resolves a resource URI to the agent's visible
// resource, or nil when not visible.
func (f *Filter) VisibleResourceByURI(ctx context.Context, agentID, uri string) (*store.Resource, error) {
	resources, err := f.VisibleResources(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		if r.URI == uri {
			return r, nil
		}
	}
	return nil, nil
}

// VisiblePromptByName resolves a prompt name to the agent's visible prompt,
// or nil when not visible.
func (f *Filter) VisiblePromptByName(ctx context.Context, agentID, name string) (*store.Prompt, error) {
	prompts, err := f.VisiblePrompts(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, p := range prompts {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, nil
}

func (f *Filter) live(serverID string) bool {
	if f.conns == nil {
		return true
	}
	return f.conns.Connected(serverID)
}
