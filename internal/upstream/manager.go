package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"mcpbridge/internal/store"
	"mcpbridge/pkg/logging"
)

// ManagerStore is the slice of the durable store the manager needs: server
// records for connection bookkeeping and the capability tables for catalog
// sync.
type ManagerStore interface {
	ListServers(ctx context.Context) ([]*store.Server, error)
	GetServer(ctx context.Context, id string) (*store.Server, error)
	MarkServerConnected(ctx context.Context, id string) error
	MarkServerDisconnected(ctx context.Context, id string) error
	ReplaceServerCapabilities(ctx context.Context, serverID string, tools []*store.Tool, resources []*store.Resource, prompts []*store.Prompt) error
}

// Manager owns the live connections to all registered capability servers.
// It connects them, syncs their catalogs into the store, and forwards
// tool calls, resource reads and prompt gets to the right connection.
type Manager struct {
	store   ManagerStore
	factory ClientFactory

	mu       sync.RWMutex
	sessions map[string]*session

	// connectMu serializes topology changes so two concurrent reconnects
	// for the same server cannot interleave.
	connectMu sync.Mutex

	updates chan struct{}
}

type session struct {
	server *store.Server
	client Client
}

// NewManager creates a Manager over the given store. A nil factory selects
// the default transport-based factory.
func NewManager(s ManagerStore, factory ClientFactory) *Manager {
	if factory == nil {
		factory = NewClientForServer
	}
	return &Manager{
		store:    s,
		factory:  factory,
		sessions: make(map[string]*session),
		updates:  make(chan struct{}, 1),
	}
}

// Updates returns a channel that receives a notification whenever the set of
// live connections (and with it the available catalog) changes. The channel
// is buffered with capacity 1; pending notifications coalesce.
func (m *Manager) Updates() <-chan struct{} {
	return m.updates
}

func (m *Manager) notifyUpdate() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

// ConnectAll connects every registered server concurrently. One server
// failing to connect never prevents the others from connecting; failures are
// logged and the server simply stays unconnected.
func (m *Manager) ConnectAll(ctx context.Context) error {
	servers, err := m.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := m.Connect(gctx, srv); err != nil {
				logging.Error("Upstream", err, "Failed to connect server %s", srv.Name)
			}
			return nil
		})
	}
	return g.Wait()
}

// Connect establishes a connection to one server, syncs its capability
// catalog into the store, and marks the server connected.
func (m *Manager) Connect(ctx context.Context, srv *store.Server) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.RLock()
	_, exists := m.sessions[srv.ID]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	c, err := m.factory(srv)
	if err != nil {
		return fmt.Errorf("creating client for %s: %w", srv.Name, err)
	}

	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", srv.Name, err)
	}

	if err := m.syncCatalog(ctx, srv, c); err != nil {
		c.Close()
		return err
	}

	if err := m.store.MarkServerConnected(ctx, srv.ID); err != nil {
		logging.Error("Upstream", err, "Failed to record connection for %s", srv.Name)
	}

	m.mu.Lock()
	m.sessions[srv.ID] = &session{server: srv, client: c}
	m.mu.Unlock()

	logging.Info("Upstream", "Connected server %s (%s)", srv.Name, srv.Type)
	m.notifyUpdate()
	return nil
}

// syncCatalog fetches the server's tools, resources and prompts and replaces
// the stored catalog. A listing failure for one capability kind is tolerated
// and treated as an empty list, since many servers implement only a subset.
func (m *Manager) syncCatalog(ctx context.Context, srv *store.Server, c Client) error {
	tools, err := c.ListTools(ctx)
	if err != nil {
		logging.Debug("Upstream", "Server %s does not list tools: %v", srv.Name, err)
	}
	resources, err := c.ListResources(ctx)
	if err != nil {
		logging.Debug("Upstream", "Server %s does not list resources: %v", srv.Name, err)
	}
	prompts, err := c.ListPrompts(ctx)
	if err != nil {
		logging.Debug("Upstream", "Server %s does not list prompts: %v", srv.Name, err)
	}

	storeTools := make([]*store.Tool, 0, len(tools))
	for _, t := range tools {
		storeTools = append(storeTools, &store.Tool{
			ServerID:    srv.ID,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}

	storeResources := make([]*store.Resource, 0, len(resources))
	for _, r := range resources {
		storeResources = append(storeResources, &store.Resource{
			ServerID:    srv.ID,
			Name:        r.Name,
			URI:         r.URI,
			Description: r.Description,
			MimeType:    r.MIMEType,
		})
	}

	storePrompts := make([]*store.Prompt, 0, len(prompts))
	for _, p := range prompts {
		args := make([]store.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, store.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		storePrompts = append(storePrompts, &store.Prompt{
			ServerID:    srv.ID,
			Name:        p.Name,
			Description: p.Description,
			Arguments:   args,
		})
	}

	if err := m.store.ReplaceServerCapabilities(ctx, srv.ID, storeTools, storeResources, storePrompts); err != nil {
		return fmt.Errorf("syncing catalog for %s: %w", srv.Name, err)
	}

	logging.Info("Upstream", "Synced catalog for %s: %d tools, %d resources, %d prompts",
		srv.Name, len(storeTools), len(storeResources), len(storePrompts))
	return nil
}

// Disconnect closes the connection to one server. The store counters are
// updated even when closing the client fails.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	sess, ok := m.sessions[serverID]
	delete(m.sessions, serverID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	closeErr := sess.client.Close()
	if err := m.store.MarkServerDisconnected(ctx, serverID); err != nil {
		logging.Error("Upstream", err, "Failed to record disconnection for %s", sess.server.Name)
	}
	m.notifyUpdate()
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", sess.server.Name, closeErr)
	}

	logging.Info("Upstream", "Disconnected server %s", sess.server.Name)
	return nil
}

// DisconnectAll closes every live connection. Errors are logged, not
// returned, so one misbehaving server never masks shutdown of the rest.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Disconnect(ctx, id); err != nil {
			logging.Error("Upstream", err, "Failed to disconnect server %s", id)
		}
	}
}

// Reconnect tears down and re-establishes the connection to one server,
// re-reading its record from the store so config changes take effect.
func (m *Manager) Reconnect(ctx context.Context, serverID string) error {
	if err := m.Disconnect(ctx, serverID); err != nil {
		logging.Error("Upstream", err, "Error disconnecting %s before reconnect", serverID)
	}

	srv, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("loading server %s: %w", serverID, err)
	}
	return m.Connect(ctx, srv)
}

// Connected reports whether a live connection to the server exists.
func (m *Manager) Connected(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[serverID]
	return ok
}

// ConnectedServerIDs returns the IDs of all currently connected servers.
func (m *Manager) ConnectedServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ErrServerNotConnected is returned when a forward targets a server that has
// no live connection.
var ErrServerNotConnected = fmt.Errorf("server not connected")

func (m *Manager) clientFor(serverID string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotConnected, serverID)
	}
	return sess.client, nil
}

// ForwardCallTool dispatches a tool call to the named server.
func (m *Manager) ForwardCallTool(ctx context.Context, serverID, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c, err := m.clientFor(serverID)
	if err != nil {
		return nil, err
	}
	return c.CallTool(ctx, name, args)
}

// ForwardReadResource dispatches a resource read to the named server.
func (m *Manager) ForwardReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	c, err := m.clientFor(serverID)
	if err != nil {
		return nil, err
	}
	return c.ReadResource(ctx, uri)
}

// ForwardGetPrompt dispatches a prompt get to the named server.
func (m *Manager) ForwardGetPrompt(ctx context.Context, serverID, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	c, err := m.clientFor(serverID)
	if err != nil {
		return nil, err
	}
	return c.GetPrompt(ctx, name, args)
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
