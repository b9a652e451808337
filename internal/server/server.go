// Package server exposes the gateway as an MCP server over the configured
// transport (sse, streamable-http or stdio).
//
// Every wire handler resolves the caller identity from the request context
// and delegates to the bridge core, which enforces permissions on each
// access. Tool listings are additionally scoped per caller through the
// server's tool filter; resource and prompt wire listings rely on the
// access-time checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mcpbridge/internal/agent"
	"mcpbridge/internal/bridge"
	"mcpbridge/internal/config"
	"mcpbridge/internal/store"
	"mcpbridge/pkg/logging"
)

// CatalogStore lists the stored capability catalog; the full catalog is
// registered on the wire server while visibility is enforced per caller.
type CatalogStore interface {
	ListTools(ctx context.Context) ([]*store.Tool, error)
	ListResources(ctx context.Context) ([]*store.Resource, error)
	ListPrompts(ctx context.Context) ([]*store.Prompt, error)
}

// Server is the gateway's own MCP endpoint.
type Server struct {
	cfg     config.Config
	core    *bridge.Core
	auth    bridge.Authenticator
	catalog CatalogStore
	updates <-chan struct{}

	mu                   sync.Mutex
	mcpServer            *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	stdioServer          *server.StdioServer
	httpServer           *http.Server
	cancel               context.CancelFunc

	regTools     map[string]struct{}
	regResources map[string]struct{}
	regPrompts   map[string]struct{}
}

// New creates a Server. Start must be called before it serves anything.
// updates, when non-nil, signals that the stored catalog changed and the
// registered capabilities should be refreshed; a nil channel disables the
// refresh loop.
func New(cfg config.Config, core *bridge.Core, auth bridge.Authenticator, catalog CatalogStore, updates <-chan struct{}) *Server {
	return &Server{
		cfg:          cfg,
		core:         core,
		auth:         auth,
		catalog:      catalog,
		updates:      updates,
		regTools:     make(map[string]struct{}),
		regResources: make(map[string]struct{}),
		regPrompts:   make(map[string]struct{}),
	}
}

// Start registers the catalog and begins serving on the configured
// transport. It returns once the transport is launched.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mcpServer != nil {
		return fmt.Errorf("server already started")
	}

	var runCtx context.Context
	runCtx, s.cancel = context.WithCancel(ctx)

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, session server.ClientSession) {
		if id, ok := bridge.IdentityFromContext(ctx); ok {
			s.core.TrackSessionStart(ctx, id)
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		if id, ok := bridge.IdentityFromContext(ctx); ok {
			s.core.TrackSessionEnd(ctx, id)
		}
	})

	s.mcpServer = server.NewMCPServer(
		"mcpbridge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithToolFilter(s.filterTools),
		server.WithHooks(hooks),
	)

	if err := s.refreshCatalog(runCtx); err != nil {
		s.mcpServer = nil
		return err
	}
	if s.updates != nil {
		go s.monitorCatalogUpdates(runCtx)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	switch s.cfg.Transport {
	case config.TransportSSE:
		logging.Info("Server", "Starting gateway with SSE transport on %s", addr)
		baseURL := fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port)
		s.sseServer = server.NewSSEServer(
			s.mcpServer,
			server.WithBaseURL(baseURL),
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/message"),
			server.WithKeepAlive(true),
			server.WithKeepAliveInterval(30*time.Second),
		)
		s.httpServer = &http.Server{Addr: addr, Handler: s.requireAuth(s.sseServer)}
		go s.serveHTTP()

	case config.TransportStdio:
		logging.Info("Server", "Starting gateway with stdio transport")
		// Stdio has no per-request headers; the identity is bound once from
		// the environment and covers the whole connection.
		clientID, secret, err := bridge.CredentialsFromEnv()
		if err != nil {
			s.mcpServer = nil
			return err
		}
		a, err := s.auth.Authenticate(runCtx, clientID, secret)
		if err != nil {
			s.mcpServer = nil
			return err
		}
		stdioCtx := bridge.ContextWithIdentity(runCtx, bridge.Identity{
			AgentID:  a.ID,
			ClientID: a.ClientID,
			Name:     a.Name,
		})
		s.stdioServer = server.NewStdioServer(s.mcpServer)
		stdioServer := s.stdioServer
		go func() {
			if err := stdioServer.Listen(stdioCtx, os.Stdin, os.Stdout); err != nil {
				logging.Error("Server", err, "Stdio server error")
			}
		}()

	case config.TransportStreamableHTTP:
		fallthrough
	default:
		logging.Info("Server", "Starting gateway with streamable-http transport on %s", addr)
		s.streamableHTTPServer = server.NewStreamableHTTPServer(s.mcpServer)
		s.httpServer = &http.Server{Addr: addr, Handler: s.requireAuth(s.streamableHTTPServer)}
		go s.serveHTTP()
	}

	return nil
}

func (s *Server) serveHTTP() {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("Server", err, "HTTP server error")
	}
}

// Stop shuts the transports down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mcpServer == nil {
		return fmt.Errorf("server not started")
	}

	logging.Info("Server", "Stopping gateway")

	if s.cancel != nil {
		s.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Server", err, "Error shutting down HTTP server")
		}
	}
	// The stdio server stops on context cancellation.

	s.mcpServer = nil
	s.sseServer = nil
	s.streamableHTTPServer = nil
	s.stdioServer = nil
	s.httpServer = nil
	s.regTools = make(map[string]struct{})
	s.regResources = make(map[string]struct{})
	s.regPrompts = make(map[string]struct{})
	return nil
}

// requireAuth authenticates every HTTP request and binds the identity into
// the request context. Credential failures stop at this layer with a 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := bridge.AuthenticateRequest(r.Context(), s.auth, r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="mcpbridge"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// filterTools scopes the wire tool listing to the caller's visible tools.
func (s *Server) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	id, ok := bridge.IdentityFromContext(ctx)
	if !ok {
		return []mcp.Tool{}
	}

	visible := s.core.ListTools(ctx, id)
	names := make(map[string]struct{}, len(visible))
	for _, t := range visible {
		names[t.Name] = struct{}{}
	}

	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if _, ok := names[t.Name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// monitorCatalogUpdates refreshes the registered capabilities whenever the
// upstream manager signals a topology change.
func (s *Server) monitorCatalogUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.updates:
			if !ok {
				return
			}
			s.mu.Lock()
			if s.mcpServer != nil {
				if err := s.refreshCatalog(ctx); err != nil {
					logging.Error("Server", err, "Failed to refresh capability catalog")
				}
			}
			s.mu.Unlock()
		}
	}
}

// refreshCatalog registers a wire handler for every stored capability and
// removes handlers whose capability disappeared from the catalog. Handlers
// authorize on every invocation, so registering the full catalog leaks
// nothing. The caller must hold s.mu.
func (s *Server) refreshCatalog(ctx context.Context) error {
	tools, err := s.catalog.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}
	resources, err := s.catalog.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("listing resources: %w", err)
	}
	prompts, err := s.catalog.ListPrompts(ctx)
	if err != nil {
		return fmt.Errorf("listing prompts: %w", err)
	}

	serverTools := make([]server.ServerTool, 0, len(tools))
	toolNames := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		toolNames[t.Name] = struct{}{}
		serverTools = append(serverTools, server.ServerTool{
			Tool:    toolDescriptor(t),
			Handler: s.toolHandler(t.Name),
		})
	}
	if stale := staleNames(s.regTools, toolNames); len(stale) > 0 {
		s.mcpServer.DeleteTools(stale...)
	}
	if len(serverTools) > 0 {
		s.mcpServer.AddTools(serverTools...)
	}
	s.regTools = toolNames

	serverResources := make([]server.ServerResource, 0, len(resources))
	resourceURIs := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		resourceURIs[r.URI] = struct{}{}
		serverResources = append(serverResources, server.ServerResource{
			Resource: mcp.Resource{
				URI:         r.URI,
				Name:        r.Name,
				Description: r.Description,
				MIMEType:    r.MimeType,
			},
			Handler: s.resourceHandler(r.URI),
		})
	}
	// No batch removal for resources in the MCP library, so one by one.
	for _, uri := range staleNames(s.regResources, resourceURIs) {
		s.mcpServer.RemoveResource(uri)
	}
	if len(serverResources) > 0 {
		s.mcpServer.AddResources(serverResources...)
	}
	s.regResources = resourceURIs

	serverPrompts := make([]server.ServerPrompt, 0, len(prompts))
	promptNames := make(map[string]struct{}, len(prompts))
	for _, p := range prompts {
		promptNames[p.Name] = struct{}{}
		args := make([]mcp.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, mcp.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		serverPrompts = append(serverPrompts, server.ServerPrompt{
			Prompt: mcp.Prompt{
				Name:        p.Name,
				Description: p.Description,
				Arguments:   args,
			},
			Handler: s.promptHandler(p.Name),
		})
	}
	if stale := staleNames(s.regPrompts, promptNames); len(stale) > 0 {
		s.mcpServer.DeletePrompts(stale...)
	}
	if len(serverPrompts) > 0 {
		s.mcpServer.AddPrompts(serverPrompts...)
	}
	s.regPrompts = promptNames

	logging.Info("Server", "Registered %d tools, %d resources, %d prompts",
		len(serverTools), len(serverResources), len(serverPrompts))
	return nil
}

// staleNames returns the keys of registered that are absent from current.
func staleNames(registered, current map[string]struct{}) []string {
	var stale []string
	for name := range registered {
		if _, ok := current[name]; !ok {
			stale = append(stale, name)
		}
	}
	return stale
}

func (s *Server) toolHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := bridge.IdentityFromContext(ctx)
		if !ok {
			return nil, agent.ErrAuthenticationFailed
		}

		args := map[string]any{}
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]any); ok {
				args = argsMap
			}
		}

		return s.core.CallTool(ctx, id, name, args)
	}
}

func (s *Server) resourceHandler(uri string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		id, ok := bridge.IdentityFromContext(ctx)
		if !ok {
			return nil, agent.ErrAuthenticationFailed
		}

		result, err := s.core.ReadResource(ctx, id, uri)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}
}

func (s *Server) promptHandler(name string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		id, ok := bridge.IdentityFromContext(ctx)
		if !ok {
			return nil, agent.ErrAuthenticationFailed
		}

		args := map[string]any{}
		for k, v := range req.Params.Arguments {
			args[k] = v
		}

		return s.core.GetPrompt(ctx, id, name, args)
	}
}

func toolDescriptor(t *store.Tool) mcp.Tool {
	tool := mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
	if t.InputSchema == nil {
		return tool
	}
	if typ, ok := t.InputSchema["type"].(string); ok && typ != "" {
		tool.InputSchema.Type = typ
	}
	if props, ok := t.InputSchema["properties"].(map[string]any); ok {
		tool.InputSchema.Properties = props
	}
	if raw, ok := t.InputSchema["required"].([]any); ok {
		required := make([]string, 0, len(raw))
		for _, r := range raw {
			if str, ok := r.(string); ok {
				required = append(required, str)
			}
		}
		tool.InputSchema.Required = required
	}
	return tool
}
