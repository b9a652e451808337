package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"mcpbridge/pkg/logging"
)

// StdioClient talks to a capability server started as a local subprocess.
type StdioClient struct {
	baseClient
	command string
	args    []string
	env     map[string]string
}

// NewStdioClient creates a stdio-based client. env entries are passed to the
// subprocess in addition to the inherited environment.
func NewStdioClient(command string, args []string, env map[string]string) *StdioClient {
	if env == nil {
		env = make(map[string]string)
	}
	return &StdioClient{
		command: command,
		args:    args,
		env:     env,
	}
}

// Initialize starts the subprocess and performs the protocol handshake.
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StdioClient", "Starting %s %v", c.command, c.args)

	var envStrings []string
	for k, v := range c.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(c.command, envStrings, c.args...)
	if err != nil {
		return fmt.Errorf("failed to create stdio client: %w", err)
	}

	// Bound the handshake so a wedged subprocess fails fast.
	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, newInitializeRequest())
	if err != nil {
		logging.Error("StdioClient", err, "Failed to initialize protocol for %s", c.command)
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Error closing failed client for %s: %v", c.command, closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true

	logServerCapabilities("StdioClient", c.command, initResult)
	return nil
}

// Close shuts down the subprocess connection.
func (c *StdioClient) Close() error {
	return c.closeClient()
}

func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StdioClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func logServerCapabilities(subsystem, target string, result *mcp.InitializeResult) {
	if result == nil {
		return
	}
	if result.Capabilities.Tools != nil {
		logging.Debug(subsystem, "Server %s supports tools", target)
	}
	if result.Capabilities.Resources != nil {
		logging.Debug(subsystem, "Server %s supports resources", target)
	}
	if result.Capabilities.Prompts != nil {
		logging.Debug(subsystem, "Server %s supports prompts", target)
	}
}
