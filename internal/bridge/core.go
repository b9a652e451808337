package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"mcpbridge/internal/filter"
	"mcpbridge/internal/store"
	"mcpbridge/pkg/logging"
)

// DefaultForwardTimeout bounds every upstream dispatch unless configured
// otherwise.
const DefaultForwardTimeout = 30 * time.Second

// previewLimit caps the result preview stored in audit events.
const previewLimit = 500

// Audit event types emitted by the core pipeline.
const (
	EventCallAttempt    = "call_attempt"
	EventAccessDenied   = "access_denied"
	EventAccessRevoked  = "access_revoked"
	EventToolResult     = "tool_result"
	EventToolError      = "tool_error"
	EventResourceError  = "resource_error"
	EventPromptError    = "prompt_error"
	EventResourceResult = "resource_result"
	EventPromptResult   = "prompt_result"
	EventListError      = "list_error"
)

// Upstream is the slice of the connection manager the core dispatches
// through.
type Upstream interface {
	ForwardCallTool(ctx context.Context, serverID, name string, args map[string]any) (*mcp.CallToolResult, error)
	ForwardReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error)
	ForwardGetPrompt(ctx context.Context, serverID, name string, args map[string]any) (*mcp.GetPromptResult, error)
	ConnectedServerIDs() []string
}

// CoreStore is the audit and usage slice of the durable store.
type CoreStore interface {
	AppendAuditEvent(ctx context.Context, e *store.AuditEvent) error
	RecordToolCall(ctx context.Context, agentID, toolID, serverID string) error
	RecordResourceRead(ctx context.Context, agentID, resourceID, serverID string) error
	RecordPromptGet(ctx context.Context, agentID, promptID, serverID string) error
	MarkAgentConnected(ctx context.Context, agentID, serverID string) error
	MarkAgentDisconnected(ctx context.Context, agentID string) error
}

// Core implements the gateway request pipeline. Every operation takes the
// caller identity explicitly; nothing about the current caller is stored on
// the Core itself, so one Core serves all sessions concurrently.
type Core struct {
	filter   *filter.Filter
	upstream Upstream
	store    CoreStore
	timeout  time.Duration
}

// NewCore creates a Core. A zero timeout selects DefaultForwardTimeout.
func NewCore(f *filter.Filter, up Upstream, cs CoreStore, timeout time.Duration) *Core {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &Core{
		filter:   f,
		upstream: up,
		store:    cs,
		timeout:  timeout,
	}
}

// ListTools returns the tools visible to the identity. Internal failures
// degrade to an empty list; the failure stays visible in the audit log.
func (c *Core) ListTools(ctx context.Context, id Identity) []mcp.Tool {
	tools, err := c.filter.VisibleTools(ctx, id.AgentID)
	if err != nil {
		c.auditListError(ctx, id, "tools", err)
		return []mcp.Tool{}
	}

	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaFromMap(t.InputSchema),
		})
	}
	return out
}

// ListResources returns the resources visible to the identity.
func (c *Core) ListResources(ctx context.Context, id Identity) []mcp.Resource {
	resources, err := c.filter.VisibleResources(ctx, id.AgentID)
	if err != nil {
		c.auditListError(ctx, id, "resources", err)
		return []mcp.Resource{}
	}

	out := make([]mcp.Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, mcp.Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MimeType,
		})
	}
	return out
}

// ListPrompts returns the prompts visible to the identity.
func (c *Core) ListPrompts(ctx context.Context, id Identity) []mcp.Prompt {
	prompts, err := c.filter.VisiblePrompts(ctx, id.AgentID)
	if err != nil {
		c.auditListError(ctx, id, "prompts", err)
		return []mcp.Prompt{}
	}

	out := make([]mcp.Prompt, 0, len(prompts))
	for _, p := range prompts {
		args := make([]mcp.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, mcp.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		out = append(out, mcp.Prompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   args,
		})
	}
	return out
}

// CallTool authorizes and forwards one tool call. The permission check runs
// twice: once up front and once immediately before dispatch, so a grant
// revoked mid-request is still caught.
func (c *Core) CallTool(ctx context.Context, id Identity, name string, args map[string]any) (*mcp.CallToolResult, error) {
	correlationID := uuid.New().String()

	c.audit(ctx, id, &store.AuditEvent{
		EventType:     EventCallAttempt,
		CorrelationID: correlationID,
		Payload:       map[string]any{"tool": name, "arguments": args},
	})

	tool, err := c.filter.VisibleToolByName(ctx, id.AgentID, name)
	if err != nil {
		return nil, fmt.Errorf("checking tool permission: %w", err)
	}
	if tool == nil {
		c.audit(ctx, id, &store.AuditEvent{
			EventType:     EventAccessDenied,
			CorrelationID: correlationID,
			Severity:      "warning",
			Payload:       map[string]any{"tool": name},
		})
		return nil, &PermissionDeniedError{Kind: "tool", Name: name}
	}

	// Re-check right before dispatch. A revocation that landed between the
	// two checks is reported distinctly from a plain denial.
	tool2, err := c.filter.VisibleToolByName(ctx, id.AgentID, name)
	if err != nil {
		return nil, fmt.Errorf("re-checking tool permission: %w", err)
	}
	if tool2 == nil {
		c.audit(ctx, id, &store.AuditEvent{
			EventType:     EventAccessRevoked,
			CorrelationID: correlationID,
			Severity:      "warning",
			Payload:       map[string]any{"tool": name},
		})
		return nil, &PermissionRevokedError{Kind: "tool", Name: name}
	}

	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.upstream.ForwardCallTool(fctx, tool2.ServerID, name, args)
	if err != nil {
		return nil, c.upstreamFailure(ctx, id, correlationID, EventToolError, "tool", name, err)
	}

	// Usage tracking is best-effort: a bookkeeping failure never fails the
	// call that already succeeded upstream.
	if err := c.store.RecordToolCall(ctx, id.AgentID, tool2.ID, tool2.ServerID); err != nil {
		logging.Error("Bridge", err, "Failed to record tool usage for %s", name)
	}

	c.audit(ctx, id, &store.AuditEvent{
		EventType:     EventToolResult,
		CorrelationID: correlationID,
		Payload: map[string]any{
			"tool":     name,
			"is_error": result.IsError,
			"preview":  resultPreview(result.Content),
		},
	})

	return result, nil
}

// ReadResource authorizes and forwards one resource read.
func (c *Core) ReadResource(ctx context.Context, id Identity, uri string) (*mcp.ReadResourceResult, error) {
	correlationID := uuid.New().String()

	c.audit(ctx, id, &store.AuditEvent{
		EventType:     EventCallAttempt,
		CorrelationID: correlationID,
		Payload:       map[string]any{"resource": uri},
	})

	res, err := c.filter.VisibleResourceByURI(ctx, id.AgentID, uri)
	if err != nil {
		return nil, fmt.Errorf("checking resource permission: %w", err)
	}
	if res == nil {
		c.audit(ctx, id, &store.AuditEvent{
			EventType:     EventAccessDenied,
			CorrelationID: correlationID,
			Severity:      "warning",
			Payload:       map[string]any{"resource": uri},
		})
		return nil, &PermissionDeniedError{Kind: "resource", Name: uri}
	}

	res2, err := c.filter.VisibleResourceByURI(ctx, id.AgentID, uri)
	if err != nil {
		return nil, fmt.Errorf("re-checking resource permission: %w", err)
	}
	if res2 == nil {
		c.audit(ctx, id, &store.AuditEvent{
			EventType:     EventAccessRevoked,
			CorrelationID: correlationID,
			Severity:      "warning",
			Payload:       map[string]any{"resource": uri},
		})
		return nil, &PermissionRevokedError{Kind: "resource", Name: uri}
	}

	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.upstream.ForwardReadResource(fctx, res2.ServerID, uri)
	if err != nil {
		return nil, c.upstreamFailure(ctx, id, correlationID, EventResourceError, "resource", uri, err)
	}

	if err := c.store.RecordResourceRead(ctx, id.AgentID, res2.ID, res2.ServerID); err != nil {
		logging.Error("Bridge", err, "Failed to record resource usage for %s", uri)
	}

	c.audit(ctx, id, &store.AuditEvent{
		EventType:     EventResourceResult,
		CorrelationID: correlationID,
		Payload: map[string]any{
			"resource": uri,
			"contents": len(result.Contents),
		},
	})

	return result, nil
}

// GetPrompt authorizes and forwards one prompt get.
func (c *Core) GetPrompt(ctx context.Context, id Identity, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	correlationID := uuid.New().String()

	c.audit(ctx, id, &store.AuditEvent{
		EventType:     EventCallAttempt,
		CorrelationID: correlationID,
		Payload:       map[string]any{"prompt": name, "arguments": args},
	})

	p, err := c.filter.VisiblePromptByName(ctx, id.AgentID, name)
	if err != nil {
		return nil, fmt.Errorf("checking prompt permission: %w", err)
	}
	if p == nil {
		c.audit(ctx, id, &store.AuditEvent{
			EventType:     EventAccessDenied,
			CorrelationID: correlationID,
			Severity:      "warning",
			Payload:       map[string]any{"prompt": name},
		})
		return nil, &PermissionDeniedError{Kind: "prompt", Name: name}
	}

	p2, err := c.filter.VisiblePromptByName(ctx, id.AgentID, name)
	if err != nil {
		return nil, fmt.Errorf("re-checking prompt permission: %w", err)
	}
	if p2 == nil {
		c.audit(ctx, id, &store.AuditEvent{
			EventType:     EventAccessRevoked,
			CorrelationID: correlationID,
			Severity:      "warning",
			Payload:       map[string]any{"prompt": name},
		})
		return nil, &PermissionRevokedError{Kind: "prompt", Name: name}
	}

	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.upstream.ForwardGetPrompt(fctx, p2.ServerID, name, args)
	if err != nil {
		return nil, c.upstreamFailure(ctx, id, correlationID, EventPromptError, "prompt", name, err)
	}

	if err := c.store.RecordPromptGet(ctx, id.AgentID, p2.ID, p2.ServerID); err != nil {
		logging.Error("Bridge", err, "Failed to record prompt usage for %s", name)
	}

	c.audit(ctx, id, &store.AuditEvent{
		EventType:     EventPromptResult,
		CorrelationID: correlationID,
		Payload: map[string]any{
			"prompt":   name,
			"messages": len(result.Messages),
		},
	})

	return result, nil
}

// TrackSessionStart marks the agent connected against every currently live
// server. Best-effort bookkeeping only.
func (c *Core) TrackSessionStart(ctx context.Context, id Identity) {
	for _, serverID := range c.upstream.ConnectedServerIDs() {
		if err := c.store.MarkAgentConnected(ctx, id.AgentID, serverID); err != nil {
			logging.Error("Bridge", err, "Failed to mark agent %s connected", id.Name)
		}
	}
}

// TrackSessionEnd marks the agent disconnected.
func (c *Core) TrackSessionEnd(ctx context.Context, id Identity) {
	if err := c.store.MarkAgentDisconnected(ctx, id.AgentID); err != nil {
		logging.Error("Bridge", err, "Failed to mark agent %s disconnected", id.Name)
	}
}

// upstreamFailure audits one failed dispatch and maps the error into the
// gateway taxonomy.
func (c *Core) upstreamFailure(ctx context.Context, id Identity, correlationID, eventType, kind, name string, err error) error {
	c.audit(ctx, id, &store.AuditEvent{
		EventType:     eventType,
		CorrelationID: correlationID,
		Severity:      "error",
		Payload:       map[string]any{kind: name, "error": err.Error()},
	})

	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamTimeoutError{Kind: kind, Name: name, Timeout: c.timeout}
	}
	return &UpstreamExecutionError{Kind: kind, Name: name, Err: err}
}

func (c *Core) auditListError(ctx context.Context, id Identity, kind string, err error) {
	logging.Error("Bridge", err, "Failed to list %s for agent %s", kind, id.Name)
	c.audit(ctx, id, &store.AuditEvent{
		EventType: EventListError,
		Severity:  "error",
		Payload:   map[string]any{"kind": kind, "error": err.Error()},
	})
}

func (c *Core) audit(ctx context.Context, id Identity, e *store.AuditEvent) {
	e.AgentID = id.AgentID
	e.Source = "bridge"
	if err := c.store.AppendAuditEvent(ctx, e); err != nil {
		logging.Error("Bridge", err, "Failed to append audit event %s", e.EventType)
	}
}

// resultPreview renders a short auditable preview of a tool result. Text is
// truncated; non-text content is replaced with a marker rather than dumped.
func resultPreview(content []mcp.Content) string {
	preview := ""
	for _, item := range content {
		switch v := item.(type) {
		case mcp.TextContent:
			preview += v.Text
		case mcp.ImageContent:
			preview += "[image content]"
		case mcp.EmbeddedResource:
			preview += "[embedded resource]"
		default:
			preview += "[binary content]"
		}
		if len(preview) > previewLimit {
			break
		}
	}
	if len(preview) > previewLimit {
		return preview[:previewLimit] + "..."
	}
	return preview
}

func schemaFromMap(m map[string]any) mcp.ToolInputSchema {
	schema := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{},
	}
	if m == nil {
		return schema
	}
	if t, ok := m["type"].(string); ok && t != "" {
		schema.Type = t
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	if raw, ok := m["required"].([]any); ok {
		required := make([]string, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
		schema.Required = required
	}
	return schema
}
