package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ServerType identifies the transport used to reach a capability server.
type ServerType string

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeSSE            ServerType = "sse"
	ServerTypeStreamableHTTP ServerType = "streamable-http"
)

// Server status values. A server is "active" exactly while at least one
// gateway connection to it is live.
const (
	ServerStatusRegistered = "registered"
	ServerStatusActive     = "active"
)

// Agent is a credentialed caller identity with a bounded set of permitted
// capability IDs. Only the hash of the client secret is ever stored.
type Agent struct {
	ID          string
	ClientID    string
	SecretHash  string
	Name        string
	Description string
	ToolIDs     []string
	ResourceIDs []string
	PromptIDs   []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Server is a registered capability server and its connection bookkeeping.
type Server struct {
	ID                 string
	Name               string
	Type               ServerType
	Command            string
	Args               []string
	Env                map[string]string
	URL                string
	Status             string
	ConnectedInstances int
	TotalConnections   int
	LastConnectedAt    *time.Time
	LastDisconnectedAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Tool is a tool capability offered by a server. Name is unique per server.
type Tool struct {
	ID          string
	ServerID    string
	Name        string
	Description string
	InputSchema map[string]any
}

// Resource is a resource capability offered by a server.
type Resource struct {
	ID          string
	ServerID    string
	Name        string
	URI         string
	Description string
	MimeType    string
}

// Prompt is a prompt capability offered by a server.
type Prompt struct {
	ID          string
	ServerID    string
	Name        string
	Description string
	Arguments   []PromptArgument
}

// PromptArgument describes one argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// CapabilityKind distinguishes the three capability record kinds.
type CapabilityKind string

const (
	KindTool     CapabilityKind = "tool"
	KindResource CapabilityKind = "resource"
	KindPrompt   CapabilityKind = "prompt"
)

// ServerUsage tracks one agent's activity against one server, including a
// connected flag toggled when the agent's transport session starts and ends.
type ServerUsage struct {
	ID                 string
	AgentID            string
	ServerID           string
	Connected          bool
	ConnectedAt        *time.Time
	DisconnectedAt     *time.Time
	TotalToolCalls     int
	TotalResourceReads int
	TotalPromptGets    int
	LastActivityAt     *time.Time
}

// CapabilityUsage tracks one agent's activity against one capability.
type CapabilityUsage struct {
	ID           string
	AgentID      string
	CapabilityID string
	Kind         CapabilityKind
	Total        int
	FirstAt      *time.Time
	LastAt       *time.Time
}

// AuditEvent is one append-only entry in the gateway audit log. Events that
// belong to the same request share a correlation ID.
type AuditEvent struct {
	ID            int64
	Timestamp     time.Time
	EventType     string
	CorrelationID string
	SessionID     string
	AgentID       string
	Source        string
	Severity      string
	Payload       map[string]any
}

// AuditFilter narrows ListAuditEvents results.
type AuditFilter struct {
	EventType     string
	CorrelationID string
	AgentID       string
	Severity      string
	Limit         int
}

// AgentStore persists agent identities.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByClientID(ctx context.Context, clientID string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*Agent, error)
}

// ServerStore persists capability server records and connection counters.
type ServerStore interface {
	CreateServer(ctx context.Context, s *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	GetServerByName(ctx context.Context, name string) (*Server, error)
	DeleteServer(ctx context.Context, id string) error
	ListServers(ctx context.Context) ([]*Server, error)
	// MarkServerConnected increments the connection counters and flips the
	// status to active. MarkServerDisconnected decrements with a floor of
	// zero and reverts the status to registered when no instances remain.
	MarkServerConnected(ctx context.Context, id string) error
	MarkServerDisconnected(ctx context.Context, id string) error
}

// CapabilityStore persists the capability catalog synced from live servers.
type CapabilityStore interface {
	ReplaceServerCapabilities(ctx context.Context, serverID string, tools []*Tool, resources []*Resource, prompts []*Prompt) error
	GetToolsByIDs(ctx context.Context, ids []string) ([]*Tool, error)
	GetResourcesByIDs(ctx context.Context, ids []string) ([]*Resource, error)
	GetPromptsByIDs(ctx context.Context, ids []string) ([]*Prompt, error)
	ListTools(ctx context.Context) ([]*Tool, error)
	ListResources(ctx context.Context) ([]*Resource, error)
	ListPrompts(ctx context.Context) ([]*Prompt, error)
	// MissingCapabilityIDs reports which of the given IDs do not exist for
	// the given kind; used to validate grant lists.
	MissingCapabilityIDs(ctx context.Context, kind CapabilityKind, ids []string) ([]string, error)
}

// UsageStore records per-agent activity. All increments are single-statement
// upserts so concurrent calls for the same pair never lose updates.
type UsageStore interface {
	RecordToolCall(ctx context.Context, agentID, toolID, serverID string) error
	RecordResourceRead(ctx context.Context, agentID, resourceID, serverID string) error
	RecordPromptGet(ctx context.Context, agentID, promptID, serverID string) error
	MarkAgentConnected(ctx context.Context, agentID, serverID string) error
	MarkAgentDisconnected(ctx context.Context, agentID string) error
	GetServerUsage(ctx context.Context, agentID, serverID string) (*ServerUsage, error)
	GetCapabilityUsage(ctx context.Context, agentID, capabilityID string) (*CapabilityUsage, error)
}

// AuditStore is the append-only audit sink.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, e *AuditEvent) error
	ListAuditEvents(ctx context.Context, f AuditFilter) ([]*AuditEvent, error)
}

// Store is the full durable store consumed by the gateway.
type Store interface {
	AgentStore
	ServerStore
	CapabilityStore
	UsageStore
	AuditStore
	Close() error
}
