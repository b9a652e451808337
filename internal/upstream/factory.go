package upstream

import (
	"fmt"

	"mcpbridge/internal/store"
)

// ClientFactory builds a Client for a registered server record. The manager
// takes a factory so tests can substitute fakes.
type ClientFactory func(s *store.Server) (Client, error)

// NewClientForServer is the default factory. It picks the transport from the
// server record and validates the fields that transport requires.
func NewClientForServer(s *store.Server) (Client, error) {
	switch s.Type {
	case store.ServerTypeStdio:
		if s.Command == "" {
			return nil, fmt.Errorf("server %s: command is required for stdio type", s.Name)
		}
		return NewStdioClient(s.Command, s.Args, s.Env), nil

	case store.ServerTypeSSE:
		if s.URL == "" {
			return nil, fmt.Errorf("server %s: url is required for sse type", s.Name)
		}
		return NewSSEClient(s.URL, nil), nil

	case store.ServerTypeStreamableHTTP:
		if s.URL == "" {
			return nil, fmt.Errorf("server %s: url is required for streamable-http type", s.Name)
		}
		return NewStreamableHTTPClient(s.URL, nil), nil

	default:
		return nil, fmt.Errorf("server %s: unsupported server type %q", s.Name, s.Type)
	}
}
