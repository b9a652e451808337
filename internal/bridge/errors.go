package bridge

import (
	"fmt"
	"time"
)

// PermissionDeniedError is returned when an agent requests a capability its
// grants do not cover.
type PermissionDeniedError struct {
	Kind string
	Name string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s %q is not granted", e.Kind, e.Name)
}

// PermissionRevokedError is returned when a grant disappears between the
// initial permission check and dispatch.
type PermissionRevokedError struct {
	Kind string
	Name string
}

func (e *PermissionRevokedError) Error() string {
	return fmt.Sprintf("access revoked: %s %q was revoked before dispatch", e.Kind, e.Name)
}

// UpstreamTimeoutError is returned when a forward exceeds the configured
// upstream timeout.
type UpstreamTimeoutError struct {
	Kind    string
	Name    string
	Timeout time.Duration
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("%s %q timed out after %s", e.Kind, e.Name, e.Timeout)
}

// UpstreamExecutionError wraps a non-timeout failure from a capability
// server.
type UpstreamExecutionError struct {
	Kind string
	Name string
	Err  error
}

func (e *UpstreamExecutionError) Error() string {
	return fmt.Sprintf("%s %q failed upstream: %v", e.Kind, e.Name, e.Err)
}

func (e *UpstreamExecutionError) Unwrap() error { return e.Err }
