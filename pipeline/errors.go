package pipeline

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/storage"
)

// UnknownToolError is returned when the tool path is not in the workspace's
// registry.
type UnknownToolError struct {
	ToolPath string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("Unknown tool: %s", e.ToolPath)
}

// PolicyDeniedError is returned when policy evaluation denies the call.
type PolicyDeniedError struct {
	// ToolPath is the effective path the denial applied to, which for
	// GraphQL tools may be a field path rather than the tool's own path.
	ToolPath string

	// Paths lists every effective path the decision combined. GraphQL
	// operations selecting several fields carry one path per field; other
	// tools carry just the tool path.
	Paths []string
}

func (e *PolicyDeniedError) Error() string {
	if len(e.Paths) > 1 {
		return fmt.Sprintf("%s (policy denied: %s)", e.ToolPath, strings.Join(e.Paths, ", "))
	}
	return fmt.Sprintf("%s (policy denied)", e.ToolPath)
}

// MissingCredentialError is returned when a tool requires a credential the
// workspace (or actor) has not stored.
type MissingCredentialError struct {
	SourceKey string
	Mode      storage.CredentialScope
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no %s credential stored for source %q", e.Mode, e.SourceKey)
}

// ApprovalDeniedError is returned when a reviewer denies the call.
type ApprovalDeniedError struct {
	ToolPath   string
	ApprovalID uuid.UUID
}

func (e *ApprovalDeniedError) Error() string {
	return fmt.Sprintf("tool %q denied by reviewer (approval %s)", e.ToolPath, e.ApprovalID)
}

// ToolExecutionError wraps a dispatch failure. Unlike the other pipeline
// errors it is not deterministic: retrying the same call may succeed.
type ToolExecutionError struct {
	ToolPath string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.ToolPath, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// IsDeterministic reports whether retrying the call with identical inputs
// and state must produce the same outcome.
func IsDeterministic(err error) bool {
	switch err.(type) {
	case *UnknownToolError, *PolicyDeniedError, *MissingCredentialError, *ApprovalDeniedError:
		return true
	default:
		return false
	}
}
