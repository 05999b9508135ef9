// Package credential resolves addressable secrets into request headers.
//
// The package separates storage from decryption: the store returns opaque
// records, a Provider (looked up by the record's provider field) decrypts
// them into a payload map, and the Resolver maps the payload to HTTP headers
// according to the tool's auth type.
package credential

import (
	"github.com/codebroker/codebroker/storage"
)

// AuthType selects how a decrypted payload becomes headers.
type AuthType string

const (
	// AuthBearer produces "authorization: Bearer <token>".
	AuthBearer AuthType = "bearer"

	// AuthAPIKey produces a single named header.
	AuthAPIKey AuthType = "apiKey"

	// AuthBasic produces "authorization: Basic <base64(user:pass)>".
	AuthBasic AuthType = "basic"
)

// IsValid returns true for a known auth type.
func (t AuthType) IsValid() bool {
	switch t {
	case AuthBearer, AuthAPIKey, AuthBasic:
		return true
	default:
		return false
	}
}

// Spec is a tool's credential requirement, attached to compiled tool
// definitions by the source compiler.
type Spec struct {
	// SourceKey addresses the credential record within the workspace.
	SourceKey string `json:"sourceKey"`

	// Mode selects workspace- or actor-scoped records.
	Mode storage.CredentialScope `json:"mode"`

	// AuthType selects the header mapping.
	AuthType AuthType `json:"authType"`

	// HeaderName overrides the header name for apiKey auth.
	HeaderName string `json:"headerName,omitempty"`
}
