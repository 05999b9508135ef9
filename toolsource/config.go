// Package toolsource defines workspace-registered tool origins and their
// typed configurations.
//
// A tool source names an external system (an MCP server, an OpenAPI service,
// a GraphQL endpoint) the compiler turns into callable tool definitions.
// Configs normalize to a canonical JSON form; the spec hash and auth
// fingerprint derived from that form drive registry cache invalidation, so
// normalization must be idempotent: identical logical configs produce
// identical hashes.
package toolsource

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates tool source kinds.
type Type string

const (
	TypeMCP     Type = "mcp"
	TypeOpenAPI Type = "openapi"
	TypeGraphQL Type = "graphql"
)

// IsValid returns true for a known source type.
func (t Type) IsValid() bool {
	switch t {
	case TypeMCP, TypeOpenAPI, TypeGraphQL:
		return true
	default:
		return false
	}
}

// AuthMode controls where an AuthSpec's secret material comes from.
type AuthMode string

const (
	// AuthModeStatic embeds the secret in the source config.
	AuthModeStatic AuthMode = "static"

	// AuthModeWorkspace resolves a workspace-scoped credential at call time.
	AuthModeWorkspace AuthMode = "workspace"

	// AuthModeActor resolves an actor-scoped credential at call time.
	AuthModeActor AuthMode = "actor"
)

// AuthSpec configures how calls to a source authenticate.
type AuthSpec struct {
	Type string   `json:"type"` // "none", "basic", "bearer" or "apiKey"
	Mode AuthMode `json:"mode,omitempty"`

	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// bearer
	Token string `json:"token,omitempty"`

	// apiKey
	Header string `json:"header,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Validate checks the auth spec's shape.
func (a *AuthSpec) Validate() error {
	switch a.Type {
	case "", "none", "basic", "bearer":
	case "apiKey":
		if a.Header == "" {
			return errors.New("toolsource: apiKey auth requires header")
		}
	default:
		return fmt.Errorf("toolsource: unknown auth type %q", a.Type)
	}
	switch a.Mode {
	case "", AuthModeStatic, AuthModeWorkspace, AuthModeActor:
	default:
		return fmt.Errorf("toolsource: unknown auth mode %q", a.Mode)
	}
	return nil
}

// Override tweaks one compiled tool.
type Override struct {
	Approval string `json:"approval,omitempty"` // "auto" or "required"
}

// MCPConfig configures an MCP source.
type MCPConfig struct {
	URL             string              `json:"url"`
	Transport       string              `json:"transport,omitempty"` // "sse" or "streamable-http"
	QueryParams     map[string]string   `json:"queryParams,omitempty"`
	Headers         map[string]string   `json:"headers,omitempty"`
	DefaultApproval string              `json:"defaultApproval,omitempty"`
	Overrides       map[string]Override `json:"overrides,omitempty"`
}

// Validate checks required fields.
func (c *MCPConfig) Validate() error {
	if c.URL == "" {
		return errors.New("toolsource: mcp source requires url")
	}
	switch c.Transport {
	case "", "sse", "streamable-http":
	default:
		return fmt.Errorf("toolsource: unknown mcp transport %q", c.Transport)
	}
	return nil
}

// OpenAPIConfig configures an OpenAPI source. Spec is either a URL string or
// an inline spec object. A spec string starting with "postman:" names a
// Postman collection UID instead.
type OpenAPIConfig struct {
	Spec                 any                 `json:"spec"`
	BaseURL              string              `json:"baseUrl,omitempty"`
	Auth                 *AuthSpec           `json:"auth,omitempty"`
	DefaultReadApproval  string              `json:"defaultReadApproval,omitempty"`
	DefaultWriteApproval string              `json:"defaultWriteApproval,omitempty"`
	Overrides            map[string]Override `json:"overrides,omitempty"`
}

// Validate checks required fields.
func (c *OpenAPIConfig) Validate() error {
	if c.Spec == nil {
		return errors.New("toolsource: openapi source requires spec")
	}
	if s, ok := c.Spec.(string); ok && s == "" {
		return errors.New("toolsource: openapi source requires spec")
	}
	if c.Auth != nil {
		return c.Auth.Validate()
	}
	return nil
}

// PostmanUID returns the collection UID when the spec references a Postman
// collection, or "" otherwise.
func (c *OpenAPIConfig) PostmanUID() string {
	s, ok := c.Spec.(string)
	if !ok || len(s) < len("postman:")+1 || s[:len("postman:")] != "postman:" {
		return ""
	}
	return s[len("postman:"):]
}

// GraphQLConfig configures a GraphQL source.
type GraphQLConfig struct {
	Endpoint                string              `json:"endpoint"`
	Schema                  map[string]any      `json:"schema,omitempty"`
	Auth                    *AuthSpec           `json:"auth,omitempty"`
	DefaultQueryApproval    string              `json:"defaultQueryApproval,omitempty"`
	DefaultMutationApproval string              `json:"defaultMutationApproval,omitempty"`
	Overrides               map[string]Override `json:"overrides,omitempty"`
}

// Validate checks required fields.
func (c *GraphQLConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("toolsource: graphql source requires endpoint")
	}
	if c.Auth != nil {
		return c.Auth.Validate()
	}
	return nil
}

// Config is the tagged union of per-kind configurations. Exactly the
// variant matching Type is set.
type Config struct {
	Type    Type           `json:"type"`
	MCP     *MCPConfig     `json:"mcp,omitempty"`
	OpenAPI *OpenAPIConfig `json:"openapi,omitempty"`
	GraphQL *GraphQLConfig `json:"graphql,omitempty"`
}

// Parse decodes and validates a raw per-kind config.
func Parse(sourceType Type, raw json.RawMessage) (*Config, error) {
	cfg := &Config{Type: sourceType}

	switch sourceType {
	case TypeMCP:
		var c MCPConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("toolsource: mcp config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		cfg.MCP = &c

	case TypeOpenAPI:
		var c OpenAPIConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("toolsource: openapi config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		cfg.OpenAPI = &c

	case TypeGraphQL:
		var c GraphQLConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("toolsource: graphql config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		cfg.GraphQL = &c

	default:
		return nil, fmt.Errorf("toolsource: unknown source type %q", sourceType)
	}

	return cfg, nil
}

// Normalize returns the canonical JSON form of the config. Map keys are
// emitted in sorted order, so logically identical configs serialize
// identically.
func (c *Config) Normalize() (json.RawMessage, error) {
	// Round-trip through a generic map so struct field order does not leak
	// into the canonical form.
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// auth returns the variant's auth spec, if any.
func (c *Config) auth() *AuthSpec {
	switch c.Type {
	case TypeOpenAPI:
		if c.OpenAPI != nil {
			return c.OpenAPI.Auth
		}
	case TypeGraphQL:
		if c.GraphQL != nil {
			return c.GraphQL.Auth
		}
	}
	return nil
}

// SpecHash fingerprints the config with auth material removed. It changes
// exactly when the source's logical (non-auth) configuration changes.
func (c *Config) SpecHash() (string, error) {
	stripped := *c
	switch c.Type {
	case TypeOpenAPI:
		if c.OpenAPI != nil {
			clone := *c.OpenAPI
			clone.Auth = nil
			stripped.OpenAPI = &clone
		}
	case TypeGraphQL:
		if c.GraphQL != nil {
			clone := *c.GraphQL
			clone.Auth = nil
			stripped.GraphQL = &clone
		}
	case TypeMCP:
		if c.MCP != nil {
			clone := *c.MCP
			clone.Headers = nil
			stripped.MCP = &clone
		}
	}

	canonical, err := stripped.Normalize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// AuthFingerprint fingerprints only the auth material, so credential
// rotation invalidates the registry cache without re-hashing the spec.
func (c *Config) AuthFingerprint() (string, error) {
	var material any
	if auth := c.auth(); auth != nil {
		material = auth
	} else if c.Type == TypeMCP && c.MCP != nil && len(c.MCP.Headers) > 0 {
		material = c.MCP.Headers
	}

	if material == nil {
		return "none", nil
	}
	raw, err := json.Marshal(material)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
