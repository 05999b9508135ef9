package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/codebroker/codebroker/storage"
)

// ErrNotFound is returned when no credential record matches the spec.
var ErrNotFound = errors.New("credential not found")

// TaskContext is the slice of task identity the resolver needs.
type TaskContext struct {
	WorkspaceID string
	ActorID     string
}

// Resolver turns a credential spec plus task context into request headers.
type Resolver struct {
	store     storage.Store
	providers *ProviderRegistry
}

// NewResolver creates a resolver over the given store and providers.
func NewResolver(store storage.Store, providers *ProviderRegistry) *Resolver {
	if providers == nil {
		providers = NewProviderRegistry()
	}
	return &Resolver{store: store, providers: providers}
}

// Providers exposes the provider registry for registration.
func (r *Resolver) Providers() *ProviderRegistry {
	return r.providers
}

// Resolve looks up the credential record, decrypts it, and maps the payload
// to headers. Returns ErrNotFound when no record matches, and (nil, nil)
// when a record exists but produces no headers.
func (r *Resolver) Resolve(ctx context.Context, spec *Spec, task TaskContext) (map[string]string, error) {
	params := &storage.ResolveCredentialParams{
		WorkspaceID: task.WorkspaceID,
		SourceKey:   spec.SourceKey,
		Scope:       spec.Mode,
	}
	if spec.Mode == storage.ScopeActor {
		params.ActorID = storage.Ptr(task.ActorID)
	}

	record, err := r.store.ResolveCredential(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("credential: resolve %s/%s: %w", spec.SourceKey, spec.Mode, err)
	}
	if record == nil {
		return nil, fmt.Errorf("credential: %s (%s scope): %w", spec.SourceKey, spec.Mode, ErrNotFound)
	}

	provider, ok := r.providers.Get(record.Provider)
	if !ok {
		return nil, fmt.Errorf("credential: %s: %w: %q", spec.SourceKey, ErrUnknownProvider, record.Provider)
	}

	payload, err := provider.Decrypt(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt %s: %w", spec.SourceKey, err)
	}

	headers := headersFor(spec, payload)

	// Raw overrides win over mapped headers.
	if len(record.OverridesJSON) > 0 {
		var overrides struct {
			Headers map[string]string `json:"headers"`
		}
		if err := json.Unmarshal(record.OverridesJSON, &overrides); err != nil {
			return nil, fmt.Errorf("credential: overrides for %s: %w", spec.SourceKey, err)
		}
		for name, value := range overrides.Headers {
			if headers == nil {
				headers = make(map[string]string)
			}
			headers[strings.ToLower(name)] = value
		}
	}

	if len(headers) == 0 {
		return nil, nil
	}
	return headers, nil
}

// headersFor maps a decrypted payload to headers per the spec's auth type.
func headersFor(spec *Spec, payload map[string]string) map[string]string {
	headers := make(map[string]string)

	switch spec.AuthType {
	case AuthBearer:
		token := strings.TrimSpace(payload["token"])
		if token != "" {
			headers["authorization"] = "Bearer " + token
		}

	case AuthAPIKey:
		name := spec.HeaderName
		if name == "" {
			name = payload["headerName"]
		}
		if name == "" {
			name = "x-api-key"
		}
		value := payload["value"]
		if value == "" {
			value = payload["token"]
		}
		if value != "" {
			headers[strings.ToLower(name)] = value
		}

	case AuthBasic:
		user := payload["username"]
		if user == "" {
			user = payload["user"]
		}
		pass := payload["password"]
		if pass == "" {
			pass = payload["pass"]
		}
		if user != "" || pass != "" {
			raw := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
			headers["authorization"] = "Basic " + raw
		}
	}

	if len(headers) == 0 {
		return nil
	}
	return headers
}
