package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/codebroker/codebroker/tooldef"
)

// ErrEmptyQuery is returned when a graphql_raw call carries no operation.
var ErrEmptyQuery = errors.New("dispatch: graphql call requires a non-empty query")

// graphqlRequest is the standard GraphQL POST envelope.
type graphqlRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// callGraphQL executes either a raw operation or a field tool. Field tools
// substitute their compiled query template unless the caller supplies an
// explicit query, which then takes over entirely.
func (d *Dispatcher) callGraphQL(ctx context.Context, kind tooldef.RunKind, run *tooldef.GraphQLRun, input map[string]any, authHeaders map[string]string) (any, error) {
	query, _ := input["query"].(string)
	query = strings.TrimSpace(query)

	var (
		payload   graphqlRequest
		unwrapKey string
	)
	switch {
	case query != "":
		payload.Query = query
		if vars, ok := input["variables"].(map[string]any); ok {
			payload.Variables = vars
		}
	case kind == tooldef.KindGraphQLField:
		payload.Query = run.Query
		payload.OperationName = run.OperationName
		payload.Variables = fieldVariables(run, input)
		unwrapKey = run.FieldName
	default:
		return nil, ErrEmptyQuery
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("graphql call: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, run.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("graphql call: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/json")
	for k, v := range mergeHeaders(run.AuthHeaders, authHeaders) {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphql %s: %w", run.Endpoint, err)
	}
	defer resp.Body.Close()

	var envelope graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("graphql %s: decode response (status %d): %w", run.Endpoint, resp.StatusCode, err)
	}

	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return nil, fmt.Errorf("graphql %s: %s", run.Endpoint, strings.Join(messages, "; "))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("graphql %s: status %d", run.Endpoint, resp.StatusCode)
	}

	var data any
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("graphql %s: decode data: %w", run.Endpoint, err)
		}
	}

	// Field tools unwrap their single selection so callers get the field's
	// value, not the envelope. Raw operations return the envelope intact.
	if unwrapKey != "" {
		if obj, ok := data.(map[string]any); ok {
			if value, ok := obj[unwrapKey]; ok {
				return value, nil
			}
		}
		return data, nil
	}
	return map[string]any{"data": data}, nil
}

// fieldVariables picks the template's declared variables out of the input.
func fieldVariables(run *tooldef.GraphQLRun, input map[string]any) map[string]any {
	if len(run.Variables) == 0 {
		return nil
	}
	vars := make(map[string]any)
	for _, name := range run.Variables {
		if value, ok := input[name]; ok {
			vars[name] = value
		}
	}
	if len(vars) == 0 {
		return nil
	}
	return vars
}
