package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codebroker/codebroker/tooldef"
)

func openAPITool(baseURL string) *tooldef.ToolDefinition {
	return &tooldef.ToolDefinition{
		Path: "svc.get_item",
		Run: tooldef.RunSpec{
			Kind: tooldef.KindOpenAPI,
			OpenAPI: &tooldef.OpenAPIRun{
				Method:       "GET",
				PathTemplate: "/items/{id}",
				BaseURL:      baseURL,
				Parameters: []tooldef.Parameter{
					{Name: "id", In: "path", Required: true},
					{Name: "limit", In: "query"},
					{Name: "X-Trace", In: "header"},
				},
			},
		},
	}
}

func TestCall_OpenAPI(t *testing.T) {
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("content-type", "application/json")
		io.WriteString(w, `{"id":"42","name":"widget"}`)
	}))
	defer server.Close()

	d := New()
	defer d.Close()

	out, err := d.Call(context.Background(), openAPITool(server.URL), map[string]any{
		"id":      "42",
		"limit":   float64(10),
		"X-Trace": "abc",
	}, &Env{AuthHeaders: map[string]string{"authorization": "Bearer tok"}})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	if got.URL.Path != "/items/42" {
		t.Errorf("path = %q, want /items/42", got.URL.Path)
	}
	if got.URL.Query().Get("limit") != "10" {
		t.Errorf("limit = %q, want 10 rendered without decimals", got.URL.Query().Get("limit"))
	}
	if got.Header.Get("X-Trace") != "abc" {
		t.Errorf("X-Trace = %q", got.Header.Get("X-Trace"))
	}
	if got.Header.Get("authorization") != "Bearer tok" {
		t.Errorf("authorization = %q", got.Header.Get("authorization"))
	}

	decoded, ok := out.(map[string]any)
	if !ok || decoded["name"] != "widget" {
		t.Errorf("Call() = %v, want decoded JSON object", out)
	}
}

func TestCall_OpenAPI_MissingPathParameter(t *testing.T) {
	d := New()
	defer d.Close()

	_, err := d.Call(context.Background(), openAPITool("https://api.example.com"), map[string]any{}, nil)
	if err == nil || !strings.Contains(err.Error(), "id") {
		t.Errorf("Call() error = %v, want missing path parameter", err)
	}
}

func TestCall_OpenAPI_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	d := New()
	defer d.Close()

	_, err := d.Call(context.Background(), openAPITool(server.URL), map[string]any{"id": "1"}, nil)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("Call() error = %v, want status 403", err)
	}
}

func TestCall_OpenAPI_Body(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	tool := &tooldef.ToolDefinition{
		Path: "svc.create",
		Run: tooldef.RunSpec{
			Kind: tooldef.KindOpenAPI,
			OpenAPI: &tooldef.OpenAPIRun{
				Method:       "POST",
				PathTemplate: "/items",
				BaseURL:      server.URL,
				HasBody:      true,
			},
		},
	}

	d := New()
	defer d.Close()

	_, err := d.Call(context.Background(), tool, map[string]any{
		"body": map[string]any{"name": "widget"},
	}, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !strings.Contains(string(gotBody), `"name":"widget"`) {
		t.Errorf("body = %s", gotBody)
	}
}

func TestCall_Postman(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	tool := &tooldef.ToolDefinition{
		Path: "crm.create_user",
		Run: tooldef.RunSpec{
			Kind: tooldef.KindPostman,
			Postman: &tooldef.PostmanRun{
				Method:      "POST",
				URLTemplate: server.URL + "/users/{{userId}}",
				Headers:     map[string]string{"x-team": "{{team}}"},
				BodyMode:    "raw",
				RawBody:     `{"name":"{{name}}"}`,
			},
		},
	}

	d := New()
	defer d.Close()

	_, err := d.Call(context.Background(), tool, map[string]any{
		"userId": "7",
		"team":   "core",
		"name":   "Ada",
	}, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got.URL.Path != "/users/7" {
		t.Errorf("path = %q", got.URL.Path)
	}
	if got.Header.Get("x-team") != "core" {
		t.Errorf("x-team = %q, header templates should substitute", got.Header.Get("x-team"))
	}
	if string(gotBody) != `{"name":"Ada"}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestCall_GraphQLRaw(t *testing.T) {
	var payload graphqlRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		io.WriteString(w, `{"data":{"products":[{"id":"1"}]}}`)
	}))
	defer server.Close()

	tool := &tooldef.ToolDefinition{
		Path: "shop.raw",
		Run: tooldef.RunSpec{
			Kind:    tooldef.KindGraphQLRaw,
			GraphQL: &tooldef.GraphQLRun{Endpoint: server.URL},
		},
	}

	d := New()
	defer d.Close()

	out, err := d.Call(context.Background(), tool, map[string]any{
		"query":     "query { products { id } }",
		"variables": map[string]any{"first": float64(3)},
	}, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if payload.Query != "query { products { id } }" {
		t.Errorf("sent query = %q", payload.Query)
	}
	envelope, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("Call() = %v, want the response envelope", out)
	}
	data, ok := envelope["data"].(map[string]any)
	if !ok || data["products"] == nil {
		t.Errorf("envelope = %v, want data.products", envelope)
	}
}

func TestCall_GraphQLRaw_EmptyQuery(t *testing.T) {
	tool := &tooldef.ToolDefinition{
		Path: "shop.raw",
		Run: tooldef.RunSpec{
			Kind:    tooldef.KindGraphQLRaw,
			GraphQL: &tooldef.GraphQLRun{Endpoint: "https://api.example.com/graphql"},
		},
	}

	d := New()
	defer d.Close()

	_, err := d.Call(context.Background(), tool, map[string]any{}, nil)
	if !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Call() error = %v, want ErrEmptyQuery", err)
	}
}

func TestCall_GraphQLField_UnwrapsSelection(t *testing.T) {
	var payload graphqlRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		io.WriteString(w, `{"data":{"products":[{"id":"1"},{"id":"2"}]}}`)
	}))
	defer server.Close()

	tool := &tooldef.ToolDefinition{
		Path: "shop.query.products",
		Run: tooldef.RunSpec{
			Kind: tooldef.KindGraphQLField,
			GraphQL: &tooldef.GraphQLRun{
				Endpoint:      server.URL,
				Query:         "query products($first: Int) { products(first: $first) }",
				OperationType: "query",
				OperationName: "products",
				FieldName:     "products",
				Variables:     []string{"first"},
			},
		},
	}

	d := New()
	defer d.Close()

	out, err := d.Call(context.Background(), tool, map[string]any{"first": float64(2)}, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if payload.OperationName != "products" {
		t.Errorf("operationName = %q", payload.OperationName)
	}
	if payload.Variables["first"] != float64(2) {
		t.Errorf("variables = %v", payload.Variables)
	}

	items, ok := out.([]any)
	if !ok || len(items) != 2 {
		t.Errorf("Call() = %v, want the unwrapped field value", out)
	}
}

func TestCall_GraphQL_ErrorsEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"errors":[{"message":"field not found"}]}`)
	}))
	defer server.Close()

	tool := &tooldef.ToolDefinition{
		Path: "shop.raw",
		Run: tooldef.RunSpec{
			Kind:    tooldef.KindGraphQLRaw,
			GraphQL: &tooldef.GraphQLRun{Endpoint: server.URL},
		},
	}

	d := New()
	defer d.Close()

	_, err := d.Call(context.Background(), tool, map[string]any{"query": "query { x }"}, nil)
	if err == nil || !strings.Contains(err.Error(), "field not found") {
		t.Errorf("Call() error = %v, want the graphql error message", err)
	}
}

func TestCall_Builtin(t *testing.T) {
	d := New()
	defer d.Close()

	d.RegisterBuiltin("discover", func(ctx context.Context, env *Env, input map[string]any) (any, error) {
		return map[string]any{"workspace": env.WorkspaceID}, nil
	})

	tool := &tooldef.ToolDefinition{
		Path: "discover",
		Run:  tooldef.RunSpec{Kind: tooldef.KindBuiltin},
	}

	out, err := d.Call(context.Background(), tool, nil, &Env{WorkspaceID: "acme"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if m, ok := out.(map[string]any); !ok || m["workspace"] != "acme" {
		t.Errorf("Call() = %v", out)
	}

	unknown := &tooldef.ToolDefinition{Path: "mystery", Run: tooldef.RunSpec{Kind: tooldef.KindBuiltin}}
	if _, err := d.Call(context.Background(), unknown, nil, nil); !errors.Is(err, ErrUnknownBuiltin) {
		t.Errorf("Call() error = %v, want ErrUnknownBuiltin", err)
	}
}

func TestCall_ValidatesInput(t *testing.T) {
	d := New()
	defer d.Close()

	tool := &tooldef.ToolDefinition{
		Path: "svc.x",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"count": map[string]any{"type": "integer"}},
			"required":   []string{"count"},
		},
		Run: tooldef.RunSpec{Kind: tooldef.KindBuiltin},
	}
	d.RegisterBuiltin("svc.x", func(ctx context.Context, env *Env, input map[string]any) (any, error) {
		return "ok", nil
	})

	_, err := d.Call(context.Background(), tool, map[string]any{"count": "three"}, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Call() error = %v, want ValidationError", err)
	}
	if verr.ToolPath != "svc.x" {
		t.Errorf("ToolPath = %q", verr.ToolPath)
	}

	if _, err := d.Call(context.Background(), tool, map[string]any{"count": float64(3)}, nil); err != nil {
		t.Errorf("Call() error = %v for valid input", err)
	}
}

func TestEnv_Allowed(t *testing.T) {
	var nilEnv *Env
	if !nilEnv.Allowed("anything") {
		t.Error("nil env should allow everything")
	}

	env := &Env{IsToolAllowed: func(path string) bool { return path == "ok" }}
	if !env.Allowed("ok") || env.Allowed("blocked") {
		t.Error("Allowed() should delegate to IsToolAllowed")
	}
}

func TestSubstituteTemplate_UnmatchedPlaceholderKept(t *testing.T) {
	got := substituteTemplate("/a/{{x}}/{{missing}}", map[string]any{"x": "1"})
	if got != "/a/1/{{missing}}" {
		t.Errorf("substituteTemplate() = %q", got)
	}
}
