package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/codebroker/codebroker/tooldef"
	"github.com/codebroker/codebroker/toolsource"
)

// postmanAPIBase is the Postman cloud API used to fetch collections by UID.
const postmanAPIBase = "https://api.getpostman.com/collections/"

// compilePostman fetches a collection by UID and materializes each request
// as a tool. Folders flatten; the request name, not its position, keys
// overrides.
func (c *Compiler) compilePostman(ctx context.Context, sourceName, uid string, cfg *toolsource.OpenAPIConfig) *Result {
	result := &Result{}

	raw, err := c.postman.FetchCollection(ctx, uid, staticAuthHeaders(cfg.Auth))
	if err != nil {
		result.Warnings = append(result.Warnings, Warning{
			Source:  sourceName,
			Message: fmt.Sprintf("fetch postman collection %s: %v", uid, err),
		})
		return result
	}

	root := gjson.ParseBytes(raw)
	collection := root.Get("collection")
	if !collection.Exists() {
		collection = root
	}

	authHeaders := staticAuthHeaders(cfg.Auth)
	credSpec := credentialSpecFor(sourceName, cfg.Auth)

	prefix := toolsource.Sanitize(sourceName)
	walkPostmanItems(collection.Get("item"), func(item gjson.Result) {
		name := item.Get("name").String()
		request := item.Get("request")
		if name == "" || !request.Exists() {
			return
		}

		method := strings.ToUpper(request.Get("method").String())
		if method == "" {
			method = "GET"
		}

		urlTemplate := postmanURL(request.Get("url"))
		if urlTemplate == "" {
			return
		}

		headers := make(map[string]string)
		request.Get("header").ForEach(func(_, h gjson.Result) bool {
			if h.Get("disabled").Bool() {
				return true
			}
			if key := h.Get("key").String(); key != "" {
				headers[strings.ToLower(key)] = h.Get("value").String()
			}
			return true
		})
		if len(headers) == 0 {
			headers = nil
		}

		def := strings.TrimSpace(cfg.DefaultReadApproval)
		if writeMethods[method] {
			def = strings.TrimSpace(cfg.DefaultWriteApproval)
			if def == "" {
				def = string(tooldef.ApprovalRequired)
			}
		}

		bodyMode := request.Get("body.mode").String()
		tool := &tooldef.ToolDefinition{
			Path:        prefix + "." + toolsource.Sanitize(name),
			Description: item.Get("request.description").String(),
			Approval:    approvalFor(cfg.Overrides, name, def),
			Source:      sourceName,
			Credential:  credSpec,
			InputSchema: postmanInputSchema(urlTemplate, bodyMode),
			Run: tooldef.RunSpec{
				Kind: tooldef.KindPostman,
				Postman: &tooldef.PostmanRun{
					Method:      method,
					URLTemplate: urlTemplate,
					Headers:     headers,
					BodyMode:    bodyMode,
					RawBody:     request.Get("body.raw").String(),
					AuthHeaders: authHeaders,
				},
			},
		}
		result.Tools = append(result.Tools, tool)
	})
	return result
}

// walkPostmanItems recurses through folders, visiting leaf request items.
func walkPostmanItems(items gjson.Result, visit func(gjson.Result)) {
	items.ForEach(func(_, item gjson.Result) bool {
		if children := item.Get("item"); children.IsArray() {
			walkPostmanItems(children, visit)
			return true
		}
		visit(item)
		return true
	})
}

// postmanURL extracts the raw URL whether the collection stores it as a
// string or a structured object.
func postmanURL(u gjson.Result) string {
	if u.Type == gjson.String {
		return u.String()
	}
	if raw := u.Get("raw"); raw.Exists() {
		return raw.String()
	}
	return ""
}

// postmanInputSchema declares one property per {{variable}} in the URL plus
// a body property when the request carries one.
func postmanInputSchema(urlTemplate, bodyMode string) map[string]any {
	properties := make(map[string]any)
	for _, name := range templateVariables(urlTemplate) {
		properties[name] = map[string]any{"type": "string"}
	}
	if bodyMode != "" {
		properties["body"] = map[string]any{"description": "Request body"}
	}
	if len(properties) == 0 {
		return nil
	}
	return map[string]any{"type": "object", "properties": properties}
}

// templateVariables lists {{name}} placeholders in order of appearance.
func templateVariables(template string) []string {
	var names []string
	seen := make(map[string]struct{})
	for i := 0; i+1 < len(template); i++ {
		if template[i] != '{' || template[i+1] != '{' {
			continue
		}
		end := strings.Index(template[i+2:], "}}")
		if end < 0 {
			break
		}
		name := strings.TrimSpace(template[i+2 : i+2+end])
		if name != "" {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
		i += end + 3
	}
	return names
}

// apiPostmanFetcher fetches collections from the Postman cloud API.
type apiPostmanFetcher struct {
	client *http.Client
}

func (f *apiPostmanFetcher) FetchCollection(ctx context.Context, uid string, headers map[string]string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, postmanAPIBase+uid, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("postman api returned %d", resp.StatusCode)
	}
	return body, nil
}
