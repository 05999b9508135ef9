package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/codebroker/codebroker/tooldef"
)

// maxResponseBytes caps how much of an HTTP response the dispatcher reads.
const maxResponseBytes = 16 << 20

// callOpenAPI performs one REST call: path parameters interpolate into the
// template, query and header parameters attach by declaration, the "body"
// input becomes the request body.
func (d *Dispatcher) callOpenAPI(ctx context.Context, run *tooldef.OpenAPIRun, input map[string]any, authHeaders map[string]string) (any, error) {
	path := run.PathTemplate
	query := url.Values{}
	headerParams := map[string]string{}

	for _, p := range run.Parameters {
		value, present := input[p.Name]
		if !present {
			if p.Required && p.In == "path" {
				return nil, fmt.Errorf("openapi call: missing path parameter %q", p.Name)
			}
			continue
		}
		rendered := renderValue(value)
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(rendered))
		case "query":
			query.Set(p.Name, rendered)
		case "header":
			headerParams[p.Name] = rendered
		}
	}

	target := strings.TrimRight(run.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var body io.Reader
	hasBody := false
	if run.HasBody {
		if raw, ok := input["body"]; ok {
			encoded, err := encodeBody(raw)
			if err != nil {
				return nil, fmt.Errorf("openapi call: encode body: %w", err)
			}
			body = bytes.NewReader(encoded)
			hasBody = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, run.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("openapi call: %w", err)
	}
	if hasBody {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("accept", "application/json")
	for k, v := range headerParams {
		req.Header.Set(k, v)
	}
	for k, v := range mergeHeaders(run.AuthHeaders, authHeaders) {
		req.Header.Set(k, v)
	}

	return d.doHTTP(req)
}

// callPostman performs one materialized collection request. {{variable}}
// placeholders in the URL and raw body substitute from the input.
func (d *Dispatcher) callPostman(ctx context.Context, run *tooldef.PostmanRun, input map[string]any, authHeaders map[string]string) (any, error) {
	target := substituteTemplate(run.URLTemplate, input)

	var body io.Reader
	hasBody := false
	contentType := ""
	switch {
	case run.BodyMode == "raw" && run.RawBody != "":
		body = strings.NewReader(substituteTemplate(run.RawBody, input))
		hasBody = true
		contentType = "application/json"
	default:
		if raw, ok := input["body"]; ok {
			encoded, err := encodeBody(raw)
			if err != nil {
				return nil, fmt.Errorf("postman call: encode body: %w", err)
			}
			body = bytes.NewReader(encoded)
			hasBody = true
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, run.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("postman call: %w", err)
	}
	for k, v := range run.Headers {
		req.Header.Set(k, substituteTemplate(v, input))
	}
	if hasBody && req.Header.Get("content-type") == "" {
		req.Header.Set("content-type", contentType)
	}
	for k, v := range mergeHeaders(run.AuthHeaders, authHeaders) {
		req.Header.Set(k, v)
	}

	return d.doHTTP(req)
}

// doHTTP executes the request and decodes the response. Non-2xx statuses
// are errors carrying the (truncated) body.
func (d *Dispatcher) doHTTP(req *http.Request) (any, error) {
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("http %s %s: read body: %w", req.Method, req.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %s %s: status %d: %s", req.Method, req.URL, resp.StatusCode, truncate(string(raw), 512))
	}

	if len(raw) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded, nil
	}
	return string(raw), nil
}

// renderValue flattens a parameter value to its string form.
func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; keep integral values undecorated.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// encodeBody serializes a request body: strings pass through, everything
// else marshals to JSON.
func encodeBody(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

// substituteTemplate replaces {{name}} placeholders with input values.
// Unmatched placeholders are left intact.
func substituteTemplate(template string, input map[string]any) string {
	var b strings.Builder
	for i := 0; i < len(template); {
		if i+1 < len(template) && template[i] == '{' && template[i+1] == '{' {
			end := strings.Index(template[i+2:], "}}")
			if end >= 0 {
				name := strings.TrimSpace(template[i+2 : i+2+end])
				if value, ok := input[name]; ok {
					b.WriteString(renderValue(value))
					i += end + 4
					continue
				}
			}
		}
		b.WriteByte(template[i])
		i++
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
