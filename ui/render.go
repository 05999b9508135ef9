package ui

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	policy   = bluemonday.UGCPolicy()
)

// RenderMarkdown converts markdown to sanitized HTML. Reviewer surfaces must
// never trust tool descriptions or inputs, which originate from external
// sources and agent programs.
func RenderMarkdown(source string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return policy.Sanitize(source)
	}
	return string(policy.SanitizeBytes(buf.Bytes()))
}

// redactedPlaceholder replaces secret-like values in displayed inputs.
const redactedPlaceholder = "[redacted]"

// secretKeyFragments marks JSON keys whose values are hidden from reviewers.
var secretKeyFragments = []string{
	"authorization", "token", "secret", "password", "passwd",
	"api_key", "apikey", "credential", "private_key",
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactInput returns a copy of the input document with secret-like values
// replaced, at any nesting depth. Invalid JSON is returned unchanged; the
// reviewer still needs to see what the program sent.
func RedactInput(input json.RawMessage) json.RawMessage {
	if !gjson.ValidBytes(input) {
		return input
	}
	out := input
	var walk func(prefix string, value gjson.Result)
	walk = func(prefix string, value gjson.Result) {
		value.ForEach(func(key, child gjson.Result) bool {
			path := escapePathKey(key.String())
			if prefix != "" {
				path = prefix + "." + path
			}
			if key.Type == gjson.String && isSecretKey(key.String()) {
				if redacted, err := sjson.SetBytes(out, path, redactedPlaceholder); err == nil {
					out = redacted
				}
				return true
			}
			if child.IsObject() || child.IsArray() {
				walk(path, child)
			}
			return true
		})
	}
	walk("", gjson.ParseBytes(out))
	return out
}

// escapePathKey escapes gjson path metacharacters in an object key.
func escapePathKey(key string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return replacer.Replace(key)
}

// renderInputHTML shows a redacted input document as sanitized HTML for the
// approval detail view.
func renderInputHTML(input json.RawMessage) string {
	redacted := RedactInput(input)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, redacted, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(redacted)
	}
	return RenderMarkdown("```json\n" + pretty.String() + "\n```")
}
