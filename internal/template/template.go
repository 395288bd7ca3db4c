// Package template renders the per-rule output templates over lease data.
// It follows the same text/template + FuncMap shape the operator uses for
// its own secret templating, restricted to the two helpers this spec
// requires.
package template

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"
)

var funcMap = template.FuncMap{
	"base64Encode": base64Encode,
	"base64Decode": base64Decode,
}

func base64Encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func base64Decode(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode failure: %w", err)
	}
	// Lossy UTF-8: invalid byte sequences are replaced, matching
	// String::from_utf8_lossy's behavior in the original implementation.
	return strings.ToValidUTF8(string(b), "�"), nil
}

// KeyedTemplate pairs an output secret key with its source template text.
type KeyedTemplate struct {
	Key      string
	Template string
}

// Render expands a single template string against the given lease data. An
// undefined variable is a render error, matching
// Option("missingkey=error").
func Render(name, text string, data map[string]string) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(funcMap).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %q: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", name, err)
	}

	return buf.String(), nil
}

// RenderAll expands every {key, template} pair against data, returning the
// assembled key -> value map for the destination secret. Templates render
// in order so the first error reported corresponds to the first offending
// entry.
func RenderAll(templates []KeyedTemplate, data map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(templates))
	for _, t := range templates {
		v, err := Render(t.Key, t.Template, data)
		if err != nil {
			return nil, err
		}
		out[t.Key] = v
	}
	return out, nil
}
