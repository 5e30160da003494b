// Package tmpl renders the prompt templates that brief a persona's model.
package tmpl

import (
	"fmt"
	"strings"
	"text/template"
)

// Render executes a template string against data. Prompt templates get
// two helpers: join for trait and interest lists, quote for credentials
// that may contain spaces.
func Render(templateText string, data any) (string, error) {
	t, err := template.New("").Funcs(template.FuncMap{
		"join":  strings.Join,
		"quote": func(s string) string { return fmt.Sprintf("%q", s) },
	}).Parse(templateText)
	if err != nil {
		return "", fmt.Errorf("template parse error: %w", err)
	}

	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}
	return buf.String(), nil
}
