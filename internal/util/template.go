package util

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
)

// Prompts are rendered once per turn with the same few sources, so parsed
// templates are kept for the life of the process.
var parsedPrompts sync.Map

// Actions that would let a prompt reach beyond its variables
var unsafeAction = regexp.MustCompile(`\{\{-?\s*(call|define|template|block)\b`)

// RenderPrompt fills a prompt template from vars. A variable the template
// names but vars lacks is an error, never an empty string.
func RenderPrompt(src string, vars map[string]any) (string, error) {
	if m := unsafeAction.FindStringSubmatch(src); m != nil {
		return "", fmt.Errorf("prompt uses forbidden action %q", m[1])
	}

	tmpl, err := parsePrompt(src)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return b.String(), nil
}

func parsePrompt(src string) (*template.Template, error) {
	if t, ok := parsedPrompts.Load(src); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("prompt").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt: %w", err)
	}
	actual, _ := parsedPrompts.LoadOrStore(src, t)
	return actual.(*template.Template), nil
}

// Preview shortens s to n runes for log lines
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
