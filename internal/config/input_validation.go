package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Limits on free-text fields that end up inside prompts
const (
	MaxTopicLength     = 500
	MaxModelNameLength = 100
	MaxTemplateSize    = 50 * 1024
)

// ValidateInputs checks the fields a user types into the config file that
// flow into prompts, URLs or output paths. Every problem is reported.
func (c *Config) ValidateInputs() error {
	var errs []error
	check := func(field string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	for _, name := range sortedKeys(c.Personas) {
		p := c.Personas[name]
		for i, topic := range p.Topics {
			check(fmt.Sprintf("personas.%s.topics[%d]", name, i), promptText(topic, MaxTopicLength))
		}
		check("personas."+name+".style", promptText(p.Style, MaxTemplateSize))
	}

	for _, key := range sortedKeys(c.Models) {
		mc := c.Models[key]
		check("models."+key+".model_name", promptText(mc.ModelName, MaxModelNameLength))
		check("models."+key+".base_url", httpURL(mc.BaseURL))
	}

	if c.Mode.UseRealAzure {
		check("azure.graph_base_url", httpURL(c.Azure.GraphBaseURL))
	}

	for i, sc := range c.Scenarios {
		check(fmt.Sprintf("scenarios[%d].name", i), dirName(sc.Name))
	}

	t := c.PromptTemplates
	for _, tmpl := range []struct{ field, body string }{
		{"opening", t.Opening},
		{"assistant_system", t.AssistantSystem},
		{"user_system", t.UserSystem},
		{"toxicity_rewrite", t.ToxicityRewrite},
	} {
		if len(tmpl.body) > MaxTemplateSize {
			check("prompt_templates."+tmpl.field,
				fmt.Errorf("exceeds maximum size of %d bytes (got %d)", MaxTemplateSize, len(tmpl.body)))
		}
	}

	return errors.Join(errs...)
}

// promptText bounds a free-text value and rejects terminal control bytes
func promptText(s string, limit int) error {
	if len(s) > limit {
		return fmt.Errorf("exceeds maximum length of %d characters (got %d)", limit, len(s))
	}
	if containsControlChars(s) {
		return errors.New("contains invalid control characters")
	}
	return nil
}

func httpURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("must have a host")
	}
	return nil
}

// dirName accepts names usable as one directory under the output dir
func dirName(name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.IsAbs(name) {
		return fmt.Errorf("%q must be a plain directory name", name)
	}
	if containsControlChars(name) {
		return fmt.Errorf("%q contains invalid control characters", name)
	}
	return nil
}

// containsControlChars ignores newline, tab and carriage return
func containsControlChars(s string) bool {
	return strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r'
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
