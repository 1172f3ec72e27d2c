// Package prompt fills the static system/user prompt pairs the product sends to the
// completion proxy.
package prompt

import (
	"regexp"
	"sort"
	"strings"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

type Template struct {
	ID           string      `json:"id"`
	Task         domain.Task `json:"task"`
	SystemPrompt string      `json:"system_prompt"`
	UserPrompt   string      `json:"user_prompt"`
}

var placeholder = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// Variables returns the placeholder names the template declares, sorted.
func (t Template) Variables() []string {
	seen := make(map[string]bool)
	for _, s := range []string{t.SystemPrompt, t.UserPrompt} {
		for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Get(id string) (Template, bool) {
	t, ok := templates[id]
	return t, ok
}

// List returns every template ordered by id.
func List() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fill replaces every {{key}} in both prompts with vars[key]. Placeholders without a
// value are left as they are. It returns nil and false for an unknown template.
func Fill(templateID string, vars map[string]string) ([]domain.Message, bool) {
	t, ok := templates[templateID]
	if !ok {
		return nil, false
	}

	r := replacer(vars)
	return []domain.Message{
		{Role: "system", Content: r.Replace(t.SystemPrompt)},
		{Role: "user", Content: r.Replace(t.UserPrompt)},
	}, true
}

// replacer substitutes in a single pass so values that themselves look like
// placeholders are never expanded.
func replacer(vars map[string]string) *strings.Replacer {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...)
}
